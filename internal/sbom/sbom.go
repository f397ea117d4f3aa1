// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package sbom generates the minimal CycloneDX document served from
// .well-known/vein/sbom (spec.md §4.2 rule 4). Generation is
// synchronous-and-optional (Open Question 1): it runs on first request for
// a cached gem and the result is persisted so later requests are served
// straight from inventory.
package sbom

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CycloneDX/cyclonedx-go"
	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/inventory"
)

// Store is the subset of the inventory contract the generator needs.
type Store interface {
	GetMetadata(ctx context.Context, name, version, platform string) (*inventory.GemMetadata, error)
	PutMetadata(ctx context.Context, m inventory.GemMetadata) error
}

// Generator builds and caches CycloneDX BOMs for cached gems.
type Generator struct {
	Store Store
}

// New constructs a Generator.
func New(store Store) *Generator { return &Generator{Store: store} }

// Document returns the CycloneDX BOM JSON for (name, version, platform),
// generating it from whatever metadata is already on file if this is the
// first request (spec.md §4.2 rule 4: "triggers on-demand generation").
// This is intentionally a minimal document: a single root component plus
// whatever dependency/license data was captured at cache time, not a
// full content scan of the .gem archive (scanning .gem internals is out of
// scope, per spec.md Non-goals).
func (g *Generator) Document(ctx context.Context, name, version, platform string) ([]byte, error) {
	if platform == "" {
		platform = "ruby"
	}
	meta, err := g.Store.GetMetadata(ctx, name, version, platform)
	if err != nil && !errors.Is(err, inventory.ErrNotFound) {
		return nil, errors.Wrap(err, "loading gem metadata")
	}
	if err == nil && meta.SBOMJSON != "" {
		return []byte(meta.SBOMJSON), nil
	}

	bom := cyclonedx.NewBOM()
	bom.SerialNumber = fmt.Sprintf("urn:uuid:vein-%s-%s-%s", name, version, platform)
	bom.Metadata = &cyclonedx.Metadata{
		Component: &cyclonedx.Component{
			Type:    cyclonedx.ComponentTypeLibrary,
			Name:    name,
			Version: version,
			PackageURL: fmt.Sprintf("pkg:gem/%s@%s", name, version),
		},
	}

	components := []cyclonedx.Component{}
	licenses := cyclonedx.Licenses{}
	if meta != nil {
		if deps, derr := decodeDependencies(meta.DependenciesJSON); derr == nil {
			for _, d := range deps {
				components = append(components, cyclonedx.Component{
					Type:       cyclonedx.ComponentTypeLibrary,
					Name:       d.Name,
					Version:    d.Requirement,
					PackageURL: fmt.Sprintf("pkg:gem/%s", d.Name),
				})
			}
		}
		if names, lerr := decodeLicenses(meta.LicensesJSON); lerr == nil {
			for _, l := range names {
				licenses = append(licenses, cyclonedx.LicenseChoice{License: &cyclonedx.License{ID: l}})
			}
		}
	}
	if len(components) > 0 {
		comps := components
		bom.Components = &comps
	}
	if len(licenses) > 0 {
		bom.Metadata.Component.Licenses = &licenses
	}

	doc, err := json.Marshal(bom)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling cyclonedx bom")
	}

	if meta == nil {
		meta = &inventory.GemMetadata{Name: name, Version: version, Platform: platform}
	}
	meta.SBOMJSON = string(doc)
	if err := g.Store.PutMetadata(ctx, *meta); err != nil {
		return nil, errors.Wrap(err, "persisting generated sbom")
	}
	return doc, nil
}

type gemDependency struct {
	Name        string `json:"name"`
	Requirement string `json:"requirement"`
}

func decodeDependencies(raw string) ([]gemDependency, error) {
	if raw == "" {
		return nil, nil
	}
	var deps []gemDependency
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func decodeLicenses(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	return names, nil
}
