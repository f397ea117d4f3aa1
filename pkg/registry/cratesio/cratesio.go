// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package cratesio is Vein's client for the crates.io API. The proxy uses it
// to resolve a crate version's published checksum (cksum) before a download
// is cached, and to follow the API's dl_path to the artifact itself.
package cratesio

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/httpx"
	"github.com/veinproxy/vein/internal/urlx"
)

var registryURL = urlx.MustParse("https://crates.io")

// Metadata is the crate-level information returned by the API.
type Metadata struct {
	Name       string    `json:"id"`
	MaxVersion string    `json:"max_version"`
	Updated    time.Time `json:"updated_at"`
}

// Version is one published version of a crate. Checksum is the hex sha256
// of the .crate file (the index's cksum) that downloads are verified
// against; DownloadURL is DownloadPath resolved against the API base.
type Version struct {
	Num          string    `json:"num"`
	DownloadPath string    `json:"dl_path"`
	Created      time.Time `json:"created_at"`
	Yanked       bool      `json:"yanked"`
	Checksum     string    `json:"checksum"`
	DownloadURL  string    `json:"-"`
}

// Crate is the /api/v1/crates/<name> result.
type Crate struct {
	Metadata `json:"crate"`
	Versions []Version `json:"versions"`
}

// Registry is a crates.io package registry.
type Registry interface {
	Crate(context.Context, string) (*Crate, error)
	Version(context.Context, string, string) (*Version, error)
	Artifact(context.Context, string, string) (io.ReadCloser, error)
}

// HTTPRegistry is a Registry over the crates.io HTTP API. BaseURL defaults
// to crates.io and is settable for tests.
type HTTPRegistry struct {
	Client  httpx.BasicClient
	BaseURL *url.URL
}

func (r HTTPRegistry) base() *url.URL {
	if r.BaseURL != nil {
		return r.BaseURL
	}
	return registryURL
}

func (r HTTPRegistry) get(ctx context.Context, p string) (*http.Response, error) {
	pathURL, err := url.Parse(p)
	if err != nil {
		return nil, errors.Wrapf(err, "building request path %q", p)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base().ResolveReference(pathURL).String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		resp.Body.Close()
		return nil, errors.Errorf("crates.io registry error: %s", resp.Status)
	}
	return resp, nil
}

func (r HTTPRegistry) resolveDownload(v *Version) {
	if downloadPath, err := url.Parse(v.DownloadPath); err == nil {
		v.DownloadURL = r.base().ResolveReference(downloadPath).String()
	}
}

// Crate returns the crate document for pkg, with every version's
// DownloadURL resolved.
func (r HTTPRegistry) Crate(ctx context.Context, pkg string) (*Crate, error) {
	resp, err := r.get(ctx, path.Join("/api/v1/crates", pkg))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var c Crate
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "decoding crate document for %s", pkg)
	}
	for i := range c.Versions {
		r.resolveDownload(&c.Versions[i])
	}
	return &c, nil
}

// Version returns the metadata for one version of pkg, including its
// published checksum.
func (r HTTPRegistry) Version(ctx context.Context, pkg, version string) (*Version, error) {
	resp, err := r.get(ctx, path.Join("/api/v1/crates", pkg, version))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var wrapper struct {
		Version Version `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, errors.Wrapf(err, "decoding version document for %s %s", pkg, version)
	}
	v := wrapper.Version
	r.resolveDownload(&v)
	return &v, nil
}

// Artifact streams the .crate file for one version of pkg.
func (r HTTPRegistry) Artifact(ctx context.Context, pkg, version string) (io.ReadCloser, error) {
	v, err := r.Version(ctx, pkg, version)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.DownloadURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building artifact request")
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		resp.Body.Close()
		return nil, errors.Errorf("fetching artifact: %s", resp.Status)
	}
	return resp.Body, nil
}

var _ Registry = &HTTPRegistry{}
