// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/veinproxy/vein/pkg/registry/cratesio"
	"github.com/veinproxy/vein/pkg/registry/npm"
)

// registryDigests is the production DigestSource: it asks the crates.io and
// npm metadata APIs for the published checksum of a version.
type registryDigests struct {
	crates cratesio.HTTPRegistry
	npm    npm.HTTPRegistry
}

func (d registryDigests) CrateChecksum(ctx context.Context, name, version string) (string, error) {
	v, err := d.crates.Version(ctx, name, version)
	if err != nil {
		return "", err
	}
	return v.Checksum, nil
}

func (d registryDigests) NPMShasum(ctx context.Context, name, version string) (string, error) {
	rel, err := d.npm.Release(ctx, name, version)
	if err != nil {
		return "", err
	}
	return rel.Dist.Shasum, nil
}
