// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package npm is Vein's client for the npm registry metadata API. The proxy
// uses it to resolve a version's dist block — tarball URL, shasum,
// integrity — so tarball downloads can be verified against the published
// digest before they are cached.
package npm

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

var registryURL = urlx.MustParse("https://registry.npmjs.org")

// Package is the registry's full metadata document for one package, trimmed
// to the fields the proxy consumes.
type Package struct {
	Name     string               `json:"name"`
	DistTags DistTags             `json:"dist-tags"`
	Versions map[string]Release   `json:"versions"`
	Times    map[string]time.Time `json:"time"`
}

// DistTags carries the registry's named version pointers.
type DistTags struct {
	Latest string `json:"latest"`
}

// Release is one published version within a Package document.
type Release struct {
	Version string `json:"version"`
	Dist    Dist   `json:"dist"`
}

// Dist is the distribution block of a release: where the tarball lives and
// the digests it must hash to. Shasum is hex sha1; Integrity is an SRI
// string (typically sha512-base64).
type Dist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum"`
	Integrity string `json:"integrity"`
}

// Registry is an npm package registry.
type Registry interface {
	Package(context.Context, string) (*Package, error)
	Release(context.Context, string, string) (*Release, error)
	Tarball(context.Context, string, string) (io.ReadCloser, error)
}

// HTTPRegistry is a Registry over the npm HTTP API. BaseURL defaults to
// registry.npmjs.org and is settable so the proxy's fixed upstream can be
// pointed at a test server.
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
		return nil, errors.Errorf("npm registry error: %s", resp.Status)
	}
	return resp, nil
}

// Package returns the metadata document for pkg. Scoped names (@scope/name)
// are passed through as-is; the registry accepts the unescaped form.
func (r HTTPRegistry) Package(ctx context.Context, pkg string) (*Package, error) {
	resp, err := r.get(ctx, path.Join("/", pkg))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var p Package
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, errors.Wrapf(err, "decoding package document for %s", pkg)
	}
	return &p, nil
}

// Release returns the metadata for one version of pkg.
func (r HTTPRegistry) Release(ctx context.Context, pkg, version string) (*Release, error) {
	resp, err := r.get(ctx, path.Join("/", pkg, version))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, errors.Wrapf(err, "decoding release document for %s@%s", pkg, version)
	}
	return &rel, nil
}

// Tarball streams the artifact for one version of pkg, resolved through the
// release's dist.tarball URL.
func (r HTTPRegistry) Tarball(ctx context.Context, pkg, version string) (io.ReadCloser, error) {
	rel, err := r.Release(ctx, pkg, version)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.Dist.Tarball, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building tarball request")
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		resp.Body.Close()
		return nil, errors.Errorf("fetching tarball: %s", resp.Status)
	}
	return resp.Body, nil
}

var _ Registry = &HTTPRegistry{}
