// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package cratesio

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/veinproxy/vein/internal/httpx/httpxtest"
)

func TestVersionChecksum(t *testing.T) {
	doc := `{
		"version": {
			"num": "1.0.200",
			"dl_path": "/api/v1/crates/serde/1.0.200/download",
			"yanked": false,
			"checksum": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
		}
	}`
	reg := HTTPRegistry{Client: &httpxtest.MockClient{
		URLValidator: httpxtest.NewURLValidator(t),
		Calls: []httpxtest.Call{{
			URL:      "https://crates.io/api/v1/crates/serde/1.0.200",
			Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(doc)},
		}},
	}}
	v, err := reg.Version(context.Background(), "serde", "1.0.200")
	if err != nil {
		t.Fatal(err)
	}
	if v.Checksum != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("Checksum = %q", v.Checksum)
	}
	if v.DownloadURL != "https://crates.io/api/v1/crates/serde/1.0.200/download" {
		t.Errorf("DownloadURL = %q", v.DownloadURL)
	}
}

func TestCrateResolvesDownloadURLs(t *testing.T) {
	doc := `{
		"crate": {"id": "serde", "max_version": "1.0.200"},
		"versions": [
			{"num": "1.0.200", "dl_path": "/api/v1/crates/serde/1.0.200/download", "checksum": "aaa"},
			{"num": "1.0.199", "dl_path": "/api/v1/crates/serde/1.0.199/download", "checksum": "bbb", "yanked": true}
		]
	}`
	reg := HTTPRegistry{Client: &httpxtest.MockClient{
		URLValidator: httpxtest.NewURLValidator(t),
		Calls: []httpxtest.Call{{
			URL:      "https://crates.io/api/v1/crates/serde",
			Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(doc)},
		}},
	}}
	c, err := reg.Crate(context.Background(), "serde")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "serde" || c.MaxVersion != "1.0.200" {
		t.Errorf("metadata = %+v", c.Metadata)
	}
	if len(c.Versions) != 2 {
		t.Fatalf("versions = %d", len(c.Versions))
	}
	if c.Versions[0].DownloadURL != "https://crates.io/api/v1/crates/serde/1.0.200/download" {
		t.Errorf("DownloadURL[0] = %q", c.Versions[0].DownloadURL)
	}
	if !c.Versions[1].Yanked {
		t.Error("yanked flag lost in decode")
	}
}

func TestArtifactFollowsDownloadPath(t *testing.T) {
	doc := `{"version": {"num": "1.0.200", "dl_path": "/api/v1/crates/serde/1.0.200/download", "checksum": "aaa"}}`
	reg := HTTPRegistry{Client: &httpxtest.MockClient{
		URLValidator: httpxtest.NewURLValidator(t),
		Calls: []httpxtest.Call{
			{
				URL:      "https://crates.io/api/v1/crates/serde/1.0.200",
				Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(doc)},
			},
			{
				URL:      "https://crates.io/api/v1/crates/serde/1.0.200/download",
				Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("crate bytes")},
			},
		},
	}}
	rc, err := reg.Artifact(context.Background(), "serde", "1.0.200")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "crate bytes" {
		t.Errorf("artifact body = %q", b)
	}
}

func TestVersionRegistryError(t *testing.T) {
	reg := HTTPRegistry{Client: &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{{
			Response: &http.Response{StatusCode: 404, Status: "404 Not Found", Body: httpxtest.Body("")},
		}},
	}}
	if _, err := reg.Version(context.Background(), "no-such-crate", "0.0.1"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
