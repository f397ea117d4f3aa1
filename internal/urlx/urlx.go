// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package urlx holds small net/url helpers shared by the registry clients.
package urlx

import "net/url"

// MustParse parses rawURL and panics on failure. Reserved for the
// compile-time-constant registry base URLs, where a parse error is a
// programming error rather than input.
func MustParse(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return u
}
