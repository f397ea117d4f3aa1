// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package glob matches delay-policy gem patterns. A [[delay_policy.gems]]
// rule with pattern = true selects gems by name with shell-style wildcards:
// '*' matches any run of characters ("rails*", "aws-sdk-*"), '?' matches
// exactly one. Gem names never contain path separators, so there is no
// directory-aware matching here.
package glob

// Match reports whether name matches pattern.
func Match(pattern, name string) bool {
	// Iterative wildcard match: remember the most recent '*' and the point
	// in name it matched to, and backtrack there on mismatch.
	var pi, ni int
	star, mark := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == name[ni]):
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] == '*':
			star, mark = pi, ni
			pi++
		case star >= 0:
			mark++
			pi, ni = star+1, mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
