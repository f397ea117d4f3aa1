// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package hashext computes several digests over a single pass of a byte
// stream. The stream-through fetcher uses one MultiHash to derive the stored
// sha256 and to check a published upstream digest (crates.io cksum, npm
// shasum) without reading the body twice.
package hashext

import (
	"crypto"
	"encoding/hex"
	"hash"
)

// MultiHash feeds every Write to a fixed set of digest algorithms.
type MultiHash struct {
	algos  []crypto.Hash
	hashes []hash.Hash
}

// NewMultiHash returns a MultiHash over the given algorithms, collapsing
// duplicates. Each algorithm's implementation must be registered (blank
// imported) by the caller.
func NewMultiHash(algos ...crypto.Hash) *MultiHash {
	m := &MultiHash{}
	for _, algo := range algos {
		if m.lookup(algo) != nil {
			continue
		}
		m.algos = append(m.algos, algo)
		m.hashes = append(m.hashes, algo.New())
	}
	return m
}

func (m *MultiHash) lookup(algo crypto.Hash) hash.Hash {
	for i, a := range m.algos {
		if a == algo {
			return m.hashes[i]
		}
	}
	return nil
}

// Write feeds p to every contained digest. It never fails.
func (m *MultiHash) Write(p []byte) (int, error) {
	for _, h := range m.hashes {
		h.Write(p)
	}
	return len(p), nil
}

// HexSum returns the lowercase hex digest for algo, the form digests take
// both in the inventory and in upstream metadata. It returns "" when algo
// was not requested at construction.
func (m *MultiHash) HexSum(algo crypto.Hash) string {
	h := m.lookup(algo)
	if h == nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
