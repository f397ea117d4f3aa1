// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the in-memory memoization behind Vein's coalesced
// upstream metadata fetches: the rewriter reads /info bodies through an
// httpx.CachedClient backed by a CoalescingMemoryCache, so every md5 it
// recomputes during one /versions rewrite observes the same upstream state.
package cache

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotExist is returned when a key has no cached value.
var ErrNotExist = errors.New("does not exist")

// Cache is the lookup/memoize contract httpx.CachedClient consumes.
type Cache interface {
	Get(any) (any, error)
	Set(any, func() (any, error)) error
	GetOrSet(any, func() (any, error)) (any, error)
	Del(any)
	Clear()
}

// CoalescingMemoryCache memoizes fetch results and collapses concurrent
// lookups for the same key onto a single fetch. A failed fetch is evicted so
// the next lookup retries instead of replaying the error forever.
type CoalescingMemoryCache struct {
	entries sync.Map // key -> *onceFetch
}

// onceFetch wraps the fetch closure in a comparable value so a failed entry
// can be evicted with CompareAndDelete without racing a replacement.
type onceFetch struct {
	fn func() (any, error)
}

func (c *CoalescingMemoryCache) resolve(key any, once *onceFetch) (any, error) {
	val, err := once.fn()
	if err != nil {
		c.entries.CompareAndDelete(key, once)
	}
	return val, err
}

// Get returns the memoized value for key, or ErrNotExist.
func (c *CoalescingMemoryCache) Get(key any) (any, error) {
	once, ok := c.entries.Load(key)
	if !ok {
		return nil, ErrNotExist
	}
	return c.resolve(key, once.(*onceFetch))
}

// Set stores fetch's result under key, replacing any prior entry, and
// returns fetch's error if it fails.
func (c *CoalescingMemoryCache) Set(key any, fetch func() (any, error)) error {
	once := &onceFetch{sync.OnceValues(fetch)}
	c.entries.Store(key, once)
	_, err := c.resolve(key, once)
	return err
}

// GetOrSet returns the value for key, running fetch to populate it when
// absent. Simultaneous callers for the same key share one fetch.
func (c *CoalescingMemoryCache) GetOrSet(key any, fetch func() (any, error)) (any, error) {
	once, _ := c.entries.LoadOrStore(key, &onceFetch{sync.OnceValues(fetch)})
	return c.resolve(key, once.(*onceFetch))
}

// Del evicts key.
func (c *CoalescingMemoryCache) Del(key any) {
	c.entries.Delete(key)
}

// Clear drops every memoized entry. The server calls this whenever a fresh
// upstream /versions body lands, invalidating the memoized /info bodies.
func (c *CoalescingMemoryCache) Clear() {
	c.entries = sync.Map{}
}

var _ Cache = &CoalescingMemoryCache{}
