// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package fetch implements the stream-through fetcher and single-flight
// coordinator from spec.md §4.3: concurrent misses for the same key are
// collapsed onto one upstream GET, whose bytes are simultaneously written
// to disk and broadcast to every attached caller.
package fetch

import (
	"context"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/hashext"
	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/storage"
	"github.com/veinproxy/vein/internal/upstream"
)

// Digest is a published upstream digest to verify the fetched bytes against
// (crates.io cksum, npm dist.shasum/integrity). RubyGems .gem files are
// opaque and carry none (spec.md §4.6).
type Digest struct {
	Algo crypto.Hash
	Hex  string
}

// Request describes one stream-through fetch.
type Request struct {
	Key            inventory.AssetKey
	URL            string
	FinalPath      string // storage-relative destination path
	ExpectedDigest *Digest
}

const (
	chunkSize          = 32 * 1024
	followerBufferSize = 8 // spec.md §4.3 step 3: drop-slow-followers threshold
	softRequestCap     = 5 * time.Minute
)

// ErrIntegrityFailure is returned (to the leader and broadcast to
// followers) when the computed digest does not match ExpectedDigest.
var ErrIntegrityFailure = errors.New("fetch: integrity verification failed")

// ErrFollowerTooSlow is delivered to a follower detached under the
// drop-slow-followers policy (spec.md §4.3 step 3); the HTTP surface maps
// this to a 503.
var ErrFollowerTooSlow = errors.New("fetch: follower detached, too slow")

type chunk struct {
	data []byte
	err  error
}

// entry is the shared in-flight handle for one key: one leader performing
// the upstream GET, zero or more followers attached to its broadcast.
type entry struct {
	mu     sync.Mutex
	subs   map[int]chan chunk
	nextID int
	closed bool
}

func newEntry() *entry {
	return &entry{subs: map[int]chan chunk{}}
}

func (e *entry) subscribe() (int, chan chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan chunk, followerBufferSize)
	e.subs[id] = ch
	return id, ch
}

func (e *entry) unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(ch)
	}
}

// publish fans a chunk out to every subscriber. A subscriber whose buffer
// is full is detached with ErrFollowerTooSlow rather than allowed to slow
// the leader (spec.md §4.3 step 3).
func (e *entry) publish(c chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- c:
		default:
			delete(e.subs, id)
			select {
			case ch <- chunk{err: ErrFollowerTooSlow}:
			default:
			}
			close(ch)
		}
	}
}

// finish broadcasts the terminal event (nil error on success) and closes
// every still-attached subscriber's channel.
func (e *entry) finish(finalErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		if finalErr != nil {
			select {
			case ch <- chunk{err: finalErr}:
			default:
			}
		}
		delete(e.subs, id)
		close(ch)
	}
}

// streamReader adapts a subscriber's chunk channel to an io.ReadCloser, the
// shape both the leader's own client and its followers consume.
type streamReader struct {
	entry    *entry
	id       int
	ch       <-chan chunk
	buf      []byte
	sticky   error
	unsubbed bool
}

func (s *streamReader) Read(p []byte) (int, error) {
	if s.sticky != nil {
		return 0, s.sticky
	}
	for len(s.buf) == 0 {
		c, ok := <-s.ch
		if !ok {
			s.sticky = io.EOF
			return 0, io.EOF
		}
		if c.err != nil {
			s.sticky = c.err
			return 0, c.err
		}
		s.buf = c.data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *streamReader) Close() error {
	if !s.unsubbed {
		s.unsubbed = true
		s.entry.unsubscribe(s.id)
	}
	return nil
}

// Fetcher coordinates single-flight upstream fetches across all ecosystems,
// teeing each leader's bytes to storage and to every attached caller.
type Fetcher struct {
	Store     *storage.Store
	Inventory inventory.Inventory
	Now       func() time.Time

	mu       sync.Mutex
	inflight map[inventory.AssetKey]*entry
}

// New constructs a Fetcher.
func New(store *storage.Store, inv inventory.Inventory) *Fetcher {
	return &Fetcher{Store: store, Inventory: inv, Now: time.Now, inflight: map[inventory.AssetKey]*entry{}}
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Fetch returns a reader over the bytes of req.Key, attaching to an
// in-flight leader if one already exists or electing this call as the
// leader otherwise (spec.md §4.3 step 1).
func (f *Fetcher) Fetch(ctx context.Context, client *upstream.Client, req Request) (io.ReadCloser, error) {
	f.mu.Lock()
	e, isLeader := f.inflight[req.Key]
	if e == nil {
		e = newEntry()
		f.inflight[req.Key] = e
		isLeader = true
	} else {
		isLeader = false
	}
	f.mu.Unlock()

	id, ch := e.subscribe()
	reader := &streamReader{entry: e, id: id, ch: ch}

	if isLeader {
		go f.lead(req, e, client)
	}
	return reader, nil
}

// lead performs the actual upstream GET and tees it to disk and to the
// entry's broadcast (spec.md §4.3 steps 2-5). It runs detached from any
// individual caller's context: leader cancellation is not propagated
// (spec.md §5).
func (f *Fetcher) lead(req Request, e *entry, client *upstream.Client) {
	defer func() {
		f.mu.Lock()
		delete(f.inflight, req.Key)
		f.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), softRequestCap)
	defer cancel()

	tmp, err := f.Store.CreateTemp()
	if err != nil {
		e.finish(errors.Wrap(err, "opening temp file"))
		return
	}

	resp, err := client.Get(ctx, req.URL)
	if err != nil {
		tmp.Abort()
		e.finish(errors.Wrap(err, "upstream fetch failed"))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		tmp.Abort()
		e.finish(errors.Errorf("upstream responded %s", resp.Status))
		return
	}

	algos := []crypto.Hash{crypto.SHA256}
	if req.ExpectedDigest != nil && req.ExpectedDigest.Algo != crypto.SHA256 {
		algos = append(algos, req.ExpectedDigest.Algo)
	}
	mh := hashext.NewMultiHash(algos...)

	buf := make([]byte, chunkSize)
	var size int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunkData := append([]byte(nil), buf[:n]...)
			if _, werr := tmp.Write(chunkData); werr != nil {
				tmp.Abort()
				e.finish(errors.Wrap(werr, "writing to temp file"))
				return
			}
			mh.Write(chunkData)
			size += int64(n)
			e.publish(chunk{data: chunkData})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Abort()
			e.finish(errors.Wrap(readErr, "reading upstream body"))
			return
		}
	}

	// Verification gates the commit and the row, never the stream: attached
	// clients have been receiving chunks all along, so a mismatch here
	// surfaces to them as a truncated transfer while the cache stays clean
	// (spec.md §4.3 steps 3-4, §4.3 step 6).
	if req.ExpectedDigest != nil {
		got := mh.HexSum(req.ExpectedDigest.Algo)
		if got != req.ExpectedDigest.Hex {
			tmp.Abort()
			e.finish(ErrIntegrityFailure)
			return
		}
	}
	sha256Hex := mh.HexSum(crypto.SHA256)

	if err := tmp.Commit(req.FinalPath); err != nil {
		e.finish(errors.Wrap(err, "committing fetched file"))
		return
	}

	row := inventory.CachedAsset{
		Kind:         req.Key.Kind,
		Name:         req.Key.Name,
		Version:      req.Key.Version,
		Platform:     req.Key.Platform,
		Path:         req.FinalPath,
		SHA256:       sha256Hex,
		SizeBytes:    size,
		LastAccessed: f.now(),
		FetchedAt:    f.now(),
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		row.ETag = etag
	}
	if err := f.Inventory.PutAsset(context.Background(), row); err != nil {
		// File is already committed; a missing row just means the next
		// lookup treats it as a miss and re-fetches, overwriting the orphan
		// via another atomic rename (spec.md §4.7 Concurrency).
		e.finish(errors.Wrap(err, "recording cached asset"))
		return
	}

	e.finish(nil)
}
