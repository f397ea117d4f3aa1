// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package storage implements Vein's on-disk blob tree: the filesystem layout
// from spec.md §4.7 and the write-tempfile-then-atomic-rename discipline
// that §4.3 depends on for crash safety.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/inventory"
)

// Store owns the on-disk file tree under a configured root. No other
// component writes or deletes files beneath this root (spec.md §3
// Ownership).
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating storage root")
	}
	return &Store{root: dir}, nil
}

// Root returns the configured filesystem root.
func (s *Store) Root() string { return s.root }

// FinalPath computes the relative path (per spec.md §4.7) for a given asset
// key. Scoped npm packages (@scope/name) are preserved as a nested
// directory; crates.io shards by first-letter-pair conventionally, but the
// model here keeps the simpler <name>/<name>-<version>.crate layout named
// in the spec.
func FinalPath(key inventory.AssetKey, filename string) string {
	switch key.Kind {
	case inventory.KindGem:
		return filepath.Join("rubygems", "gems", filename)
	case inventory.KindGemspec:
		return filepath.Join("rubygems", "quick", filename)
	case inventory.KindCrate:
		return filepath.Join("crates", key.Name, filename)
	case inventory.KindNPMTarball:
		return filepath.Join("npm", key.Name, "-", filename)
	case inventory.KindRubyGemsIndex, inventory.KindCratesIndex, inventory.KindNPMMeta:
		name := key.Name
		if name == "" {
			name = filename
		}
		shard := "misc"
		if len(name) > 0 {
			shard = name[:1]
		}
		return filepath.Join("cache", string(key.Kind), shard, name)
	default:
		return filepath.Join("cache", "misc", filename)
	}
}

// TempWriter is an open temp file under <root>/.tmp, written to by a
// stream-through fetch leader and committed with Commit or discarded with
// Abort.
type TempWriter struct {
	f         *os.File
	store     *Store
	committed bool
}

// CreateTemp opens a new temp file at <storage>/.tmp/<uuid> (spec.md §4.3
// step 2).
func (s *Store) CreateTemp() (*TempWriter, error) {
	name := filepath.Join(s.root, ".tmp", uuid.NewString())
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	return &TempWriter{f: f, store: s}, nil
}

func (w *TempWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

// Path returns the temp file's path on disk.
func (w *TempWriter) Path() string { return w.f.Name() }

// Abort closes and removes the temp file without publishing it. Used on
// upstream failure or integrity mismatch (spec.md §4.3 steps 4-5).
func (w *TempWriter) Abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// Commit fsyncs the temp file and atomically renames it to its final
// location under the storage root, creating any needed directories. A
// CachedAsset row must only be inserted after Commit returns successfully
// (spec.md §4.3 step 4, §4.7 Concurrency).
func (w *TempWriter) Commit(relPath string) error {
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return errors.Wrap(err, "fsyncing temp file")
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return errors.Wrap(err, "closing temp file")
	}
	final := filepath.Join(w.store.root, relPath)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(w.f.Name())
		return errors.Wrap(err, "creating destination directory")
	}
	if err := os.Rename(w.f.Name(), final); err != nil {
		os.Remove(w.f.Name())
		return errors.Wrap(err, "renaming temp file into place")
	}
	w.committed = true
	return nil
}

// Open opens the file at the given storage-relative path for reading.
func (s *Store) Open(relPath string) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.root, relPath))
	if err != nil {
		return nil, errors.Wrap(err, "opening cached file")
	}
	return f, nil
}

// Size stats the file at the given storage-relative path.
func (s *Store) Size(relPath string) (int64, error) {
	fi, err := os.Stat(filepath.Join(s.root, relPath))
	if err != nil {
		return 0, errors.Wrap(err, "stat cached file")
	}
	return fi.Size(), nil
}

// Quarantine moves a corrupt cache file aside so CorruptCache recovery
// (spec.md §7) can re-fetch without colliding with the dead file.
func (s *Store) Quarantine(relPath string) error {
	full := filepath.Join(s.root, relPath)
	aside := full + ".corrupt-" + uuid.NewString()
	if err := os.Rename(full, aside); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "quarantining corrupt file")
	}
	return nil
}

// ServeFile copies the named storage-relative file to w, suitable for use
// by the HTTP surface on a cache hit.
func ServeFile(ctx context.Context, s *Store, relPath string, w io.Writer) (int64, error) {
	f, err := s.Open(relPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, errors.Wrap(err, "serving cached file")
	}
	return n, nil
}
