// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package rewriter filters RubyGems compact-index responses (/versions and
// /info/<gem>) so that quarantined versions never reach a client (spec.md
// §4.4). It buffers a full response body — these documents are small — but
// never requires the whole /versions changelog to rewrite a single
// /info/<gem> body.
package rewriter

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/quarantine"
)

// InfoSource fetches the current upstream /info/<gem> body for name, used to
// recompute the trailing md5 column of a changed /versions line (spec.md
// §4.4 step 3). Implemented against pkg/registry/rubygems by the server.
type InfoSource interface {
	InfoBody(ctx context.Context, name string) ([]byte, error)
}

// Rewriter implements the §4.4 filtering rules against a quarantine
// Scheduler for releasability decisions.
type Rewriter struct {
	Scheduler *quarantine.Scheduler
	Info      InfoSource
	Now       func() time.Time
}

// New constructs a Rewriter.
func New(s *quarantine.Scheduler, info InfoSource) *Rewriter {
	return &Rewriter{Scheduler: s, Info: info, Now: time.Now}
}

func (rw *Rewriter) now() time.Time {
	if rw.Now != nil {
		return rw.Now()
	}
	return time.Now()
}

// splitVersionPlatform parses one comma-separated /versions version token,
// e.g. "1.0.0" or "1.0.0-java".
func splitVersionPlatform(tok string) (version, platform string) {
	if idx := strings.LastIndexByte(tok, '-'); idx >= 0 {
		// A platform suffix never itself contains a dot-free numeric segment
		// that looks like a version; RubyGems platform strings always
		// contain a letter, so this is unambiguous for real gem data.
		tail := tok[idx+1:]
		if tail != "" && !isNumericVersion(tail) {
			return tok[:idx], tail
		}
	}
	return tok, ""
}

func isNumericVersion(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return s != ""
}

// RewriteVersions filters the /versions compact-index body per spec.md
// §4.4 steps 1-3. publishedAt is used as the published_at timestamp for any
// (name, version) observed here for the first time: the compact index does
// not carry a per-version publish date, so first-sighting time is the best
// available proxy, matching spec.md §4.4 step 1 ("If a row is missing,
// insert it with published_at = T").
func (rw *Rewriter) RewriteVersions(ctx context.Context, body []byte, publishedAt time.Time) ([]byte, error) {
	lines := strings.Split(string(body), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			// Header/separator lines ("---", "created_at: ...") pass through
			// unchanged.
			out = append(out, line)
			continue
		}
		name, versionsCSV, md5Col := fields[0], fields[1], fields[2]
		tokens := strings.Split(versionsCSV, ",")
		kept := make([]string, 0, len(tokens))
		changed := false
		for _, tok := range tokens {
			version, platform := splitVersionPlatform(tok)
			if _, err := rw.Scheduler.EnsureTracked(ctx, name, version, platform, publishedAt); err != nil {
				return nil, errors.Wrapf(err, "tracking %s %s", name, version)
			}
			releasable, err := rw.Scheduler.Releasable(ctx, name, version, platform)
			if err != nil {
				return nil, errors.Wrapf(err, "checking releasability of %s %s", name, version)
			}
			if releasable {
				kept = append(kept, tok)
			} else {
				changed = true
			}
		}
		if len(kept) == 0 {
			continue
		}
		if changed {
			newMD5, err := rw.recomputeMD5(ctx, name)
			if err != nil {
				return nil, err
			}
			md5Col = newMD5
		}
		out = append(out, name+" "+strings.Join(kept, ",")+" "+md5Col)
	}
	return []byte(strings.Join(out, "\n") + "\n"), nil
}

// recomputeMD5 fetches the current upstream /info/<name> body, applies the
// same releasability filter, and returns the hex md5 of the rewritten body
// (spec.md §4.4 step 3: "md5 is of the corresponding rewritten /info/<name>
// body").
func (rw *Rewriter) recomputeMD5(ctx context.Context, name string) (string, error) {
	if rw.Info == nil {
		return "", errors.Errorf("rewriter: no InfoSource configured, cannot recompute md5 for %s", name)
	}
	body, err := rw.Info.InfoBody(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "fetching info body for %s", name)
	}
	rewritten, err := rw.RewriteInfo(ctx, name, body)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(rewritten)
	return hex.EncodeToString(sum[:]), nil
}

// RewriteInfo filters the /info/<gem> body per spec.md §4.4 step 2/4:
// lines whose version is not releasable are dropped; order of remaining
// lines is preserved.
func (rw *Rewriter) RewriteInfo(ctx context.Context, name string, body []byte) ([]byte, error) {
	lines := bytes.Split(body, []byte("\n"))
	var out [][]byte
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		field := line
		if idx := bytes.IndexByte(line, ' '); idx >= 0 {
			field = line[:idx]
		} else if idx := bytes.IndexByte(line, '|'); idx >= 0 {
			field = line[:idx]
		}
		version, platform := splitVersionPlatform(string(field))
		releasable, err := rw.Scheduler.Releasable(ctx, name, version, platform)
		if err != nil {
			return nil, errors.Wrapf(err, "checking releasability of %s %s", name, version)
		}
		if releasable {
			out = append(out, line)
		}
	}
	return append(bytes.Join(out, []byte("\n")), '\n'), nil
}
