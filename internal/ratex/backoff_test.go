// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ratex

import (
	"context"
	"testing"
	"time"
)

func TestWaitPacesSuccessiveCalls(t *testing.T) {
	l := NewBackoffLimiter(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("first Wait blocked %v, want immediate", elapsed)
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("second Wait returned after %v, want >= one period", elapsed)
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	l := NewBackoffLimiter(time.Minute)
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(cancelCtx); err != context.DeadlineExceeded {
		t.Fatalf("Wait under canceled context = %v, want DeadlineExceeded", err)
	}
}

func TestBackoffAndSuccessAdjustPeriod(t *testing.T) {
	l := NewBackoffLimiter(300 * time.Millisecond)
	l.Backoff()
	if got := l.CurrentPeriod(); got != 400*time.Millisecond {
		t.Fatalf("period after Backoff = %v, want 400ms", got)
	}
	l.Success()
	if got := l.CurrentPeriod(); got != 360*time.Millisecond {
		t.Fatalf("period after Success = %v, want 360ms", got)
	}
	// Success never undercuts the minimum.
	for i := 0; i < 10; i++ {
		l.Success()
	}
	if got := l.CurrentPeriod(); got != 300*time.Millisecond {
		t.Fatalf("period floor = %v, want the 300ms minimum", got)
	}
}
