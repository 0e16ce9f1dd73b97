package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(2.0, 2) // 2 RPS, burst of 2

	if !limiter.Allow("hist.databento.com") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("hist.databento.com") {
		t.Error("Second request should be allowed")
	}

	// Burst exhausted
	if limiter.Allow("hist.databento.com") {
		t.Error("Third request should be blocked")
	}
}

func TestLimiter_MultipleHosts(t *testing.T) {
	limiter := NewLimiter(1.0, 1)

	if !limiter.Allow("host1.com") {
		t.Error("First request to host1 should be allowed")
	}
	if !limiter.Allow("host2.com") {
		t.Error("First request to host2 should be allowed")
	}
	if limiter.Allow("host1.com") {
		t.Error("Second request to host1 should be blocked")
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(10.0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "test.com"); err != nil {
		t.Errorf("Wait should not error on first request: %v", err)
	}

	// Second wait must block roughly one token interval (100ms at 10 RPS).
	start := time.Now()
	if err := limiter.Wait(ctx, "test.com"); err != nil {
		t.Errorf("Wait should succeed within context deadline: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait returned too quickly: %v", elapsed)
	}
}

func TestLimiter_WaitCancelled(t *testing.T) {
	limiter := NewLimiter(0.1, 1) // one token per 10s
	limiter.Allow("test.com")     // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "test.com"); err == nil {
		t.Error("Wait should fail when context expires before a token is available")
	}
}

func TestLimiter_SetRPS(t *testing.T) {
	limiter := NewLimiter(1.0, 1)
	limiter.Allow("test.com")

	limiter.SetRPS(100.0)
	stats := limiter.Stats()
	if got := stats["test.com"].RPS; got != 100.0 {
		t.Errorf("RPS after SetRPS = %v, want 100", got)
	}
}
