package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{ConsecutiveFailures: 3, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	b := NewBreaker("test", cfg, zerolog.Nop())

	boom := errors.New("upstream down")
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected upstream error, got %v", i, err)
		}
	}

	err := b.Execute(func() error { return nil })
	if !IsOpen(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if b.State() != "open" {
		t.Errorf("state = %q, want open", b.State())
	}
}

func TestBreaker_RecoversAfterTimeout(t *testing.T) {
	cfg := Config{ConsecutiveFailures: 1, OpenTimeout: 20 * time.Millisecond, HalfOpenRequests: 1}
	b := NewBreaker("test", cfg, zerolog.Nop())

	_ = b.Execute(func() error { return errors.New("boom") })
	if !IsOpen(b.Execute(func() error { return nil })) {
		t.Fatal("breaker should be open immediately after tripping")
	}

	time.Sleep(30 * time.Millisecond)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should pass: %v", err)
	}
	if b.State() != "closed" {
		t.Errorf("state = %q, want closed after successful probe", b.State())
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	cfg := Config{ConsecutiveFailures: 2, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	b := NewBreaker("test", cfg, zerolog.Nop())

	_ = b.Execute(func() error { return errors.New("boom") })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errors.New("boom") })

	// Only one consecutive failure; breaker stays closed.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("breaker should remain closed: %v", err)
	}
}
