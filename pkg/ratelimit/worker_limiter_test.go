package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_FixedWindow(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	l := NewLimiter(store, 3, time.Minute)
	fixed := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "1.2.3.4:/inbound-mail")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("hit %d should be allowed", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("hit %d remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d, _ := l.Allow(ctx, "1.2.3.4:/inbound-mail")
	if d.Allowed {
		t.Error("4th hit in window should be rejected")
	}
	if got := d.RetryAfter(fixed); got != 50 {
		t.Errorf("RetryAfter = %d, want 50", got)
	}

	// different route is a different key
	if d, _ := l.Allow(ctx, "1.2.3.4:/delivery-status"); !d.Allowed {
		t.Error("other route should have its own window")
	}

	// next window resets
	l.now = func() time.Time { return fixed.Add(time.Minute) }
	if d, _ := l.Allow(ctx, "1.2.3.4:/inbound-mail"); !d.Allowed {
		t.Error("next window should be allowed")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	ctx := context.Background()
	store.Incr(ctx, "a", time.Nanosecond)
	store.Incr(ctx, "b", time.Hour)
	time.Sleep(time.Millisecond)

	store.sweep()
	if got := store.Len(); got != 1 {
		t.Errorf("Len() after sweep = %d, want 1", got)
	}
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	store := NewMemoryStore(time.Millisecond)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}
