package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowPerKey(t *testing.T) {
	l := New(1, 2, 0)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("burst of 2 should be allowed")
	}
	if l.Allow("a") {
		t.Fatalf("third request should be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("other keys have their own bucket")
	}
}

func TestSweepDropsIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(10, 1, time.Minute)
	l.now = func() time.Time { return now }
	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("new")
	if n := l.Sweep(); n != 1 {
		t.Fatalf("remaining=%d want 1", n)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(0.001, 1, 0)
	l.Allow("k")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "k"); err == nil {
		t.Fatalf("expected wait to fail")
	}
}
