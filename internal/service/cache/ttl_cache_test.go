package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewTTLCache()
	c.now = func() time.Time { return now }

	if err := c.SetBytes("zip", []byte("abc"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if b, ok, _ := c.GetBytes("zip"); !ok || string(b) != "abc" {
		t.Fatalf("expected hit, got %q %v", b, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.GetBytes("zip"); ok {
		t.Fatalf("expected expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted")
	}
}

func TestTTLCacheNoExpiry(t *testing.T) {
	c := NewTTLCache()
	_ = c.SetBytes("k", []byte("v"), 0)
	if _, ok, _ := c.GetBytes("k"); !ok {
		t.Fatalf("zero ttl should never expire")
	}
}
