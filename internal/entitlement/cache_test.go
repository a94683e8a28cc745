package entitlement

import (
	"testing"
	"time"

	"medreel.org/internal/access"
)

func TestCacheExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewCache(10*time.Minute, WithCacheClock(clock))

	d := access.Decision{State: access.InstitutionalSubscription, MatchedBy: access.MatchedByNameOrAlias}
	c.Put("u1", d)

	got, ok := c.Get("u1")
	if !ok || got.State != access.InstitutionalSubscription {
		t.Fatalf("expected cached decision, got %+v %v", got, ok)
	}

	now = now.Add(10*time.Minute + time.Second)
	if _, ok := c.Get("u1"); ok {
		t.Fatalf("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be evicted on read")
	}
}

func TestCachePutRestartsTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewCache(10*time.Minute, WithCacheClock(clock))

	c.Put("u1", access.Default())
	now = now.Add(9 * time.Minute)
	c.Put("u1", access.Default())
	now = now.Add(9 * time.Minute)

	if _, ok := c.Get("u1"); !ok {
		t.Fatalf("expected re-put entry to still be live")
	}
}

func TestCacheDelete(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put("u1", access.Default())
	c.Delete("u1")
	if _, ok := c.Get("u1"); ok {
		t.Fatalf("expected deleted entry to be gone")
	}
}
