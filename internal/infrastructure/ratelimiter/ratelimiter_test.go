package ratelimiter

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, cache GetterSetter, clock *fakeClock) *RateLimiter {
	t.Helper()

	rl := New(Options{
		MaxRatePerSecond: 2,
		MaxBurst:         3,
		Cache:            cache,
		CacheTTL:         time.Minute,
		Now:              clock.Now,
	})
	t.Cleanup(func() { _ = rl.Close() })
	return rl
}

func testBucket(t *testing.T, cache GetterSetter) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := newLimiter(t, cache, clock)

	for i := 0; i < 3; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if rl.Allow("a") {
		t.Fatal("burst exhausted, request should be denied")
	}
	if !rl.Allow("b") {
		t.Fatal("sources must not share a bucket")
	}

	// 250ms at 2/s is half a token; the fraction must not be lost.
	clock.Advance(250 * time.Millisecond)
	if rl.Allow("a") {
		t.Fatal("half a token is not enough")
	}
	clock.Advance(250 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("two half refills make one token")
	}

	clock.Advance(time.Hour)
	if got := rl.Remaining("a"); got != 3 {
		t.Fatalf("Remaining = %d, want capped at burst 3", got)
	}
}

func TestTokenBucketInMemory(t *testing.T) {
	testBucket(t, NewInMemory())
}

func TestTokenBucketRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	testBucket(t, NewRedis(client, "test:"))
}

func TestGetSourceKey(t *testing.T) {
	rl := New(Options{MaxRatePerSecond: 1})
	defer rl.Close()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	if got := rl.GetSourceKey(r); got != "10.0.0.7" {
		t.Fatalf("GetSourceKey = %q", got)
	}

	// without a configured header, client-supplied headers are ignored
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.Header.Set("X-RateLimit-Key", "client-42")
	if got := rl.GetSourceKey(r); got != "10.0.0.7" {
		t.Fatalf("GetSourceKey with spoofed headers = %q, want 10.0.0.7", got)
	}

	trusted := New(Options{MaxRatePerSecond: 1, SourceHeaderKey: "X-Client-Id"})
	defer trusted.Close()
	r.Header.Set("X-Client-Id", "client-42")
	if got := trusted.GetSourceKey(r); got != "client-42" {
		t.Fatalf("GetSourceKey = %q, want client-42", got)
	}
}
