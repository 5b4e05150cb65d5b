package ratelimiter

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	bucketKeyPrefix   = "rl:bucket:"
	lastFillKeyPrefix = "rl:fill:"

	// Buckets hold milli-tokens so partial refills are never rounded away.
	milli = 1000
)

type Limiter interface {
	Allow(sourceKey string) bool
	GetSourceKey(r *http.Request) string
	Remaining(sourceKey string) int
	GetMaxBurst() int
}

type RateLimiter struct {
	ratePerSecond   int64
	maxBurst        int
	cache           GetterSetter
	cacheTTL        time.Duration
	sourceHeaderKey string
	now             func() time.Time

	locks sync.Map // map[string]*sync.Mutex
}

type bucketState struct {
	milliTokens int64
	lastFill    int64 // unix millis
}

func (rl *RateLimiter) getLock(sourceKey string) *sync.Mutex {
	lock, _ := rl.locks.LoadOrStore(sourceKey, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (rl *RateLimiter) full(now int64) bucketState {
	return bucketState{milliTokens: int64(rl.maxBurst) * milli, lastFill: now}
}

func (rl *RateLimiter) getState(sourceKey string, now int64) bucketState {
	tokens, bucketErr := rl.cache.Get(bucketKeyPrefix + sourceKey)
	lastFill, fillErr := rl.cache.Get(lastFillKeyPrefix + sourceKey)

	// A miss is a new source. Any other cache error fails open.
	if bucketErr != nil || fillErr != nil {
		return rl.full(now)
	}

	return bucketState{milliTokens: tokens, lastFill: lastFill}
}

func (rl *RateLimiter) setState(sourceKey string, state bucketState) {
	_ = rl.cache.SetWithExpiration(bucketKeyPrefix+sourceKey, state.milliTokens, rl.cacheTTL)
	_ = rl.cache.SetWithExpiration(lastFillKeyPrefix+sourceKey, state.lastFill, rl.cacheTTL)
}

// refill adds ratePerSecond tokens per elapsed second, capped at maxBurst.
func (rl *RateLimiter) refill(state bucketState, now int64) bucketState {
	elapsed := now - state.lastFill
	if elapsed <= 0 {
		return state
	}

	// ratePerSecond tokens/s == ratePerSecond milli-tokens/ms
	tokens := state.milliTokens + elapsed*rl.ratePerSecond
	if limit := int64(rl.maxBurst) * milli; tokens > limit {
		tokens = limit
	}

	return bucketState{milliTokens: tokens, lastFill: now}
}

func (rl *RateLimiter) Allow(sourceKey string) bool {
	lock := rl.getLock(sourceKey)
	lock.Lock()
	defer lock.Unlock()

	now := rl.now().UnixMilli()
	state := rl.refill(rl.getState(sourceKey, now), now)

	if state.milliTokens < milli {
		rl.setState(sourceKey, state)
		return false
	}

	state.milliTokens -= milli
	rl.setState(sourceKey, state)
	return true
}

func (rl *RateLimiter) Remaining(sourceKey string) int {
	lock := rl.getLock(sourceKey)
	lock.Lock()
	defer lock.Unlock()

	now := rl.now().UnixMilli()
	state := rl.refill(rl.getState(sourceKey, now), now)

	return int(state.milliTokens / milli)
}

func (rl *RateLimiter) GetMaxBurst() int {
	return rl.maxBurst
}

// GetSourceKey prefers the configured header and falls back to the remote
// host. With no header configured clients cannot pick their own bucket.
func (rl *RateLimiter) GetSourceKey(r *http.Request) string {
	if rl.sourceHeaderKey != "" {
		if key := r.Header.Get(rl.sourceHeaderKey); key != "" {
			return key
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type Options struct {
	MaxRatePerSecond int
	MaxBurst         int
	Cache            GetterSetter
	CacheTTL         time.Duration
	SourceHeaderKey  string
	Now              func() time.Time
}

func New(options Options) *RateLimiter {
	if options.Cache == nil {
		options.Cache = NewInMemory()
	}

	if options.CacheTTL == 0 {
		options.CacheTTL = 10 * time.Second
	}

	if options.MaxBurst <= 0 {
		options.MaxBurst = options.MaxRatePerSecond
	}

	if options.Now == nil {
		options.Now = time.Now
	}

	return &RateLimiter{
		ratePerSecond:   int64(options.MaxRatePerSecond),
		maxBurst:        options.MaxBurst,
		cache:           options.Cache,
		cacheTTL:        options.CacheTTL,
		sourceHeaderKey: options.SourceHeaderKey,
		now:             options.Now,
	}
}

func (rl *RateLimiter) Close() error {
	return rl.cache.Close()
}
