package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const (
	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 10
)

type bucketState struct {
	tokens       float64
	lastRefill   time.Time
	drainedUntil time.Time
}

// TokenBucket is a per-source limiter. Each source key owns an independent
// bucket of capacity Burst refilled at RequestsPerSecond; Drain empties a
// bucket after an upstream 429 so no call goes out before the hint elapses.
type TokenBucket struct {
	mu                sync.Mutex
	buckets           map[string]*bucketState
	requestsPerSecond float64
	burst             int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*TokenBucket)

func WithRate(requestsPerSecond float64, burst int) Option {
	return func(b *TokenBucket) {
		if requestsPerSecond > 0 {
			b.requestsPerSecond = requestsPerSecond
		}
		if burst > 0 {
			b.burst = burst
		}
	}
}

func NewTokenBucket(options ...Option) *TokenBucket {
	bucket := &TokenBucket{
		buckets:           make(map[string]*bucketState),
		requestsPerSecond: DefaultRequestsPerSecond,
		burst:             DefaultBurst,
		Now:               func() time.Time { return time.Now().UTC() },
		Sleep:             contextSleep,
	}
	for _, option := range options {
		option(bucket)
	}
	return bucket
}

// FromSpec builds a limiter from an instance rate limit block, falling back
// to defaults for zero values.
func FromSpec(spec core.RateLimitSpec) *TokenBucket {
	return NewTokenBucket(WithRate(spec.RequestsPerSecond, spec.Burst))
}

// Acquire blocks until one token is available for the source or the context
// ends. Waiters are not queued fairly; contention is bounded by the runtime's
// per-source serialization.
func (b *TokenBucket) Acquire(ctx context.Context, sourceKey string) error {
	if b == nil {
		return core.NewInternalError("ratelimit: bucket is nil")
	}
	sourceKey = strings.TrimSpace(sourceKey)

	for {
		wait, ok := b.tryTake(sourceKey)
		if ok {
			return nil
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Drain empties the source bucket for the given duration. Used after an
// upstream 429 with a Retry-After hint.
func (b *TokenBucket) Drain(sourceKey string, until time.Duration) {
	if b == nil || until <= 0 {
		return
	}
	sourceKey = strings.TrimSpace(sourceKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.bucketLocked(sourceKey)
	state.tokens = 0
	state.drainedUntil = b.now().Add(until)
}

// tryTake consumes one token when available, otherwise reports how long to
// wait before the next attempt.
func (b *TokenBucket) tryTake(sourceKey string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.bucketLocked(sourceKey)

	if state.drainedUntil.After(now) {
		return state.drainedUntil.Sub(now), false
	}

	elapsed := now.Sub(state.lastRefill).Seconds()
	if elapsed > 0 {
		state.tokens = math.Min(float64(b.burst), state.tokens+elapsed*b.requestsPerSecond)
		state.lastRefill = now
	}

	if state.tokens >= 1 {
		state.tokens--
		return 0, true
	}

	deficit := 1 - state.tokens
	wait := time.Duration(deficit / b.requestsPerSecond * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func (b *TokenBucket) bucketLocked(sourceKey string) *bucketState {
	state, ok := b.buckets[sourceKey]
	if !ok {
		state = &bucketState{
			tokens:     float64(b.burst),
			lastRefill: b.now(),
		}
		b.buckets[sourceKey] = state
	}
	return state
}

func (b *TokenBucket) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *TokenBucket) sleep(ctx context.Context, d time.Duration) error {
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
	return contextSleep(ctx, d)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ core.RateLimiter = (*TokenBucket)(nil)
