package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/core"
)

type JitterMode string

const (
	JitterNone  JitterMode = "none"
	JitterEqual JitterMode = "equal"
	JitterFull  JitterMode = "full"
)

// Policy controls the backoff schedule. Zero values fall back to defaults.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         JitterMode
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         JitterFull,
	}
}

// FromSpec overlays an instance retry block onto the defaults.
func FromSpec(spec core.RetrySpec) Policy {
	policy := DefaultPolicy()
	if spec.MaxAttempts > 0 {
		policy.MaxAttempts = spec.MaxAttempts
	}
	return policy
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	switch p.Jitter {
	case JitterNone, JitterEqual, JitterFull:
	default:
		p.Jitter = JitterFull
	}
	return p
}

// backoffFor returns the sleep before the given attempt (1-based; attempt 1
// already happened when this is consulted). random must be in [0, 1).
func (p Policy) backoffFor(attempt int, random float64) time.Duration {
	base := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if capped := float64(p.MaxBackoff); base > capped {
		base = capped
	}
	switch p.Jitter {
	case JitterNone:
		return time.Duration(base)
	case JitterEqual:
		half := base / 2
		return time.Duration(half + random*half)
	default:
		return time.Duration(random * base)
	}
}

// Retrier runs operations under a policy, retrying only failures the
// taxonomy classifies as retryable. A rate limit hint replaces the computed
// backoff for that round and does not consume an attempt.
type Retrier struct {
	policy Policy
	logger core.Logger

	mu  sync.Mutex
	rng *rand.Rand

	Sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Retrier)

func WithPolicy(policy Policy) Option {
	return func(r *Retrier) {
		r.policy = policy.normalized()
	}
}

func WithLogger(logger core.Logger) Option {
	return func(r *Retrier) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(options ...Option) *Retrier {
	_, logger := glog.Resolve("retry", nil, nil)
	retrier := &Retrier{
		policy: DefaultPolicy(),
		logger: glog.Ensure(logger),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		Sleep:  contextSleep,
	}
	for _, option := range options {
		option(retrier)
	}
	return retrier
}

// Run executes fn until it succeeds, fails permanently, exhausts attempts,
// or the context ends. The last error is returned unwrapped so its taxonomy
// kind survives.
func (r *Retrier) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if r == nil {
		return core.NewInternalError("retry: retrier is nil")
	}
	if fn == nil {
		return core.NewValidationError("retry: operation function is required")
	}
	operation = strings.TrimSpace(operation)
	policy := r.policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !core.IsRetryable(lastErr) {
			return lastErr
		}

		// An upstream retry hint pauses without consuming the attempt.
		if hint, ok := core.RetryAfter(lastErr); ok {
			core.LogWarn(ctx, r.logger, "operation throttled upstream", map[string]any{
				"operation":     operation,
				"attempt":       attempt,
				"retry_after_s": hint.Seconds(),
				"error_kind":    core.Kind(lastErr),
			})
			if err := r.sleep(ctx, hint); err != nil {
				return err
			}
			attempt--
			continue
		}

		if attempt == policy.MaxAttempts {
			break
		}

		backoff := policy.backoffFor(attempt, r.randFloat())
		core.LogWarn(ctx, r.logger, "operation failed, retrying", map[string]any{
			"operation":  operation,
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
			"error_kind": core.Kind(lastErr),
			"error":      lastErr.Error(),
		})
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
	}

	core.LogError(ctx, r.logger, "operation exhausted retry budget", map[string]any{
		"operation":  operation,
		"attempts":   policy.MaxAttempts,
		"error_kind": core.Kind(lastErr),
	})
	return lastErr
}

func (r *Retrier) randFloat() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return contextSleep(ctx, d)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ core.Retrier = (*Retrier)(nil)
