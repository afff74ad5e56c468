package retry

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/core"
)

func sleepRecorder(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestRun_SucceedsWithoutRetry(t *testing.T) {
	var slept []time.Duration
	retrier := New()
	retrier.Sleep = sleepRecorder(&slept)

	calls := 0
	err := retrier.Run(context.Background(), "fetch_page", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success: %v", err)
	}
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("expected single call and no sleeps, got %d calls %d sleeps", calls, len(slept))
	}
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	var slept []time.Duration
	retrier := New(WithPolicy(Policy{MaxAttempts: 4, InitialBackoff: time.Second, Jitter: JitterNone}))
	retrier.Sleep = sleepRecorder(&slept)

	calls := 0
	err := retrier.Run(context.Background(), "fetch_page", func(context.Context) error {
		calls++
		if calls < 3 {
			return core.NewServerError("upstream 503", 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	// Exponential without jitter: 1s then 2s.
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("unexpected backoff schedule: %v", slept)
	}
}

func TestRun_PermanentFailureStopsImmediately(t *testing.T) {
	var slept []time.Duration
	retrier := New()
	retrier.Sleep = sleepRecorder(&slept)

	calls := 0
	err := retrier.Run(context.Background(), "fetch_page", func(context.Context) error {
		calls++
		return core.NewValidationError("bad cursor")
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("expected no retries for permanent failure, got %d calls", calls)
	}
	if core.Kind(err) != core.IngestErrorValidation {
		t.Fatalf("expected validation kind to survive, got %q", core.Kind(err))
	}
}

func TestRun_ExhaustsBudgetAndReturnsLastError(t *testing.T) {
	var slept []time.Duration
	retrier := New(WithPolicy(Policy{MaxAttempts: 3, InitialBackoff: time.Second, Jitter: JitterNone}))
	retrier.Sleep = sleepRecorder(&slept)

	calls := 0
	err := retrier.Run(context.Background(), "fetch_page", func(context.Context) error {
		calls++
		return core.NewNetworkError("connection reset")
	})
	if err == nil {
		t.Fatalf("expected exhaustion failure")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 backoffs, got %v", slept)
	}
	if core.Kind(err) != core.IngestErrorNetwork {
		t.Fatalf("expected network kind, got %q", core.Kind(err))
	}
}

func TestRun_RetryAfterHintDoesNotConsumeAttempt(t *testing.T) {
	var slept []time.Duration
	retrier := New(WithPolicy(Policy{MaxAttempts: 2, InitialBackoff: time.Second, Jitter: JitterNone}))
	retrier.Sleep = sleepRecorder(&slept)

	calls := 0
	err := retrier.Run(context.Background(), "fetch_page", func(context.Context) error {
		calls++
		if calls <= 2 {
			return core.NewRateLimitError("throttled", 3*time.Second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after throttle waits: %v", err)
	}
	// Two throttled rounds slept the hint, neither consumed the 2-attempt budget.
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != 3*time.Second || slept[1] != 3*time.Second {
		t.Fatalf("expected retry-after hints to drive sleeps, got %v", slept)
	}
}

func TestRun_ContextCancellationAborts(t *testing.T) {
	retrier := New(WithPolicy(Policy{MaxAttempts: 4, InitialBackoff: time.Second, Jitter: JitterNone}))
	ctx, cancel := context.WithCancel(context.Background())
	retrier.Sleep = func(sleepCtx context.Context, _ time.Duration) error {
		cancel()
		return sleepCtx.Err()
	}

	calls := 0
	err := retrier.Run(ctx, "fetch_page", func(context.Context) error {
		calls++
		return core.NewNetworkError("reset")
	})
	if err == nil {
		t.Fatalf("expected cancellation to abort run")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", calls)
	}
}

func TestBackoffFor_JitterModes(t *testing.T) {
	policy := Policy{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2, Jitter: JitterNone}

	if got := policy.backoffFor(1, 0.5); got != time.Second {
		t.Fatalf("expected 1s for attempt 1, got %v", got)
	}
	if got := policy.backoffFor(6, 0.5); got != 30*time.Second {
		t.Fatalf("expected cap at 30s, got %v", got)
	}

	policy.Jitter = JitterFull
	if got := policy.backoffFor(2, 0.25); got != 500*time.Millisecond {
		t.Fatalf("expected 0.25*2s, got %v", got)
	}

	policy.Jitter = JitterEqual
	if got := policy.backoffFor(1, 0.5); got != 750*time.Millisecond {
		t.Fatalf("expected half + half*0.5, got %v", got)
	}
}

func TestFromSpec_OverlaysMaxAttempts(t *testing.T) {
	policy := FromSpec(core.RetrySpec{MaxAttempts: 7})
	if policy.MaxAttempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", policy.MaxAttempts)
	}
	if policy.InitialBackoff != time.Second || policy.Jitter != JitterFull {
		t.Fatalf("expected defaults for other knobs: %+v", policy)
	}

	policy = FromSpec(core.RetrySpec{})
	if policy.MaxAttempts != 4 {
		t.Fatalf("expected default 4 attempts, got %d", policy.MaxAttempts)
	}
}
