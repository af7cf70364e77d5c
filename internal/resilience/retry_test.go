package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay_ExponentialSequence(t *testing.T) {
	policy := Policy{
		Strategy:    StrategyExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := policy.Delay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected delay %v, got %v", i+1, expected, got)
		}
	}
}

func TestPolicyDelay_Strategies(t *testing.T) {
	cases := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{"fixed stays flat", StrategyFixed, 5, time.Second},
		{"linear scales with attempt", StrategyLinear, 3, 3 * time.Second},
		{"fibonacci early terms", StrategyFibonacci, 2, time.Second},
		{"fibonacci later terms", StrategyFibonacci, 6, 8 * time.Second},
	}

	for _, tc := range cases {
		policy := Policy{
			Strategy:    tc.strategy,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			MaxAttempts: 10,
		}
		if got := policy.Delay(tc.attempt); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestPolicyDelay_JitterStaysWithinBound(t *testing.T) {
	policy := Policy{
		Strategy:    StrategyFixed,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		MaxAttempts: 3,
		Jitter:      true,
	}

	for i := 0; i < 64; i++ {
		got := policy.Delay(1)
		if got < time.Second || got >= 2*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 2s)", got)
		}
	}
}

func TestParseStrategy_UnknownFallsBackToExponential(t *testing.T) {
	if got := ParseStrategy("Fibonacci"); got != StrategyFibonacci {
		t.Fatalf("expected fibonacci, got %s", got)
	}
	if got := ParseStrategy("polynomial"); got != StrategyExponential {
		t.Fatalf("expected exponential fallback, got %s", got)
	}
}

func TestRetryer_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	boom := errors.New("timeout")
	calls := 0

	r := NewRetryer(fastPolicy(3), nil, nil)
	err := r.Do(context.Background(), "fetch_ticker", nil, func(context.Context) error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected last error surfaced, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryer_RecoversAfterTransientFailures(t *testing.T) {
	calls := 0

	r := NewRetryer(fastPolicy(3), nil, nil)
	err := r.Do(context.Background(), "fetch_ticker", nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryer_PermanentErrorStopsImmediately(t *testing.T) {
	boom := errors.New("invalid symbol")
	calls := 0
	classify := func(error) Class { return ClassPermanent }

	b := newBreaker("coinone:acct-1", Settings{FailureThreshold: 5, SuccessThreshold: 1, Cooldown: time.Minute}, nil, nil)
	r := NewRetryer(fastPolicy(3), classify, nil)
	err := r.Do(context.Background(), "place_order", b, func(context.Context) error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected permanent error surfaced, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if failures := b.Snapshot().ConsecutiveFailures; failures != 0 {
		t.Fatalf("permanent error must not count against the breaker, got %d failures", failures)
	}
}

func TestRetryer_InsufficientBalanceSkipsBreaker(t *testing.T) {
	classify := func(error) Class { return ClassInsufficientBalance }

	b := newBreaker("coinone:acct-1", Settings{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute}, nil, nil)
	r := NewRetryer(fastPolicy(3), classify, nil)
	err := r.Do(context.Background(), "place_order", b, func(context.Context) error {
		return errors.New("insufficient funds")
	})

	if err == nil {
		t.Fatalf("expected error surfaced")
	}
	if state := b.Snapshot().State; state != StateClosed {
		t.Fatalf("insufficient balance must not trip the breaker, got %s", state)
	}
}

func TestRetryer_OpenBreakerFailsFast(t *testing.T) {
	calls := 0

	b := newBreaker("coinone:acct-1", Settings{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute}, nil, nil)
	b.RecordFailure()

	r := NewRetryer(fastPolicy(3), nil, nil)
	err := r.Do(context.Background(), "fetch_balance", b, func(context.Context) error {
		calls++
		return nil
	})

	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no call while breaker open, got %d", calls)
	}
}

func TestRetryer_TransientFailuresFeedBreaker(t *testing.T) {
	b := newBreaker("coinone:acct-1", Settings{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute}, nil, nil)
	r := NewRetryer(fastPolicy(3), nil, nil)

	err := r.Do(context.Background(), "fetch_ticker", b, func(context.Context) error {
		return errors.New("timeout")
	})

	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if state := b.Snapshot().State; state != StateOpen {
		t.Fatalf("expected breaker opened by transient failures, got %s", state)
	}
}

func TestRetryer_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	policy := Policy{Strategy: StrategyFixed, BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 3}
	r := NewRetryer(policy, nil, nil)
	err := r.Do(ctx, "fetch_ticker", nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", calls)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{
		Strategy:    StrategyFixed,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: attempts,
	}
}
