package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

// countingOp returns an op that fails when fail is true and counts invocations.
func countingOp(calls *atomic.Int32, fail bool) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		if fail {
			return "", errBoom
		}
		return "ok", nil
	}
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("test", Settings{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}, WithClock(clock.Now))
}

func TestCall_SuccessPassesThrough(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	var calls atomic.Int32

	got, err := Call(context.Background(), b, countingOp(&calls, false))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want %q", got, "ok")
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestCall_PropagatesOperationError(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	var calls atomic.Int32

	_, err := Call(context.Background(), b, countingOp(&calls, true))
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if errors.Is(err, ErrOpen) {
		t.Error("operation error must not match ErrOpen")
	}
}

func TestThresholdLaw(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	var calls atomic.Int32
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := Call(ctx, b, countingOp(&calls, true)); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want errBoom", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state after 3 failures = %v, want open", b.State())
	}

	clock.Advance(29 * time.Second)
	_, err := Call(ctx, b, countingOp(&calls, false))
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("4th call err = %v, want ErrOpen", err)
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("4th call err is %T, want *OpenError", err)
	}
	if openErr.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", openErr.RetryAfter)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("operation invoked %d times, want 3", n)
	}
}

func TestSuccessWhileClosedResetsFailures(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	var calls atomic.Int32
	ctx := context.Background()

	Call(ctx, b, countingOp(&calls, true))
	Call(ctx, b, countingOp(&calls, true))
	Call(ctx, b, countingOp(&calls, false))
	Call(ctx, b, countingOp(&calls, true))
	Call(ctx, b, countingOp(&calls, true))

	if b.State() != Closed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
	if f := b.Snapshot().Failures; f != 2 {
		t.Errorf("failures = %d, want 2", f)
	}
}

func tripOpen(t *testing.T, b *Breaker) {
	t.Helper()
	var calls atomic.Int32
	for range 3 {
		Call(context.Background(), b, countingOp(&calls, true))
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestRecoveryLaw(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)
	ctx := context.Background()
	var calls atomic.Int32

	clock.Advance(30 * time.Second)

	if _, err := Call(ctx, b, countingOp(&calls, false)); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("probe not executed")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state after one probe success = %v, want half-open", b.State())
	}

	if _, err := Call(ctx, b, countingOp(&calls, false)); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state after two probe successes = %v, want closed", b.State())
	}
	snap := b.Snapshot()
	if snap.Failures != 0 || snap.Successes != 0 {
		t.Errorf("counters not reset: failures=%d successes=%d", snap.Failures, snap.Successes)
	}
}

func TestCooling(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	if b.Cooling() {
		t.Fatal("closed breaker reports cooling")
	}
	tripOpen(t, b)
	if !b.Cooling() {
		t.Fatal("freshly opened breaker not cooling")
	}
	clock.Advance(30 * time.Second)
	if b.Cooling() {
		t.Error("breaker still cooling after recovery timeout")
	}
	if b.State() != Open {
		t.Errorf("state = %v, want open until the next call", b.State())
	}
}

func TestRecoveryLaw_FailureInHalfOpenReopens(t *testing.T) {
	tests := []struct {
		name          string
		successBefore int
	}{
		{"first probe fails", 0},
		{"second probe fails", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := newTestBreaker(clock)
			tripOpen(t, b)
			ctx := context.Background()
			var calls atomic.Int32

			clock.Advance(30 * time.Second)
			for range tt.successBefore {
				if _, err := Call(ctx, b, countingOp(&calls, false)); err != nil {
					t.Fatalf("probe: %v", err)
				}
			}
			if _, err := Call(ctx, b, countingOp(&calls, true)); !errors.Is(err, errBoom) {
				t.Fatalf("failing probe err = %v, want errBoom", err)
			}
			if b.State() != Open {
				t.Fatalf("state = %v, want open", b.State())
			}
			if b.Snapshot().LastFailureAt != clock.Now() {
				t.Errorf("lastFailureAt not updated on half-open failure")
			}

			before := calls.Load()
			clock.Advance(29 * time.Second)
			if _, err := Call(ctx, b, countingOp(&calls, false)); !errors.Is(err, ErrOpen) {
				t.Fatalf("err = %v, want ErrOpen before new recovery timeout", err)
			}
			if calls.Load() != before {
				t.Error("operation invoked while open")
			}
		})
	}
}

func TestConcurrentFailuresCountOnce(t *testing.T) {
	clock := newFakeClock()
	b := New("race", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1}, WithClock(clock.Now))

	var transitions atomic.Int32
	b.onChange = func(_ string, _, to State) {
		if to == Open {
			transitions.Add(1)
		}
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			Call(context.Background(), b, func(context.Context) (int, error) { return 0, errBoom })
		}()
	}
	close(start)
	wg.Wait()

	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	if n := transitions.Load(); n != 1 {
		t.Errorf("opened %d times, want exactly 1", n)
	}
	if f := b.Snapshot().Failures; f != 3 {
		t.Errorf("failures = %d, want 3 (late failures from the closed generation must be dropped)", f)
	}
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Call(context.Background(), b, func(context.Context) (int, error) {
				started.Done()
				<-release
				return 1, nil
			})
		}()
	}
	started.Wait()

	var calls atomic.Int32
	if _, err := Call(context.Background(), b, countingOp(&calls, false)); !errors.Is(err, ErrOpen) {
		t.Errorf("third concurrent probe err = %v, want ErrOpen", err)
	}
	if calls.Load() != 0 {
		t.Error("third probe should not have run")
	}

	close(release)
	wg.Wait()
	if b.State() != Closed {
		t.Errorf("state = %v, want closed after two probe successes", b.State())
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	b := New("slow", Settings{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		CallTimeout:      20 * time.Millisecond,
	})

	never := make(chan struct{})
	defer close(never)
	_, err := Call(context.Background(), b, func(ctx context.Context) (int, error) {
		select {
		case <-never:
		case <-time.After(5 * time.Second):
		}
		return 1, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if b.State() != Open {
		t.Errorf("state = %v, want open after timed-out call", b.State())
	}
}

func TestCallerCancellationIsNeutral(t *testing.T) {
	b := New("cancel", Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Call(ctx, b, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestFailurePredicateExcludesErrors(t *testing.T) {
	errIgnored := errors.New("bad request")
	b := New("pred", Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1},
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, errIgnored) }))

	err := b.Do(context.Background(), func(context.Context) error { return errIgnored })
	if !errors.Is(err, errIgnored) {
		t.Fatalf("err = %v, want errIgnored", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open"} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
