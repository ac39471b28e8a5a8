// Package breaker guards calls to a single external dependency with a
// closed / open / half-open circuit.
//
// One Breaker is created per dependency at process start and shared by every
// caller of that dependency:
//
//	b := breaker.New("embeddings", breaker.Settings{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2})
//	vec, err := breaker.Call(ctx, b, func(ctx context.Context) ([]float32, error) {
//	    return provider.Embed(ctx, text)
//	})
//	if errors.Is(err, breaker.ErrOpen) {
//	    // degrade
//	}
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the position of a breaker in its state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen is matched by every *OpenError via errors.Is.
var ErrOpen = errors.New("circuit is open")

// OpenError is returned without invoking the operation while the circuit is
// open, or while half-open and all probe slots are taken.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: circuit is open (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: circuit is open", e.Name)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Settings are fixed at construction.
type Settings struct {
	// FailureThreshold consecutive failures while closed open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before the next
	// call is let through as a half-open probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold consecutive half-open successes close the circuit.
	SuccessThreshold int
	// CallTimeout bounds each guarded call. Zero means no breaker-imposed
	// deadline; the caller's context still applies.
	CallTimeout time.Duration
}

// DefaultSettings match the quote API breaker.
var DefaultSettings = Settings{
	FailureThreshold: 3,
	RecoveryTimeout:  30 * time.Second,
	SuccessThreshold: 2,
	CallTimeout:      10 * time.Second,
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultSettings.RecoveryTimeout
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSettings.SuccessThreshold
	}
	if s.CallTimeout < 0 {
		s.CallTimeout = 0
	}
	return s
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked after every transition.
// It runs outside the breaker's lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithFailurePredicate decides which errors count as failures. Errors for
// which fn returns false are neutral: they neither trip nor heal the circuit.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithLogger sets the logger used for transition logs.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	settings  Settings
	now       func() time.Time
	onChange  func(name string, from, to State)
	isFailure func(error) bool
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	generation    uint64
	failures      int
	successes     int
	probes        int
	lastFailureAt time.Time
}

// New creates a closed Breaker guarding the dependency called name.
func New(name string, s Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		settings:  s.normalized(),
		now:       time.Now,
		isFailure: func(error) bool { return true },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string { return b.name }

// Settings returns the breaker's configuration.
func (b *Breaker) Settings() Settings { return b.settings }

// State returns the current state. An open breaker whose recovery timeout
// has elapsed still reports Open until the next call moves it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cooling reports whether a call made now would be rejected without being
// attempted: the breaker is open and its recovery timeout has not elapsed.
func (b *Breaker) Cooling() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.now().Sub(b.lastFailureAt) < b.settings.RecoveryTimeout
}

// Snapshot is a point-in-time view of a breaker, for health reporting.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failures,
		Successes:     b.successes,
		LastFailureAt: b.lastFailureAt,
	}
}

// Do runs op through the breaker.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op through b. It returns op's result on success, op's error
// after bookkeeping when op fails, and an *OpenError without invoking op
// when the circuit rejects the call.
//
// When CallTimeout is set, op receives a context with that deadline and Call
// returns once the deadline passes even if op has not; the expiry counts as
// a failure. op should honour its context so it does not outlive Call.
func Call[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ticket, err := b.admit()
	if err != nil {
		return zero, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
	}
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(callCtx)
		done <- outcome{val: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case res = <-done:
		default:
			res.err = callCtx.Err()
		}
	}

	if res.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && errors.Is(res.err, context.DeadlineExceeded) {
		res.err = fmt.Errorf("%s: call timed out after %s: %w", b.name, b.settings.CallTimeout, res.err)
	}

	b.record(ticket, res.err, ctx.Err() != nil)
	if res.err != nil {
		return zero, res.err
	}
	return res.val, nil
}

// ticket identifies an admitted call so its outcome is only applied to the
// generation it was admitted in.
type ticket struct {
	generation uint64
	probe      bool
}

type transition struct {
	from, to State
}

func (b *Breaker) admit() (ticket, error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	now := b.now()
	if b.state == Open {
		elapsed := now.Sub(b.lastFailureAt)
		if elapsed < b.settings.RecoveryTimeout {
			return ticket{}, &OpenError{Name: b.name, RetryAfter: b.settings.RecoveryTimeout - elapsed}
		}
		tr = b.setState(HalfOpen)
	}

	if b.state == HalfOpen {
		if b.probes >= b.settings.SuccessThreshold {
			return ticket{}, &OpenError{Name: b.name}
		}
		b.probes++
		return ticket{generation: b.generation, probe: true}, nil
	}

	return ticket{generation: b.generation}, nil
}

// record applies a call outcome. Outcomes from an earlier generation are
// dropped: the transition they would cause has already happened.
func (b *Breaker) record(t ticket, err error, callerGone bool) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	if t.generation != b.generation {
		return
	}
	if t.probe {
		b.probes--
	}

	switch {
	case err == nil:
		b.onSuccess(&tr)
	case callerGone, !b.isFailure(err):
		// neutral
	default:
		b.onFailure(&tr)
	}
}

func (b *Breaker) onSuccess(tr **transition) {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			*tr = b.setState(Closed)
		}
	}
}

func (b *Breaker) onFailure(tr **transition) {
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.lastFailureAt = b.now()
			*tr = b.setState(Open)
		}
	case HalfOpen:
		b.lastFailureAt = b.now()
		*tr = b.setState(Open)
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) *transition {
	from := b.state
	b.state = to
	b.generation++
	b.probes = 0
	b.successes = 0
	if to == Closed {
		b.failures = 0
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	b.logger.Info("circuit breaker state change", "breaker", b.name, "from", tr.from.String(), "to", tr.to.String())
	if b.onChange != nil {
		b.onChange(b.name, tr.from, tr.to)
	}
}
