// Package breaker implements an in-process circuit breaker guarding calls to
// flaky collaborators (LLM backends, external command channels). State is held
// in memory only and resets on process restart; a table-backed variant for
// multi-process deployments is future work.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed allows all calls; failures are counted.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the open timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen allows probe calls; success closes, failure reopens.
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Allow and Do while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

type (
	// Options configures a Breaker. Zero values select the defaults.
	Options struct {
		// FailureThreshold is the number of consecutive failures that trips the
		// circuit. Defaults to 5.
		FailureThreshold int
		// OpenTimeout is how long the circuit stays open before allowing a
		// half-open probe. Defaults to 60 seconds.
		OpenTimeout time.Duration
		// SuccessThreshold is the number of consecutive half-open successes
		// required to close the circuit. Defaults to 1.
		SuccessThreshold int
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Breaker is a single circuit. Safe for concurrent use.
	Breaker struct {
		mu sync.Mutex

		failureThreshold int
		successThreshold int
		openTimeout      time.Duration
		now              func() time.Time

		state     State
		failures  int
		successes int
		openedAt  time.Time
	}

	// Set is a named collection of breakers sharing one configuration.
	// The runtime keeps one Set per process; admin operations reset and
	// inspect circuits through it.
	Set struct {
		mu       sync.Mutex
		opts     Options
		breakers map[string]*Breaker
	}
)

// New constructs a Breaker with the given options.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 60 * time.Second
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		failureThreshold: opts.FailureThreshold,
		successThreshold: opts.SuccessThreshold,
		openTimeout:      opts.OpenTimeout,
		now:              opts.Now,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed. While open it returns ErrOpen
// until the open timeout elapses, at which point the circuit moves to
// half-open and the call is admitted as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a failed call. A failure in half-open reopens the circuit
// and restarts the open timer.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	}
}

// Do runs fn guarded by the breaker, recording the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.Failure()
	} else {
		b.Success()
	}
	return err
}

// State returns the current state, advancing open to half-open when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// NewSet constructs a Set whose breakers share opts.
func NewSet(opts Options) *Set {
	return &Set{opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker with the given name, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = New(s.opts)
		s.breakers[name] = b
	}
	return b
}

// Reset resets the named breaker. Unknown names are a no-op.
func (s *Set) Reset(name string) {
	s.mu.Lock()
	b, ok := s.breakers[name]
	s.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// States returns a snapshot of all breaker states keyed by name.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
