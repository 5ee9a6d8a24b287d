package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/breaker"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time            { return c.now }
func (c *fakeClock) Advance(d time.Duration)   { c.now = c.now.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func TestBreakerOpensAfterFiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(breaker.Options{Now: clock.Now})

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, breaker.StateOpen, b.State())

	err := b.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, breaker.ErrOpen)
}

func TestBreakerHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(breaker.Options{Now: clock.Now})

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(60 * time.Second)
	require.Equal(t, breaker.StateHalfOpen, b.State())

	// Probe call is admitted and its success closes the circuit.
	err := b.Do(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, breaker.StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(breaker.Options{Now: clock.Now})

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	clock.Advance(60 * time.Second)
	err := b.Do(context.Background(), func(context.Context) error { return errors.New("still down") })
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, b.State())

	// Timer restarted: 30s later still open, 60s later half-open again.
	clock.Advance(30 * time.Second)
	require.ErrorIs(t, b.Allow(), breaker.ErrOpen)
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := breaker.New(breaker.Options{})
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	require.Equal(t, breaker.StateClosed, b.State())
}

func TestSetTracksNamedBreakers(t *testing.T) {
	clock := newFakeClock()
	set := breaker.NewSet(breaker.Options{Now: clock.Now})

	b := set.Get("llm.anthropic")
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.Equal(t, breaker.StateOpen, set.Get("llm.anthropic").State())
	require.Equal(t, breaker.StateClosed, set.Get("llm.openai").State())

	set.Reset("llm.anthropic")
	require.Equal(t, breaker.StateClosed, set.Get("llm.anthropic").State())

	states := set.States()
	require.Len(t, states, 2)
	require.Equal(t, breaker.StateClosed, states["llm.anthropic"])
}
