package command

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/pulse/rmap"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func (m *fakeClusterMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func limitedNext(result *Result, err error) (Next, *int) {
	calls := 0
	return func(context.Context, *Envelope) (*Result, error) {
		calls++
		return result, err
	}, &calls
}

func TestClusterLimiterRejectsOverBudget(t *testing.T) {
	lim := NewClusterRateLimiter(context.Background(), nil, "", 6, 6)
	next, calls := limitedNext(Success(1, nil), nil)
	wrapped := lim.Middleware()(next)
	env := &Envelope{CommandType: "RecordPayment"}

	res, err := wrapped(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res.Status)

	// A 6 commands-per-minute budget leaves a burst of one.
	res, err = wrapped(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, ResultRejected, res.Status)
	require.Equal(t, "RATE_LIMITED", res.Code)
	require.Equal(t, 1, *calls)
}

func TestClusterLimiterBackoffUpdatesSharedMap(t *testing.T) {
	m := newFakeClusterMap()
	const key = "dispatch"
	m.values[key] = strconv.Itoa(6000)

	lim := newClusterRateLimiter(context.Background(), m, key, 6000, 6000)
	next, _ := limitedNext(nil, errors.New("event store unavailable"))
	wrapped := lim.Middleware()(next)

	_, err := wrapped(context.Background(), &Envelope{CommandType: "RecordPayment"})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		v, ok := m.Get(key)
		if !ok {
			return false
		}
		cur, perr := strconv.Atoi(v)
		return perr == nil && cur < 6000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiterSeedsAbsentKey(t *testing.T) {
	m := newFakeClusterMap()
	newClusterRateLimiter(context.Background(), m, "dispatch", 1200, 2400)

	v, ok := m.Get("dispatch")
	require.True(t, ok)
	require.Equal(t, "1200", v)
}

func TestClusterLimiterReconcilesExternalChange(t *testing.T) {
	m := newFakeClusterMap()
	const key = "dispatch"
	m.values[key] = strconv.Itoa(6000)

	lim := newClusterRateLimiter(context.Background(), m, key, 6000, 6000)

	m.mu.Lock()
	m.values[key] = strconv.Itoa(3000)
	m.notify()
	m.mu.Unlock()

	require.Eventually(t, func() bool {
		lim.mu.Lock()
		defer lim.mu.Unlock()
		return lim.currentCPM == 3000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiterFallsBackWithoutKey(t *testing.T) {
	lim := newClusterRateLimiter(context.Background(), newFakeClusterMap(), "", 600, 600)
	require.NotNil(t, lim)
	require.Equal(t, float64(600), lim.currentCPM)
}
