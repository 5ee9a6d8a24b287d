package command

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

type (
	// ClusterRateLimiter applies an AIMD commands-per-minute budget to the
	// dispatch path. Execution errors halve the effective budget; successful
	// dispatches recover it additively up to the configured ceiling. When
	// constructed with a Pulse replicated map the budget is shared across
	// nodes, so one node backing off slows the whole cluster.
	ClusterRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentCPM float64
		minCPM     float64
		maxCPM     float64

		recoveryRate float64

		onBackoff func(newCPM float64)
		onProbe   func(newCPM float64)
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewClusterRateLimiter constructs a ClusterRateLimiter with a
// commands-per-minute budget. When m and key are set, the budget is
// coordinated across processes through a Pulse replicated map; otherwise the
// limiter is process-local.
func NewClusterRateLimiter(ctx context.Context, m *rmap.Map, key string, initialCPM, maxCPM float64) *ClusterRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterRateLimiter(ctx, cm, key, initialCPM, maxCPM)
}

// newLocalRateLimiter builds the process-local limiter underlying both the
// standalone and cluster-coordinated variants. Budgets are commands per
// minute; the burst allowance covers ten seconds of the budget.
func newLocalRateLimiter(initialCPM, maxCPM float64) *ClusterRateLimiter {
	if initialCPM <= 0 {
		initialCPM = 600
	}
	if maxCPM <= 0 || maxCPM < initialCPM {
		maxCPM = initialCPM
	}
	minCPM := initialCPM * 0.1
	if minCPM < 1 {
		minCPM = 1
	}
	recoveryRate := initialCPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &ClusterRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialCPM/60.0), burstFor(initialCPM)),
		currentCPM:   initialCPM,
		minCPM:       minCPM,
		maxCPM:       maxCPM,
		recoveryRate: recoveryRate,
	}
}

func burstFor(cpm float64) int {
	b := int(cpm / 6)
	if b < 1 {
		b = 1
	}
	return b
}

// Middleware returns a dispatch middleware enforcing the limiter. Commands
// over budget are rejected with code RATE_LIMITED without reaching the
// orchestrator.
func (l *ClusterRateLimiter) Middleware() Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, env *Envelope) (*Result, error) {
			if !l.limiter.Allow() {
				return Rejected("RATE_LIMITED", "command budget exhausted", map[string]any{
					"commandType": env.CommandType,
				}), nil
			}
			res, err := next(ctx, env)
			l.observe(err)
			return res, err
		}
	}
}

func (l *ClusterRateLimiter) observe(err error) {
	if err != nil {
		l.backoff()
		return
	}
	l.probe()
}

func (l *ClusterRateLimiter) backoff() {
	l.mu.Lock()
	newCPM := l.currentCPM * 0.5
	if newCPM < l.minCPM {
		newCPM = l.minCPM
	}
	if newCPM == l.currentCPM {
		l.mu.Unlock()
		return
	}
	l.currentCPM = newCPM
	l.limiter.SetLimit(rate.Limit(newCPM / 60.0))
	l.limiter.SetBurst(burstFor(newCPM))
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newCPM)
	}
}

func (l *ClusterRateLimiter) probe() {
	l.mu.Lock()
	newCPM := l.currentCPM + l.recoveryRate
	if newCPM > l.maxCPM {
		newCPM = l.maxCPM
	}
	if newCPM == l.currentCPM {
		l.mu.Unlock()
		return
	}
	l.currentCPM = newCPM
	l.limiter.SetLimit(rate.Limit(newCPM / 60.0))
	l.limiter.SetBurst(burstFor(newCPM))
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newCPM)
	}
}

// replaceCPM reconciles the local limiter with an externally updated shared
// budget, clamped to [minCPM, maxCPM].
func (l *ClusterRateLimiter) replaceCPM(cpm float64) {
	l.mu.Lock()
	if cpm < l.minCPM {
		cpm = l.minCPM
	}
	if cpm > l.maxCPM {
		cpm = l.maxCPM
	}
	if cpm == l.currentCPM {
		l.mu.Unlock()
		return
	}
	l.currentCPM = cpm
	l.limiter.SetLimit(rate.Limit(cpm / 60.0))
	l.limiter.SetBurst(burstFor(cpm))
	l.mu.Unlock()
}

func (l *ClusterRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newCPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterRateLimiter(ctx context.Context, m clusterMap, key string, initialCPM, maxCPM float64) *ClusterRateLimiter {
	if key == "" || m == nil {
		return newLocalRateLimiter(initialCPM, maxCPM)
	}

	// Seed the shared budget when absent. A concurrent writer may win; the
	// refresh below picks up whichever value landed.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialCPM))); err != nil {
			// Fall back to a process-local limiter so dispatch keeps moving
			// rather than treating the map as partially initialized.
			return newLocalRateLimiter(initialCPM, maxCPM)
		}
	}

	sharedCPM := initialCPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedCPM = v
		}
	}

	l := newLocalRateLimiter(sharedCPM, maxCPM)

	floor := l.minCPM
	ceiling := l.maxCPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go sharedBackoff(context.Background(), m, key, floor)
		},
		func(_ float64) {
			go sharedProbe(context.Background(), m, key, step, ceiling)
		},
	)

	// Reconcile the local limiter when another node moves the shared budget.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceCPM(v)
		}
	}()

	return l
}

func sharedBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func sharedProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
