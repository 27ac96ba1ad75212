// Package health tracks per-provider health, updated passively from call
// outcomes and actively from a periodic probe loop.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/provider"
)

// Status is the coarse health classification of a provider.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// unhealthyThreshold is the consecutive-error count that promotes a
// provider from degraded to unhealthy.
const unhealthyThreshold = 3

// DefaultProbeInterval is how often the active probe loop runs.
const DefaultProbeInterval = 60 * time.Second

// Health is the full health record for one provider. Records are replaced
// atomically; readers always see a consistent snapshot.
type Health struct {
	Status            Status
	ConsecutiveErrors int
	LastError         string
	LastErrorTime     time.Time
	LastCheck         time.Time
}

// Tracker maintains the provider -> Health map and runs the probe loop.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Health

	registry *provider.Registry
	interval time.Duration
	log      *logging.Logger

	stopOnce sync.Once
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithProbeInterval overrides the probe interval.
func WithProbeInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// NewTracker creates a health tracker over the given provider registry.
func NewTracker(registry *provider.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		statuses: make(map[string]Health),
		registry: registry,
		interval: DefaultProbeInterval,
		log:      logging.Global().WithComponent("health"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess resets the provider to healthy.
func (t *Tracker) RecordSuccess(providerID string) {
	providerID = provider.NormalizeID(providerID)
	t.mu.Lock()
	t.statuses[providerID] = Health{
		Status:    StatusHealthy,
		LastCheck: time.Now(),
	}
	t.mu.Unlock()
}

// RecordFailure increments the provider's consecutive error count.
// The status becomes degraded at the first error and unhealthy at three.
func (t *Tracker) RecordFailure(providerID string, err error) {
	providerID = provider.NormalizeID(providerID)
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	t.mu.Lock()
	h := t.statuses[providerID]
	h.ConsecutiveErrors++
	h.LastError = msg
	h.LastErrorTime = time.Now()
	h.LastCheck = h.LastErrorTime
	if h.ConsecutiveErrors >= unhealthyThreshold {
		h.Status = StatusUnhealthy
	} else {
		h.Status = StatusDegraded
	}
	t.statuses[providerID] = h
	t.mu.Unlock()

	if h.Status == StatusUnhealthy {
		t.log.Warn("[Health] %s marked unhealthy after %d consecutive errors: %s",
			providerID, h.ConsecutiveErrors, msg)
	}
}

// StatusOf returns the provider's health record. Providers never seen
// report StatusUnknown.
func (t *Tracker) StatusOf(providerID string) Health {
	providerID = provider.NormalizeID(providerID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.statuses[providerID]; ok {
		return h
	}
	return Health{Status: StatusUnknown}
}

// Snapshot returns a copy of the whole health map.
func (t *Tracker) Snapshot() map[string]Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Health, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// RunProbes actively probes every instantiated provider once. Probe errors
// never propagate; they only update the health map. A successful probe
// restores even an unhealthy provider to healthy.
func (t *Tracker) RunProbes(ctx context.Context) {
	for _, id := range t.registry.IDs() {
		p, err := t.registry.Get(id)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ok := t.probeOne(probeCtx, p)
		cancel()

		if ok {
			t.RecordSuccess(id)
		} else {
			t.mu.Lock()
			h := t.statuses[id]
			h.LastCheck = time.Now()
			t.statuses[id] = h
			t.mu.Unlock()
			t.log.Debug("[Health] probe failed for %s", id)
		}
	}
}

// probeOne checks one provider. Adapters exposing an active probe are
// probed; the rest fall back to their fast Available check (API providers
// with credentials on file count as healthy).
func (t *Tracker) probeOne(ctx context.Context, p provider.Provider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("[Health] probe panic for %s: %v", p.Name(), r)
			ok = false
		}
	}()

	target := p
	if m, isMetrics := p.(*provider.MetricsProvider); isMetrics {
		target = m.Unwrap()
	}
	if prober, isProber := target.(provider.Prober); isProber {
		return prober.Probe(ctx) == nil
	}
	return p.Available()
}

// Start launches the periodic probe loop. Call Stop to terminate it.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		// One immediate pass so statuses populate before the first tick.
		t.RunProbes(ctx)

		for {
			select {
			case <-ticker.C:
				t.RunProbes(ctx)
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if started {
		<-t.doneCh
	}
}
