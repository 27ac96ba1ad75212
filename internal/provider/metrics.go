package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/relay/internal/cost"
	"github.com/normanking/relay/internal/logging"
)

// MetricsProvider wraps a Provider with timing, token, and cost tracking.
type MetricsProvider struct {
	provider Provider
	name     string
	log      *logging.Logger

	totalCalls        int64
	totalErrors       int64
	totalInputTokens  int64
	totalOutputTokens int64

	mu               sync.RWMutex
	totalLatency     time.Duration
	minLatency       time.Duration
	maxLatency       time.Duration
	latencyBuckets   []int64 // <100ms, <500ms, <1s, <2s, <5s, 5s+
	modelStats       map[string]*ModelMetrics
	estimatedCostUSD float64
}

// ModelMetrics tracks per-model performance.
type ModelMetrics struct {
	Calls         int64
	TotalLatency  time.Duration
	Errors        int64
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
}

// NewMetricsProvider wraps a provider with metrics collection and adds it
// to the global registry.
func NewMetricsProvider(provider Provider) *MetricsProvider {
	m := &MetricsProvider{
		provider:       provider,
		name:           provider.Name(),
		log:            logging.Global().WithComponent("metrics"),
		minLatency:     time.Hour, // Replaced on first call
		latencyBuckets: make([]int64, 6),
		modelStats:     make(map[string]*ModelMetrics),
	}
	Metrics().register(m)
	return m
}

// Chat implements Provider with metrics around the wrapped call.
func (m *MetricsProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	resp, err := m.provider.Chat(ctx, req)
	latency := time.Since(start)

	atomic.AddInt64(&m.totalCalls, 1)
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
	}

	var callCost float64
	if resp != nil {
		atomic.AddInt64(&m.totalInputTokens, int64(resp.PromptTokens))
		atomic.AddInt64(&m.totalOutputTokens, int64(resp.CompletionTokens))
		callCost = cost.Estimate(m.name, resp.Model, resp.PromptTokens, resp.CompletionTokens)
	}

	m.mu.Lock()
	m.totalLatency += latency
	if latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	switch {
	case latency < 100*time.Millisecond:
		m.latencyBuckets[0]++
	case latency < 500*time.Millisecond:
		m.latencyBuckets[1]++
	case latency < time.Second:
		m.latencyBuckets[2]++
	case latency < 2*time.Second:
		m.latencyBuckets[3]++
	case latency < 5*time.Second:
		m.latencyBuckets[4]++
	default:
		m.latencyBuckets[5]++
	}
	stats, ok := m.modelStats[req.Model]
	if !ok {
		stats = &ModelMetrics{}
		m.modelStats[req.Model] = stats
	}
	stats.Calls++
	stats.TotalLatency += latency
	if err != nil {
		stats.Errors++
	}
	if resp != nil {
		stats.InputTokens += int64(resp.PromptTokens)
		stats.OutputTokens += int64(resp.CompletionTokens)
		stats.EstimatedCost = cost.Round(stats.EstimatedCost + callCost)
		m.estimatedCostUSD = cost.Round(m.estimatedCostUSD + callCost)
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("[Metrics] %s/%s failed after %v: %v", m.name, req.Model, latency, err)
	} else if callCost > 0 {
		m.log.Debug("[Metrics] %s/%s completed in %v ($%.6f)", m.name, req.Model, latency, callCost)
	} else {
		m.log.Debug("[Metrics] %s/%s completed in %v (free)", m.name, req.Model, latency)
	}

	return resp, err
}

// Name implements Provider.
func (m *MetricsProvider) Name() string {
	return m.name
}

// Available implements Provider.
func (m *MetricsProvider) Available() bool {
	return m.provider.Available()
}

// Snapshot returns current metrics as a map for status output.
func (m *MetricsProvider) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := atomic.LoadInt64(&m.totalCalls)
	errors := atomic.LoadInt64(&m.totalErrors)

	avgLatency := time.Duration(0)
	if calls > 0 {
		avgLatency = m.totalLatency / time.Duration(calls)
	}
	errorRate := float64(0)
	if calls > 0 {
		errorRate = float64(errors) / float64(calls)
	}

	models := make(map[string]interface{}, len(m.modelStats))
	for model, stats := range m.modelStats {
		avgModel := time.Duration(0)
		if stats.Calls > 0 {
			avgModel = stats.TotalLatency / time.Duration(stats.Calls)
		}
		models[model] = map[string]interface{}{
			"calls":          stats.Calls,
			"errors":         stats.Errors,
			"avg_latency_ms": avgModel.Milliseconds(),
			"input_tokens":   stats.InputTokens,
			"output_tokens":  stats.OutputTokens,
			"cost_usd":       stats.EstimatedCost,
		}
	}

	return map[string]interface{}{
		"provider":       m.name,
		"total_calls":    calls,
		"total_errors":   errors,
		"error_rate":     errorRate,
		"input_tokens":   atomic.LoadInt64(&m.totalInputTokens),
		"output_tokens":  atomic.LoadInt64(&m.totalOutputTokens),
		"estimated_cost": m.estimatedCostUSD,
		"avg_latency_ms": avgLatency.Milliseconds(),
		"min_latency_ms": m.minLatency.Milliseconds(),
		"max_latency_ms": m.maxLatency.Milliseconds(),
		"latency_histogram": map[string]int64{
			"<100ms": m.latencyBuckets[0],
			"<500ms": m.latencyBuckets[1],
			"<1s":    m.latencyBuckets[2],
			"<2s":    m.latencyBuckets[3],
			"<5s":    m.latencyBuckets[4],
			"5s+":    m.latencyBuckets[5],
		},
		"models": models,
	}
}

// CostSummary returns a one-line human-readable cost summary.
func (m *MetricsProvider) CostSummary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := atomic.LoadInt64(&m.totalCalls)
	if calls == 0 {
		return fmt.Sprintf("%s: no calls", m.name)
	}
	tokens := atomic.LoadInt64(&m.totalInputTokens) + atomic.LoadInt64(&m.totalOutputTokens)
	if m.estimatedCostUSD == 0 {
		return fmt.Sprintf("%s: %d calls, %d tokens (free)", m.name, calls, tokens)
	}
	return fmt.Sprintf("%s: %d calls, %d tokens, $%.4f", m.name, calls, tokens, m.estimatedCostUSD)
}

// Reset clears all counters.
func (m *MetricsProvider) Reset() {
	atomic.StoreInt64(&m.totalCalls, 0)
	atomic.StoreInt64(&m.totalErrors, 0)
	atomic.StoreInt64(&m.totalInputTokens, 0)
	atomic.StoreInt64(&m.totalOutputTokens, 0)

	m.mu.Lock()
	m.totalLatency = 0
	m.minLatency = time.Hour
	m.maxLatency = 0
	m.latencyBuckets = make([]int64, 6)
	m.modelStats = make(map[string]*ModelMetrics)
	m.estimatedCostUSD = 0
	m.mu.Unlock()
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

// MetricsRegistry tracks MetricsProvider instances for aggregated reporting.
type MetricsRegistry struct {
	mu        sync.RWMutex
	providers map[string]*MetricsProvider
}

var globalMetrics = &MetricsRegistry{
	providers: make(map[string]*MetricsProvider),
}

// Metrics returns the global metrics registry.
func Metrics() *MetricsRegistry {
	return globalMetrics
}

func (r *MetricsRegistry) register(m *MetricsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[m.Name()] = m
}

// Get retrieves a provider's metrics wrapper, or nil.
func (r *MetricsRegistry) Get(name string) *MetricsProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Snapshots returns per-provider metrics snapshots.
func (r *MetricsRegistry) Snapshots() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(r.providers))
	for name, m := range r.providers {
		out[name] = m.Snapshot()
	}
	return out
}

// TotalCost returns the aggregate estimated cost across providers.
func (r *MetricsRegistry) TotalCost() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total float64
	for _, m := range r.providers {
		m.mu.RLock()
		total += m.estimatedCostUSD
		m.mu.RUnlock()
	}
	return cost.Round(total)
}
