// Package health assembles the operator-facing status view: concurrent
// per-model probes (5s timeout each), per-queue depths, and the overall
// status rollup.
//
// Grounded on pkg/observability/health_aggregator.go's cache-then-fan-out
// structure (generalized here from a generic component/dependency model
// to this system's per-AI-model/per-queue model) and on
// backend/api/routes/health_ai_services.py for the exact response shape
// and the per-service critical/non-critical overall-status rule.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khryptorgraphics/hsi-resilience-core/pkg/breaker"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resiliencetypes"
)

const probeTimeout = 5 * time.Second

// ModelConfig names one monitored AI model and whether it is critical,
// matching AI_SERVICES_CONFIG in health_ai_services.py.
type ModelConfig struct {
	Name     resiliencetypes.AIModel
	URL      string // empty means "not configured" -> reported Unavailable without probing; there is no separate Unknown status
	Critical bool
}

// QueueDepths is the depth/dlq_depth pair for one named queue.
type QueueDepths struct {
	Depth    int
	DLQDepth int
}

// ModelHealthDetail is one entry of the status view's "services" map.
type ModelHealthDetail struct {
	Status          resiliencetypes.ModelStatus
	CircuitState    resiliencetypes.CallState
	LastHealthCheck time.Time
	ErrorRate1h     *float64
	LatencyMS       *float64
	URL             string
	Error           string
}

// StatusView is the plain data structure exposed to the external
// collaborator described in SPEC_FULL section 6.
type StatusView struct {
	OverallStatus resiliencetypes.OverallStatus
	Services      map[resiliencetypes.AIModel]ModelHealthDetail
	Queues        map[string]QueueDepths
	Timestamp     time.Time
}

// Prober performs the live HTTP-equivalent health check for one model;
// returns (healthy, latencyMS, err). A nil Prober always reports healthy
// with no latency sample, useful for tests and for models without a live
// adapter configured.
type Prober func(ctx context.Context, cfg ModelConfig) (bool, float64, error)

// QueueDepthSource reports the current depth for a named queue; it is
// called once for the origin queue and once more for its DLQ (via
// resiliencetypes.DLQName) to build one QueueDepths value.
type QueueDepthSource func(queueName string) (int, error)

// Aggregator composes circuit-breaker snapshots, live probes, and queue
// depths into one StatusView.
type Aggregator struct {
	registry *breaker.Registry
	models   []ModelConfig
	prober   Prober
	depths   QueueDepthSource

	mu       sync.RWMutex
	lastView *StatusView
	lastAt   time.Time
}

func New(registry *breaker.Registry, models []ModelConfig, prober Prober, depths QueueDepthSource) *Aggregator {
	return &Aggregator{registry: registry, models: models, prober: prober, depths: depths}
}

// GetStatus fans out one probe per configured model, each bounded by a
// 5-second timeout, and assembles the full status view. Results are
// cached for 5 seconds to bound probe fan-out under repeated polling.
func (a *Aggregator) GetStatus(ctx context.Context) StatusView {
	a.mu.RLock()
	if a.lastView != nil && time.Since(a.lastAt) < 5*time.Second {
		cached := *a.lastView
		a.mu.RUnlock()
		return cached
	}
	a.mu.RUnlock()

	services := make(map[resiliencetypes.AIModel]ModelHealthDetail, len(a.models))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, cfg := range a.models {
		wg.Add(1)
		go func(cfg ModelConfig) {
			defer wg.Done()
			detail := a.checkModel(ctx, cfg)
			mu.Lock()
			services[cfg.Name] = detail
			mu.Unlock()
		}(cfg)
	}
	wg.Wait()

	queues := map[string]QueueDepths{
		resiliencetypes.DetectionQueue: a.queueDepths(resiliencetypes.DetectionQueue),
		resiliencetypes.AnalysisQueue:  a.queueDepths(resiliencetypes.AnalysisQueue),
	}

	view := StatusView{
		OverallStatus: overallStatus(a.models, services),
		Services:      services,
		Queues:        queues,
		Timestamp:     time.Now().UTC(),
	}

	a.mu.Lock()
	a.lastView = &view
	a.lastAt = time.Now()
	a.mu.Unlock()

	return view
}

func (a *Aggregator) queueDepths(name string) QueueDepths {
	if a.depths == nil {
		return QueueDepths{}
	}
	depth, err := a.depths(name)
	if err != nil {
		log.Warn().Err(err).Str("queue", name).Msg("queue depth lookup failed")
		depth = 0
	}
	dlqDepth, err := a.depths(resiliencetypes.DLQName(name))
	if err != nil {
		dlqDepth = 0
	}
	return QueueDepths{Depth: depth, DLQDepth: dlqDepth}
}

func (a *Aggregator) checkModel(ctx context.Context, cfg ModelConfig) ModelHealthDetail {
	var circuitState resiliencetypes.CallState = resiliencetypes.StateClosed
	var errRate *float64

	if a.registry != nil {
		if b, ok := a.registry.Get(string(cfg.Name)); ok {
			snap := b.Snapshot()
			circuitState = snap.State
			if rate, ok := snap.ErrorRate(); ok {
				errRate = &rate
			}
		}
	}

	if cfg.URL == "" {
		return ModelHealthDetail{
			Status:          resiliencetypes.ModelUnavailable,
			CircuitState:    circuitState,
			LastHealthCheck: time.Now().UTC(),
			ErrorRate1h:     errRate,
			Error:           "service URL not configured",
		}
	}

	if circuitState == resiliencetypes.StateOpen {
		return ModelHealthDetail{
			Status:          resiliencetypes.ModelUnavailable,
			CircuitState:    circuitState,
			LastHealthCheck: time.Now().UTC(),
			ErrorRate1h:     errRate,
			URL:             cfg.URL,
			Error:           "circuit breaker open - service unreachable",
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if a.prober == nil {
		return ModelHealthDetail{Status: resiliencetypes.ModelHealthy, CircuitState: circuitState, LastHealthCheck: time.Now().UTC(), ErrorRate1h: errRate, URL: cfg.URL}
	}

	healthy, latencyMS, err := a.prober(probeCtx, cfg)
	detail := ModelHealthDetail{
		CircuitState:    circuitState,
		LastHealthCheck: time.Now().UTC(),
		ErrorRate1h:     errRate,
		LatencyMS:       &latencyMS,
		URL:             cfg.URL,
	}
	if err != nil {
		log.Warn().Err(err).Str("model", string(cfg.Name)).Msg("health probe error")
		detail.Status = resiliencetypes.ModelUnavailable
		detail.Error = err.Error()
		return detail
	}
	if !healthy {
		detail.Status = resiliencetypes.ModelUnavailable
		detail.Error = "probe reported unhealthy"
		return detail
	}
	detail.Status = resiliencetypes.ModelHealthy
	return detail
}

// overallStatus implements health_ai_services.py's _calculate_overall_status:
// critical unhealthy/unknown -> Critical; any unhealthy/degraded -> Degraded;
// else Healthy.
func overallStatus(models []ModelConfig, services map[resiliencetypes.AIModel]ModelHealthDetail) resiliencetypes.OverallStatus {
	critical := make(map[resiliencetypes.AIModel]bool)
	for _, m := range models {
		if m.Critical {
			critical[m.Name] = true
		}
	}

	for name, detail := range services {
		if critical[name] && detail.Status == resiliencetypes.ModelUnavailable {
			return resiliencetypes.OverallCritical
		}
	}
	for _, detail := range services {
		if detail.Status == resiliencetypes.ModelUnavailable || detail.Status == resiliencetypes.ModelDegraded {
			return resiliencetypes.OverallDegraded
		}
	}
	return resiliencetypes.OverallHealthy
}
