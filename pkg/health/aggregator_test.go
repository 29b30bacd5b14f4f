package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/hsi-resilience-core/pkg/breaker"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resiliencetypes"
)

func models() []ModelConfig {
	return []ModelConfig{
		{Name: resiliencetypes.ModelDetector, URL: "http://detector:8000", Critical: true},
		{Name: resiliencetypes.ModelRiskLLM, URL: "http://risk-llm:8000", Critical: true},
		{Name: resiliencetypes.ModelCaption, URL: "http://caption:8000", Critical: false},
		{Name: resiliencetypes.ModelEmbedding, URL: "", Critical: false},
	}
}

func healthyProber(ctx context.Context, cfg ModelConfig) (bool, float64, error) {
	return true, 12.5, nil
}

func TestAggregator_AllHealthy(t *testing.T) {
	reg := breaker.NewRegistry()
	a := New(reg, models(), healthyProber, nil)

	view := a.GetStatus(context.Background())
	assert.Equal(t, resiliencetypes.OverallDegraded, view.OverallStatus, "embedding has no URL configured -> Unavailable -> Degraded")
	assert.Equal(t, resiliencetypes.ModelHealthy, view.Services[resiliencetypes.ModelDetector].Status)
	assert.Equal(t, resiliencetypes.ModelUnavailable, view.Services[resiliencetypes.ModelEmbedding].Status)
	assert.Equal(t, "service URL not configured", view.Services[resiliencetypes.ModelEmbedding].Error)
}

func TestAggregator_CriticalUnavailableIsCritical(t *testing.T) {
	reg := breaker.NewRegistry()
	prober := func(ctx context.Context, cfg ModelConfig) (bool, float64, error) {
		if cfg.Name == resiliencetypes.ModelDetector {
			return false, 0, nil
		}
		return true, 5, nil
	}
	a := New(reg, models(), prober, nil)

	view := a.GetStatus(context.Background())
	assert.Equal(t, resiliencetypes.OverallCritical, view.OverallStatus)
	assert.Equal(t, resiliencetypes.ModelUnavailable, view.Services[resiliencetypes.ModelDetector].Status)
	assert.Equal(t, "probe reported unhealthy", view.Services[resiliencetypes.ModelDetector].Error)
}

func TestAggregator_OpenCircuitSkipsProbe(t *testing.T) {
	reg := breaker.NewRegistry()
	b := reg.GetOrCreate(string(resiliencetypes.ModelCaption), breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1})
	b.ForceOpen()

	probeCalled := false
	prober := func(ctx context.Context, cfg ModelConfig) (bool, float64, error) {
		if cfg.Name == resiliencetypes.ModelCaption {
			probeCalled = true
		}
		return true, 1, nil
	}
	a := New(reg, models(), prober, nil)

	view := a.GetStatus(context.Background())
	assert.False(t, probeCalled, "probe must be skipped when the circuit is open")
	detail := view.Services[resiliencetypes.ModelCaption]
	assert.Equal(t, resiliencetypes.ModelUnavailable, detail.Status)
	assert.Equal(t, resiliencetypes.StateOpen, detail.CircuitState)
	assert.Equal(t, "circuit breaker open - service unreachable", detail.Error)
}

func TestAggregator_ProbeErrorMarksUnavailable(t *testing.T) {
	reg := breaker.NewRegistry()
	prober := func(ctx context.Context, cfg ModelConfig) (bool, float64, error) {
		if cfg.Name == resiliencetypes.ModelRiskLLM {
			return false, 0, errors.New("connection refused")
		}
		return true, 1, nil
	}
	a := New(reg, models(), prober, nil)

	view := a.GetStatus(context.Background())
	assert.Equal(t, resiliencetypes.ModelUnavailable, view.Services[resiliencetypes.ModelRiskLLM].Status)
	assert.Equal(t, "connection refused", view.Services[resiliencetypes.ModelRiskLLM].Error)
}

func TestAggregator_AllNonCriticalUnavailableButCriticalsHealthy(t *testing.T) {
	reg := breaker.NewRegistry()
	prober := func(ctx context.Context, cfg ModelConfig) (bool, float64, error) {
		if cfg.Critical {
			return true, 1, nil
		}
		return false, 0, nil
	}
	a := New(reg, models(), prober, nil)

	view := a.GetStatus(context.Background())
	assert.Equal(t, resiliencetypes.OverallDegraded, view.OverallStatus)
}

func TestAggregator_QueueDepthsIncludeDLQ(t *testing.T) {
	reg := breaker.NewRegistry()
	depths := map[string]int{
		resiliencetypes.DetectionQueue: 4,
		resiliencetypes.DLQName(resiliencetypes.DetectionQueue): 1,
		resiliencetypes.AnalysisQueue: 0,
		resiliencetypes.DLQName(resiliencetypes.AnalysisQueue):  0,
	}
	source := func(name string) (int, error) {
		return depths[name], nil
	}
	a := New(reg, models(), healthyProber, source)

	view := a.GetStatus(context.Background())
	require.Contains(t, view.Queues, resiliencetypes.DetectionQueue)
	assert.Equal(t, QueueDepths{Depth: 4, DLQDepth: 1}, view.Queues[resiliencetypes.DetectionQueue])
	assert.Equal(t, QueueDepths{Depth: 0, DLQDepth: 0}, view.Queues[resiliencetypes.AnalysisQueue])
}

func TestAggregator_QueueDepthLookupErrorDefaultsToZero(t *testing.T) {
	reg := breaker.NewRegistry()
	source := func(name string) (int, error) { return 0, errors.New("broker unreachable") }
	a := New(reg, models(), healthyProber, source)

	view := a.GetStatus(context.Background())
	assert.Equal(t, QueueDepths{}, view.Queues[resiliencetypes.DetectionQueue])
}

func TestAggregator_ErrorRateComesFromBreakerSnapshot(t *testing.T) {
	reg := breaker.NewRegistry()
	b := reg.GetOrCreate(string(resiliencetypes.ModelDetector), breaker.Config{FailureThreshold: 100, SuccessThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1})
	_ = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	a := New(reg, models(), healthyProber, nil)
	view := a.GetStatus(context.Background())

	detail := view.Services[resiliencetypes.ModelDetector]
	require.NotNil(t, detail.ErrorRate1h)
	assert.InDelta(t, 0.5, *detail.ErrorRate1h, 0.001)
}

func TestAggregator_ResultIsCached(t *testing.T) {
	reg := breaker.NewRegistry()
	calls := 0
	prober := func(ctx context.Context, cfg ModelConfig) (bool, float64, error) {
		calls++
		return true, 1, nil
	}
	a := New(reg, models(), prober, nil)

	a.GetStatus(context.Background())
	firstCalls := calls
	a.GetStatus(context.Background())
	assert.Equal(t, firstCalls, calls, "second call within the cache window must not re-probe")
}
