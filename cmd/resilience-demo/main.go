// Command resilience-demo wires the resilience core's components together
// against a simulated broker and a set of simulated AI model probes, and
// prints the resulting status view on a fixed interval. It has no
// listening socket of its own; a surrounding HTTP layer is expected to
// map a route onto the same Aggregator.GetStatus call this demo drives
// directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/khryptorgraphics/hsi-resilience-core/internal/config"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/aifallback"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/breaker"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/broker"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/degradation"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/health"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/logging"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resiliencetypes"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/retry"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a resilience.yaml config file")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		failRate   = flag.Float64("fail-rate", 0.0, "simulated broker/model failure probability, 0..1")
	)
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(*logLevel)
	logger := logging.Configure(logCfg)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := newSimulatedBroker(*failRate)
	degr := buildDegradationManager(cfg, b)
	degr.Start(ctx)
	defer degr.Stop()

	fb := buildAIFallbackService(cfg)
	wireSimulatedProbes(fb, *failRate)

	dlqBreakerCfg := breaker.Config{
		FailureThreshold: cfg.DLQBreaker.FailureThreshold,
		SuccessThreshold: cfg.DLQBreaker.SuccessThreshold,
		RecoveryTimeout:  time.Duration(cfg.DLQBreaker.RecoveryTimeoutS * float64(time.Second)),
		HalfOpenMaxCalls: cfg.DLQBreaker.HalfOpenMaxCalls,
	}
	retryHandler := retry.NewHandler(b, retry.Config{
		MaxRetries:      cfg.Retry.MaxRetries,
		BaseDelay:       time.Duration(cfg.Retry.BaseDelayS * float64(time.Second)),
		MaxDelay:        time.Duration(cfg.Retry.MaxDelayS * float64(time.Second)),
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter,
	}, dlqBreakerCfg)

	agg := health.New(breaker.Default, demoModelConfigs(), simulatedProber(*failRate), func(name string) (int, error) {
		return b.Length(name)
	})

	logger.Info("resilience-demo started", "fail_rate", *failRate)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			driveSimulatedJob(ctx, retryHandler, degr)
			view := agg.GetStatus(ctx)
			printStatus(logger, view)
		}
	}
}

func buildDegradationManager(cfg *config.Config, b broker.Adapter) *degradation.Manager {
	degr := degradation.New(degradation.Config{
		FailureThreshold:  cfg.Degradation.FailureThreshold,
		RecoveryThreshold: cfg.Degradation.RecoveryThreshold,
		CheckInterval:     time.Duration(cfg.Degradation.CheckIntervalS * float64(time.Second)),
		ProbeTimeout:      time.Duration(cfg.Degradation.ProbeTimeoutS * float64(time.Second)),
		MemoryQueueMax:    1000,
		FallbackDir:       cfg.Degradation.FallbackDir,
		FallbackQueueMax:  cfg.FallbackQueue.MaxSize,
	}, b)

	degr.RegisterService(string(resiliencetypes.ModelDetector), simulatedHealthProbe(0.0), true)
	degr.RegisterService(string(resiliencetypes.ModelRiskLLM), simulatedHealthProbe(0.0), true)
	degr.RegisterService(string(resiliencetypes.ModelCaption), simulatedHealthProbe(0.0), false)
	degr.RegisterService(string(resiliencetypes.ModelEmbedding), simulatedHealthProbe(0.0), false)
	return degr
}

func buildAIFallbackService(cfg *config.Config) *aifallback.Service {
	svc := aifallback.New(time.Duration(cfg.AI.RiskCacheTTLS * float64(time.Second)))
	for model, bc := range aifallback.DefaultBreakerConfigs() {
		svc.RegisterCircuitBreaker(model, breaker.Default.GetOrCreate(string(model), bc))
	}
	return svc
}

func wireSimulatedProbes(svc *aifallback.Service, failRate float64) {
	svc.RegisterStatusCallback(func(states map[resiliencetypes.AIModel]aifallback.ModelState) {
		for model, state := range states {
			slog.Debug("model state refreshed", "model", model, "status", state.Status)
		}
	})
}

func demoModelConfigs() []health.ModelConfig {
	return []health.ModelConfig{
		{Name: resiliencetypes.ModelDetector, URL: "http://detector.local:8000", Critical: true},
		{Name: resiliencetypes.ModelRiskLLM, URL: "http://risk-llm.local:8000", Critical: true},
		{Name: resiliencetypes.ModelCaption, URL: "http://caption.local:8000", Critical: false},
		{Name: resiliencetypes.ModelEmbedding, URL: "http://embedding.local:8000", Critical: false},
	}
}

func simulatedHealthProbe(failRate float64) degradation.Probe {
	return func(ctx context.Context) (bool, error) {
		if rand.Float64() < failRate {
			return false, fmt.Errorf("simulated probe failure")
		}
		return true, nil
	}
}

func simulatedProber(failRate float64) health.Prober {
	return func(ctx context.Context, cfg health.ModelConfig) (bool, float64, error) {
		if rand.Float64() < failRate {
			return false, 0, nil
		}
		return true, 8 + rand.Float64()*20, nil
	}
}

func driveSimulatedJob(ctx context.Context, h *retry.Handler, degr *degradation.Manager) {
	job, _ := json.Marshal(map[string]any{"camera": "front_door", "queued_at": time.Now().UTC()})
	degr.EnqueueWithFallback(resiliencetypes.DetectionQueue, job)

	h.WithRetry(ctx, func(ctx context.Context) (any, error) {
		return nil, nil
	}, job, resiliencetypes.DetectionQueue)
}

func printStatus(logger *slog.Logger, view health.StatusView) {
	logger.Info("status", "overall", view.OverallStatus, "detection_depth", view.Queues[resiliencetypes.DetectionQueue].Depth)
}

// simulatedBroker is an in-process, in-memory broker.Adapter used so the
// demo runs with no external dependencies. A real deployment supplies its
// own Adapter (e.g. backed by Redis) to the same packages.
type simulatedBroker struct {
	mu       sync.Mutex
	queues   map[string][]json.RawMessage
	failRate float64
}

func newSimulatedBroker(failRate float64) *simulatedBroker {
	return &simulatedBroker{queues: make(map[string][]json.RawMessage), failRate: failRate}
}

func (s *simulatedBroker) SafeEnqueue(queueName string, item json.RawMessage, policy broker.OverflowPolicy) broker.EnqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rand.Float64() < s.failRate {
		return broker.EnqueueResult{Success: false, Err: fmt.Errorf("simulated broker outage")}
	}
	s.queues[queueName] = append(s.queues[queueName], item)
	return broker.EnqueueResult{Success: true, QueueLength: len(s.queues[queueName])}
}

func (s *simulatedBroker) Dequeue(queueName string, timeout time.Duration) (json.RawMessage, bool) {
	return s.NonblockingPop(queueName)
}

func (s *simulatedBroker) NonblockingPop(queueName string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[queueName]
	if len(q) == 0 {
		return nil, false
	}
	item := q[0]
	s.queues[queueName] = q[1:]
	return item, true
}

func (s *simulatedBroker) Length(queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queueName]), nil
}

func (s *simulatedBroker) Peek(queueName string, limit int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[queueName]
	if limit > len(q) {
		limit = len(q)
	}
	return q[:limit], nil
}

func (s *simulatedBroker) Clear(queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, queueName)
	return nil
}

func (s *simulatedBroker) Ping() error {
	if rand.Float64() < s.failRate {
		return fmt.Errorf("simulated broker outage")
	}
	return nil
}
