// Package degradation implements the system-wide degradation manager:
// per-service health tracking via a periodic probe loop, the mode
// computation rule, a broker-or-disk queue-with-fallback path, an
// in-memory overflow ring buffer, and fallback-queue draining on broker
// recovery.
//
// Grounded on backend/services/degradation_manager.py end to end
// (ServiceHealth, RegisteredService, QueuedJob, FallbackQueue,
// DegradationManager) and on the fault-tolerance manager's lifecycle
// pattern (context.WithCancel + sync.WaitGroup for the probe goroutine).
package degradation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khryptorgraphics/hsi-resilience-core/pkg/broker"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/fallbackqueue"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resiliencetypes"
)

// Probe is a 0-arg health check; an error or false result counts as
// failure.
type Probe func(ctx context.Context) (bool, error)

// Health is the per-service health record (spec.md ServiceHealth).
type Health struct {
	Name                string
	Status              resiliencetypes.ServiceStatus
	LastCheckAt         time.Time
	LastSuccessAt       time.Time
	ConsecutiveFailures int
	ErrorMessage        string
}

func (h Health) IsHealthy() bool { return h.Status == resiliencetypes.ServiceHealthy }

type registeredService struct {
	name     string
	probe    Probe
	critical bool
	health   Health
}

// QueuedJob is an opaque unit of work carried through the in-memory ring
// buffer when neither the broker nor the disk fallback are appropriate
// (spec.md QueuedJob).
type QueuedJob struct {
	JobType    string
	Payload    json.RawMessage
	QueuedAt   time.Time
	RetryCount int
}

// Config controls thresholds and timing for the manager.
type Config struct {
	FailureThreshold  int
	RecoveryThreshold int
	CheckInterval     time.Duration
	ProbeTimeout      time.Duration
	MemoryQueueMax    int
	FallbackDir       string
	FallbackQueueMax  int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		CheckInterval:     15 * time.Second,
		ProbeTimeout:      10 * time.Second,
		MemoryQueueMax:    1000,
		FallbackDir:       "./fallback",
		FallbackQueueMax:  10000,
	}
}

// Manager aggregates dependency health into a DegradationMode, and routes
// job submissions through the broker or a disk fallback queue when the
// broker is unhealthy.
type Manager struct {
	cfg    Config
	broker broker.Adapter

	mu           sync.Mutex
	services     map[string]*registeredService
	mode         resiliencetypes.DegradationMode
	brokerHealth bool
	memQueue     []QueuedJob

	fbMu      sync.Mutex
	fallbacks map[string]*fallbackqueue.Queue

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, b broker.Adapter) *Manager {
	return &Manager{
		cfg:          cfg,
		broker:       b,
		services:     make(map[string]*registeredService),
		mode:         resiliencetypes.DegradationNormal,
		brokerHealth: true,
		fallbacks:    make(map[string]*fallbackqueue.Queue),
	}
}

// RegisterService adds a dependency to the probe loop.
func (m *Manager) RegisterService(name string, probe Probe, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = &registeredService{
		name:     name,
		probe:    probe,
		critical: critical,
		health:   Health{Name: name, Status: resiliencetypes.ServiceUnknown},
	}
}

func (m *Manager) GetServiceHealth(name string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	if !ok {
		return Health{}, false
	}
	return s.health, true
}

func (m *Manager) Mode() resiliencetypes.DegradationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) IsDegraded() bool {
	return m.Mode() != resiliencetypes.DegradationNormal
}

// updateServiceHealthLocked applies one probe outcome, per spec.md 4.D.
func (m *Manager) updateServiceHealthLocked(name string, healthy bool, errMsg string) {
	s, ok := m.services[name]
	if !ok {
		return
	}
	s.health.LastCheckAt = time.Now()
	if healthy {
		s.health.ConsecutiveFailures = 0
		s.health.Status = resiliencetypes.ServiceHealthy
		s.health.LastSuccessAt = time.Now()
		s.health.ErrorMessage = ""
	} else {
		s.health.ConsecutiveFailures++
		s.health.Status = resiliencetypes.ServiceUnhealthy
		s.health.ErrorMessage = errMsg
	}
	m.evaluateModeLocked()
}

// evaluateModeLocked implements the C_bad/N_bad/C_total rule from
// spec.md section 4.D exactly (this supersedes
// degradation_manager.py's own, slightly different rule).
func (m *Manager) evaluateModeLocked() {
	var cBad, nBad, cTotal int
	for _, s := range m.services {
		bad := s.health.ConsecutiveFailures >= m.cfg.FailureThreshold
		if s.critical {
			cTotal++
			if bad {
				cBad++
			}
		} else if bad {
			nBad++
		}
	}

	var mode resiliencetypes.DegradationMode
	switch {
	case cTotal > 0 && cBad == cTotal:
		mode = resiliencetypes.DegradationOffline
	case cBad > 0:
		mode = resiliencetypes.DegradationMinimal
	case nBad > 0:
		mode = resiliencetypes.DegradationDegraded
	default:
		mode = resiliencetypes.DegradationNormal
	}

	if mode != m.mode {
		log.Info().Str("old_mode", m.mode.String()).Str("new_mode", mode.String()).Msg("degradation mode changed")
		m.mode = mode
	}
}

// RunHealthChecks probes every registered service once, each bounded by
// ProbeTimeout, and re-evaluates the mode afterward.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	m.mu.Lock()
	services := make([]*registeredService, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.Unlock()

	for _, s := range services {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		healthy, err := s.probe(probeCtx)
		cancel()

		errMsg := ""
		if probeCtx.Err() == context.DeadlineExceeded {
			healthy, err = false, nil
			errMsg = "health check timed out"
		} else if err != nil {
			healthy = false
			errMsg = err.Error()
		}

		m.mu.Lock()
		m.updateServiceHealthLocked(s.name, healthy, errMsg)
		m.mu.Unlock()
	}
}

// AvailableFeatures returns the feature list gated by the current mode —
// supplemented from ai_fallback.py/degradation_manager.py's
// get_available_features, per SPEC_FULL section 3.
func (m *Manager) AvailableFeatures() []string {
	switch m.Mode() {
	case resiliencetypes.DegradationNormal:
		return []string{"events", "media", "alerts", "ai_analysis"}
	case resiliencetypes.DegradationDegraded:
		return []string{"events", "media", "alerts"}
	case resiliencetypes.DegradationMinimal:
		return []string{"media"}
	default:
		return nil
	}
}

func (m *Manager) getFallback(queueName string) *fallbackqueue.Queue {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	if q, ok := m.fallbacks[queueName]; ok {
		return q
	}
	q, err := fallbackqueue.New(m.cfg.FallbackDir, queueName, m.cfg.FallbackQueueMax)
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("failed to open fallback queue")
		return nil
	}
	m.fallbacks[queueName] = q
	return q
}

// EnqueueWithFallback routes item to the broker when healthy, and to the
// on-disk fallback queue of the same name otherwise. Returns true iff
// either path accepted the item.
func (m *Manager) EnqueueWithFallback(queueName string, item json.RawMessage) bool {
	if m.broker != nil && m.brokerHealthy() {
		res := m.broker.SafeEnqueue(queueName, item, broker.OverflowDLQ)
		if res.Success && res.Err == nil {
			return true
		}
		m.setBrokerHealthy(false)
		log.Warn().Str("queue", queueName).Err(res.Err).Msg("broker enqueue failed, falling back to disk")
	}

	q := m.getFallback(queueName)
	if q == nil {
		return false
	}
	return q.Enqueue(item)
}

func (m *Manager) brokerHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brokerHealth
}

func (m *Manager) setBrokerHealthy(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokerHealth = v
}

// CheckBrokerHealth pings the broker and updates the cached health flag.
func (m *Manager) CheckBrokerHealth() {
	if m.broker == nil {
		m.setBrokerHealthy(false)
		return
	}
	m.setBrokerHealthy(m.broker.Ping() == nil)
}

// DrainFallbackQueue pops and re-enqueues entries from the named disk
// queue to the broker until it is empty or a write fails; a failed write
// is returned to the queue and the drain stops, per spec.md 4.D.
func (m *Manager) DrainFallbackQueue(queueName string) int {
	q := m.getFallback(queueName)
	if q == nil || m.broker == nil {
		return 0
	}

	drained := 0
	for {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		res := m.broker.SafeEnqueue(queueName, item, broker.OverflowDLQ)
		if !res.Success || res.Err != nil {
			q.Enqueue(item)
			break
		}
		drained++
	}
	return drained
}

// EnqueueMemory appends to the bounded ring buffer used for operational
// jobs, dropping the oldest entry with an explicit DATA LOSS log line on
// overflow.
func (m *Manager) EnqueueMemory(job QueuedJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MemoryQueueMax > 0 && len(m.memQueue) >= m.cfg.MemoryQueueMax {
		dropped := m.memQueue[0]
		m.memQueue = m.memQueue[1:]
		log.Warn().
			Str("dropped_job_type", dropped.JobType).
			Time("dropped_queued_at", dropped.QueuedAt).
			Str("incoming_job_type", job.JobType).
			Msg("DATA LOSS: in-memory job queue at capacity, dropping oldest job")
	}
	m.memQueue = append(m.memQueue, job)
}

// DrainMemoryToBroker moves jobs FIFO from the ring buffer to the broker;
// a broker error stops the drain and the item is returned to the head.
func (m *Manager) DrainMemoryToBroker(queueName string) int {
	if m.broker == nil {
		return 0
	}
	drained := 0
	for {
		m.mu.Lock()
		if len(m.memQueue) == 0 {
			m.mu.Unlock()
			break
		}
		job := m.memQueue[0]
		m.memQueue = m.memQueue[1:]
		m.mu.Unlock()

		payload, _ := json.Marshal(job)
		res := m.broker.SafeEnqueue(queueName, payload, broker.OverflowDLQ)
		if !res.Success || res.Err != nil {
			m.mu.Lock()
			m.memQueue = append([]QueuedJob{job}, m.memQueue...)
			m.mu.Unlock()
			break
		}
		drained++
	}
	return drained
}

// Start spawns the periodic probe loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.probeLoop(ctx)
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunHealthChecks(ctx)
			m.CheckBrokerHealth()
			if m.brokerHealthy() {
				m.DrainMemoryToBroker(resiliencetypes.DetectionQueue)
				m.fbMu.Lock()
				names := make([]string, 0, len(m.fallbacks))
				for name := range m.fallbacks {
					names = append(names, name)
				}
				m.fbMu.Unlock()
				for _, name := range names {
					m.DrainFallbackQueue(name)
				}
			}
		}
	}
}
