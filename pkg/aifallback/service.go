// Package aifallback tracks per-AI-model availability derived from
// circuit breaker state and serves deterministic fallback outputs —
// cached or heuristic risk scores, synthesized captions, and zero-vector
// embeddings — when a model is degraded or unavailable.
//
// Grounded on backend/services/ai_fallback.py in full: the object-type
// score table, the 768-length zero embedding, the caption templates, and
// the per-service default breaker configs are carried over verbatim.
package aifallback

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khryptorgraphics/hsi-resilience-core/pkg/breaker"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resiliencetypes"
)

// DefaultBreakerConfigs mirrors ai_fallback.py's DEFAULT_CB_CONFIGS.
func DefaultBreakerConfigs() map[resiliencetypes.AIModel]breaker.Config {
	return map[resiliencetypes.AIModel]breaker.Config{
		resiliencetypes.ModelDetector: {FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, HalfOpenMaxCalls: 2, SuccessThreshold: 2},
		resiliencetypes.ModelRiskLLM:  {FailureThreshold: 5, RecoveryTimeout: 90 * time.Second, HalfOpenMaxCalls: 3, SuccessThreshold: 2},
		resiliencetypes.ModelCaption:  {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, HalfOpenMaxCalls: 3, SuccessThreshold: 2},
		resiliencetypes.ModelEmbedding: {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, HalfOpenMaxCalls: 3, SuccessThreshold: 2},
	}
}

// objectTypeScores is the fixed heuristic table from spec.md section 4.E.
var objectTypeScores = map[string]int{
	"person":     60,
	"vehicle":    50,
	"car":        50,
	"truck":      55,
	"motorcycle": 45,
	"bicycle":    30,
	"dog":        25,
	"cat":        20,
	"bird":       10,
	"unknown":    50,
}

const defaultObjectTypeScore = 50

// ModelState is the per-model tracked state (spec.md ModelState).
type ModelState struct {
	Model         resiliencetypes.AIModel
	Status        resiliencetypes.ModelStatus
	CircuitState  resiliencetypes.CallState
	LastSuccessAt time.Time
	FailureCount  int
	ErrorMessage  string
	LastCheckAt   time.Time
}

// riskCacheEntry pairs a cached score with the monotonic time it was set,
// so TTL expiry does not depend on wall-clock adjustments.
type riskCacheEntry struct {
	score int
	at    time.Time
}

// StatusCallback receives the full per-model status map whenever any
// model's derived status changes.
type StatusCallback func(states map[resiliencetypes.AIModel]ModelState)

// Service tracks model availability and produces fallback outputs.
type Service struct {
	cacheTTL time.Duration

	mu        sync.Mutex
	states    map[resiliencetypes.AIModel]ModelState
	breakers  map[resiliencetypes.AIModel]*breaker.Breaker
	riskCache map[string]riskCacheEntry
	callbacks []StatusCallback
}

func New(cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	s := &Service{
		cacheTTL:  cacheTTL,
		states:    make(map[resiliencetypes.AIModel]ModelState),
		breakers:  make(map[resiliencetypes.AIModel]*breaker.Breaker),
		riskCache: make(map[string]riskCacheEntry),
	}
	for _, model := range []resiliencetypes.AIModel{
		resiliencetypes.ModelDetector, resiliencetypes.ModelRiskLLM,
		resiliencetypes.ModelCaption, resiliencetypes.ModelEmbedding,
	} {
		// Pre-probe default is Unavailable, not Healthy: spec.md's
		// ModelStatus enum has no Unknown value, so Unavailable is the
		// closest in-enum state satisfying the "do not default to
		// Healthy" resolution of the corresponding open question in
		// section 9.
		s.states[model] = ModelState{Model: model, Status: resiliencetypes.ModelUnavailable, CircuitState: resiliencetypes.StateClosed}
	}
	return s
}

// RegisterCircuitBreaker associates a breaker with a model; its state
// drives the model's derived status.
func (s *Service) RegisterCircuitBreaker(model resiliencetypes.AIModel, b *breaker.Breaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[model] = b
}

func (s *Service) RegisterStatusCallback(cb StatusCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// statusFromCircuitState maps breaker state to model status per spec.md
// section 4.E: Open -> Unavailable, HalfOpen -> Degraded, Closed -> Healthy.
func statusFromCircuitState(cs resiliencetypes.CallState) resiliencetypes.ModelStatus {
	switch cs {
	case resiliencetypes.StateOpen:
		return resiliencetypes.ModelUnavailable
	case resiliencetypes.StateHalfOpen:
		return resiliencetypes.ModelDegraded
	default:
		return resiliencetypes.ModelHealthy
	}
}

// RefreshFromBreakers recomputes every model's state from its registered
// breaker (where one is registered) and notifies status callbacks if
// anything changed.
func (s *Service) RefreshFromBreakers() {
	s.mu.Lock()
	changed := false
	var snapshot map[resiliencetypes.AIModel]ModelState

	for model, b := range s.breakers {
		snap := b.Snapshot()
		prev := s.states[model]
		next := prev
		next.CircuitState = snap.State
		next.Status = statusFromCircuitState(snap.State)
		next.FailureCount = snap.FailureCount
		next.LastCheckAt = time.Now()
		if next.Status == resiliencetypes.ModelHealthy {
			next.LastSuccessAt = time.Now()
			next.ErrorMessage = ""
		}
		if next.Status != prev.Status {
			changed = true
		}
		s.states[model] = next
	}

	if changed {
		snapshot = make(map[resiliencetypes.AIModel]ModelState, len(s.states))
		for k, v := range s.states {
			snapshot[k] = v
		}
	}
	callbacks := append([]StatusCallback(nil), s.callbacks...)
	s.mu.Unlock()

	if snapshot != nil {
		s.notify(callbacks, snapshot)
	}
}

func (s *Service) notify(callbacks []StatusCallback, snapshot map[resiliencetypes.AIModel]ModelState) {
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// a misbehaving callback must never affect the others.
					log.Error().Interface("panic", r).Msg("ai fallback status callback failed")
				}
			}()
			cb(snapshot)
		}()
	}
}

func (s *Service) GetModelState(model resiliencetypes.AIModel) ModelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[model]
}

func (s *Service) IsModelAvailable(model resiliencetypes.AIModel) bool {
	st := s.GetModelState(model)
	return st.Status != resiliencetypes.ModelUnavailable
}

// DegradationLevel implements the rule in spec.md section 3.
func (s *Service) DegradationLevel() resiliencetypes.DegradationLevel {
	s.mu.Lock()
	defer s.mu.Unlock()

	critical := resiliencetypes.CriticalAIModels()
	criticalUnavailable, nonCriticalUnavailable := 0, 0
	for model, st := range s.states {
		if st.Status != resiliencetypes.ModelUnavailable {
			continue
		}
		if critical[model] {
			criticalUnavailable++
		} else {
			nonCriticalUnavailable++
		}
	}

	switch {
	case criticalUnavailable == len(critical):
		return resiliencetypes.LevelOffline
	case criticalUnavailable > 0:
		return resiliencetypes.LevelMinimal
	case nonCriticalUnavailable > 0:
		return resiliencetypes.LevelDegraded
	default:
		return resiliencetypes.LevelNormal
	}
}

// AvailableFeatures lists AI capabilities gated by per-model availability,
// supplemented per SPEC_FULL section 3 from ai_fallback.py's
// get_available_features.
func (s *Service) AvailableFeatures() []string {
	features := []string{"storage"}
	if s.IsModelAvailable(resiliencetypes.ModelDetector) {
		features = append(features, "detection")
	}
	if s.IsModelAvailable(resiliencetypes.ModelRiskLLM) {
		features = append(features, "risk_analysis")
	}
	if s.IsModelAvailable(resiliencetypes.ModelCaption) {
		features = append(features, "captioning")
	}
	if s.IsModelAvailable(resiliencetypes.ModelEmbedding) {
		features = append(features, "embedding")
	}
	return features
}

// RiskAnalysis is the fallback risk output (spec.md FallbackRiskAnalysis).
type RiskAnalysis struct {
	RiskScore  int
	Reasoning  string
	IsFallback bool
	Source     string
}

// CacheRiskScore records the last-seen score for a camera.
func (s *Service) CacheRiskScore(cameraName string, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskCache[cameraName] = riskCacheEntry{score: score, at: time.Now()}
}

func (s *Service) cachedScore(cameraName string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.riskCache[cameraName]
	if !ok {
		return 0, false
	}
	if time.Since(entry.at) > s.cacheTTL {
		return 0, false
	}
	return entry.score, true
}

// FallbackRiskAnalysis implements the ordered fallback rule from spec.md
// section 4.E: cached score, then object-type average, then the fixed
// default.
func (s *Service) FallbackRiskAnalysis(cameraName string, objectTypes []string) RiskAnalysis {
	if cameraName != "" {
		if score, ok := s.cachedScore(cameraName); ok {
			return RiskAnalysis{
				RiskScore:  score,
				Reasoning:  fmt.Sprintf("Using cached risk score for %s; risk analysis model is currently unavailable", cameraName),
				IsFallback: true,
				Source:     "cache",
			}
		}
	}

	if len(objectTypes) > 0 {
		total := 0
		for _, t := range objectTypes {
			total += objectTypeScore(t)
		}
		avg := total / len(objectTypes)
		return RiskAnalysis{
			RiskScore:  avg,
			Reasoning:  "Using object-type risk heuristic; risk analysis model is currently unavailable",
			IsFallback: true,
			Source:     "object_type_estimate",
		}
	}

	return RiskAnalysis{
		RiskScore:  defaultObjectTypeScore,
		Reasoning:  "Using default risk score; risk analysis model is currently unavailable",
		IsFallback: true,
		Source:     "default",
	}
}

func objectTypeScore(objectType string) int {
	if score, ok := objectTypeScores[strings.ToLower(objectType)]; ok {
		return score
	}
	return defaultObjectTypeScore
}

// FallbackCaption synthesizes a caption from object types and camera name.
func (s *Service) FallbackCaption(objectTypes []string, cameraName string) string {
	if len(objectTypes) == 0 {
		if cameraName != "" {
			return fmt.Sprintf("Activity detected at %s", cameraName)
		}
		return "Activity detected"
	}

	objectsStr := strings.Join(objectTypes, ", ")
	capitalized := strings.ToUpper(objectsStr[:1]) + objectsStr[1:]
	if cameraName != "" {
		return fmt.Sprintf("%s detected at %s", capitalized, cameraName)
	}
	return fmt.Sprintf("%s detected", capitalized)
}

// FallbackEmbeddingDim is the length of the zero-vector marker embedding.
const FallbackEmbeddingDim = 768

// FallbackEmbedding returns a 768-length zero vector — a marker that will
// not match any real embedding.
func (s *Service) FallbackEmbedding() []float64 {
	return make([]float64, FallbackEmbeddingDim)
}

func (s *Service) ShouldSkipDetection() bool {
	return !s.IsModelAvailable(resiliencetypes.ModelDetector)
}

func (s *Service) ShouldUseDefaultRisk() bool {
	return !s.IsModelAvailable(resiliencetypes.ModelRiskLLM)
}

func (s *Service) ShouldSkipCaptions() bool {
	return !s.IsModelAvailable(resiliencetypes.ModelCaption)
}

func (s *Service) ShouldSkipEmbeddings() bool {
	return !s.IsModelAvailable(resiliencetypes.ModelEmbedding)
}
