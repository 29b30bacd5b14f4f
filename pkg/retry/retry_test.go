package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/hsi-resilience-core/pkg/breaker"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resilienceerrors"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resiliencetypes"
)

func TestConfig_DelayFormula(t *testing.T) {
	cfg := Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, ExponentialBase: 2, Jitter: false}
	assert.Equal(t, 10*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(2)) // raw would be 20ms, equals cap
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(3)) // raw would be 40ms, capped
}

func TestHandler_SucceedsWithoutRetry(t *testing.T) {
	h := NewHandler(newFakeBroker(), DefaultConfig(), breaker.Config{})
	calls := 0
	result := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}, json.RawMessage(`{}`), "detection_queue")

	assert.True(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.MovedToDLQ)
}

func TestHandler_BreakerRejectedIsNeverRetried(t *testing.T) {
	fb := newFakeBroker()
	h := NewHandler(fb, Config{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2, Jitter: false}, breaker.Config{})

	calls := 0
	result := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, resilienceerrors.BreakerRejected("downstream", resiliencetypes.StateOpen)
	}, json.RawMessage(`{"id":1}`), "detection_queue")

	require.False(t, result.Success)
	assert.Equal(t, 1, calls, "a BreakerRejected failure must not be retried")
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.MovedToDLQ, "a BreakerRejected failure is surfaced to the caller, not written to the DLQ")
}

func TestHandler_ExcludedKindIsNeverRetried(t *testing.T) {
	fb := newFakeBroker()
	cfg := Config{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2, Jitter: false,
		ExcludedErrorKinds: map[resilienceerrors.Kind]bool{resilienceerrors.KindClientError: true}}
	h := NewHandler(fb, cfg, breaker.Config{})

	calls := 0
	result := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, resilienceerrors.ClientError(404, "not found")
	}, json.RawMessage(`{"id":2}`), "detection_queue")

	require.False(t, result.Success)
	assert.Equal(t, 1, calls, "an excluded error kind must not be retried")
	assert.False(t, result.MovedToDLQ)
}

func TestHandler_ExhaustionWritesDLQ(t *testing.T) {
	fb := newFakeBroker()
	h := NewHandler(fb, Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2, Jitter: false}, breaker.Config{})

	result := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, json.RawMessage(`{"id":7}`), "detection_queue")

	require.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.True(t, result.MovedToDLQ)

	jobs := h.GetDLQJobs(resiliencetypes.DLQName("detection_queue"), 10)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"id":7}`, string(jobs[0].OriginalJob))
	assert.Equal(t, "boom", jobs[0].Error)
	assert.Equal(t, 3, jobs[0].AttemptCount)
}

func TestHandler_WithoutBrokerNeverMovesToDLQ(t *testing.T) {
	h := NewHandler(nil, Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 1, Jitter: false}, breaker.Config{})
	result := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, json.RawMessage(`{}`), "detection_queue")

	assert.False(t, result.Success)
	assert.False(t, result.MovedToDLQ)
}

func TestHandler_DLQBreakerTripsAndLogsCriticalLoss(t *testing.T) {
	fb := newFakeBroker()
	fb.failEnqueue = true
	h := NewHandler(fb, Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 1, Jitter: false},
		breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1})

	jobA := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) { return nil, errors.New("boom") }, json.RawMessage(`{"n":"A"}`), "detection_queue")
	assert.False(t, jobA.MovedToDLQ)

	jobB := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) { return nil, errors.New("boom") }, json.RawMessage(`{"n":"B"}`), "detection_queue")
	assert.False(t, jobB.MovedToDLQ)

	assert.True(t, h.IsDLQCircuitOpen(), "two consecutive DLQ write failures must trip the dlq breaker")

	jobC := h.WithRetry(context.Background(), func(ctx context.Context) (any, error) { return nil, errors.New("boom") }, json.RawMessage(`{"n":"C"}`), "detection_queue")
	assert.False(t, jobC.MovedToDLQ, "while the dlq breaker is open, writes must be skipped entirely")
}

func TestHandler_PopToReturnsItemOnEnqueueFailure(t *testing.T) {
	fb := newFakeBroker()
	h := NewHandler(fb, DefaultConfig(), breaker.Config{})
	dlq := resiliencetypes.DLQName("detection_queue")
	jf := JobFailure{OriginalJob: json.RawMessage(`{"id":1}`), Error: "boom", AttemptCount: 3, QueueName: "detection_queue"}
	raw, _ := json.Marshal(jf)
	fb.queues[dlq] = []json.RawMessage{raw}

	fb.failEnqueue = true
	ok := h.PopTo(dlq, "detection_queue")
	assert.False(t, ok)

	jobs := h.GetDLQJobs(dlq, 10)
	require.Len(t, jobs, 1, "failed re-enqueue must put the item back on the DLQ")
}

func TestHandler_MoveDLQJobToQueue(t *testing.T) {
	fb := newFakeBroker()
	h := NewHandler(fb, DefaultConfig(), breaker.Config{})
	dlq := resiliencetypes.DLQName("detection_queue")
	jf := JobFailure{OriginalJob: json.RawMessage(`{"id":1}`), Error: "boom"}
	raw, _ := json.Marshal(jf)
	fb.queues[dlq] = []json.RawMessage{raw}

	ok := h.MoveDLQJobToQueue(dlq, "analysis_queue")
	require.True(t, ok)

	items, _ := fb.Peek("analysis_queue", 10)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"id":1}`, string(items[0]))
}

func TestHandler_ClearAndStats(t *testing.T) {
	fb := newFakeBroker()
	h := NewHandler(fb, DefaultConfig(), breaker.Config{})
	fb.queues[resiliencetypes.DLQName(resiliencetypes.DetectionQueue)] = []json.RawMessage{[]byte(`{}`), []byte(`{}`)}
	fb.queues[resiliencetypes.DLQName(resiliencetypes.AnalysisQueue)] = []json.RawMessage{[]byte(`{}`)}

	stats := h.GetDLQStats()
	assert.Equal(t, 2, stats.DetectionQueueCount)
	assert.Equal(t, 1, stats.AnalysisQueueCount)
	assert.Equal(t, 3, stats.TotalCount)

	assert.True(t, h.ClearDLQ(resiliencetypes.DLQName(resiliencetypes.DetectionQueue)))
	stats = h.GetDLQStats()
	assert.Equal(t, 0, stats.DetectionQueueCount)
}
