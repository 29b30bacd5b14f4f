package retry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/khryptorgraphics/hsi-resilience-core/pkg/broker"
)

// fakeBroker is an in-memory broker.Adapter for tests: a slice of queues
// keyed by name, with a hook to force enqueue failures (simulating a
// broker outage on the DLQ write path).
type fakeBroker struct {
	mu          sync.Mutex
	queues      map[string][]json.RawMessage
	failEnqueue bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[string][]json.RawMessage)}
}

func (f *fakeBroker) SafeEnqueue(queueName string, item json.RawMessage, policy broker.OverflowPolicy) broker.EnqueueResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnqueue {
		return broker.EnqueueResult{Success: false, Err: errors.New("broker unavailable")}
	}
	f.queues[queueName] = append(f.queues[queueName], item)
	return broker.EnqueueResult{Success: true, QueueLength: len(f.queues[queueName])}
}

func (f *fakeBroker) Dequeue(queueName string, timeout time.Duration) (json.RawMessage, bool) {
	return f.NonblockingPop(queueName)
}

func (f *fakeBroker) NonblockingPop(queueName string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[queueName]
	if len(q) == 0 {
		return nil, false
	}
	item := q[0]
	f.queues[queueName] = q[1:]
	return item, true
}

func (f *fakeBroker) Length(queueName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[queueName]), nil
}

func (f *fakeBroker) Peek(queueName string, limit int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[queueName]
	if limit > 0 && limit < len(q) {
		q = q[:limit]
	}
	out := make([]json.RawMessage, len(q))
	copy(out, q)
	return out, nil
}

func (f *fakeBroker) Clear(queueName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, queueName)
	return nil
}

func (f *fakeBroker) Ping() error { return nil }
