// Package broker declares the external message-broker contract the
// resilience core depends on. The broker's own implementation is
// explicitly out of scope (SPEC_FULL section 1) — this package holds only
// the interface and the result/value types the retry handler and
// degradation manager call through.
package broker

import (
	"encoding/json"
	"time"
)

// OverflowPolicy controls what a broker does when a queue is over
// capacity on enqueue.
type OverflowPolicy string

const (
	// OverflowDLQ routes the overflowing item straight to the queue's DLQ.
	OverflowDLQ OverflowPolicy = "dlq"
	// OverflowReject fails the enqueue instead of accepting the item.
	OverflowReject OverflowPolicy = "reject"
)

// EnqueueResult is the broker's safe_enqueue response shape from
// SPEC_FULL section 6.
type EnqueueResult struct {
	Success         bool
	QueueLength     int
	HadBackpressure bool
	MovedToDLQCount int
	Err             error
}

// Adapter is the typed queue interface the resilience core calls through.
// Implementations (Redis, a different broker, an in-process fake for
// tests) live outside this module.
type Adapter interface {
	SafeEnqueue(queueName string, item json.RawMessage, policy OverflowPolicy) EnqueueResult
	Dequeue(queueName string, timeout time.Duration) (json.RawMessage, bool)
	NonblockingPop(queueName string) (json.RawMessage, bool)
	Length(queueName string) (int, error)
	Peek(queueName string, limit int) ([]json.RawMessage, error)
	Clear(queueName string) error
	Ping() error
}
