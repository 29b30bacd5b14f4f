package fallbackqueue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueDequeueFIFO(t *testing.T) {
	q, err := New(t.TempDir(), "detection_queue", 0)
	require.NoError(t, err)

	require.True(t, q.Enqueue(json.RawMessage(`{"x":1}`)))
	require.True(t, q.Enqueue(json.RawMessage(`{"x":2}`)))
	assert.Equal(t, 2, q.Count())

	first, ok := q.Dequeue()
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(first))

	second, ok := q.Dequeue()
	require.True(t, ok)
	assert.JSONEq(t, `{"x":2}`, string(second))

	_, ok = q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Count())
}

func TestQueue_EvictsOldestAtMaxSize(t *testing.T) {
	q, err := New(t.TempDir(), "detection_queue", 2)
	require.NoError(t, err)

	require.True(t, q.Enqueue(json.RawMessage(`{"x":1}`)))
	require.True(t, q.Enqueue(json.RawMessage(`{"x":2}`)))
	require.True(t, q.Enqueue(json.RawMessage(`{"x":3}`)))

	assert.LessOrEqual(t, q.Count(), 2)
	remaining := q.Peek(10)
	require.Len(t, remaining, 2)
	assert.JSONEq(t, `{"x":2}`, string(remaining[0]))
	assert.JSONEq(t, `{"x":3}`, string(remaining[1]))
}

func TestQueue_PeekIsNonDestructive(t *testing.T) {
	q, err := New(t.TempDir(), "detection_queue", 0)
	require.NoError(t, err)
	require.True(t, q.Enqueue(json.RawMessage(`{"x":1}`)))

	first := q.Peek(10)
	second := q.Peek(10)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, q.Count())
}

func TestQueue_DequeueOnEmptyDir(t *testing.T) {
	q, err := New(t.TempDir(), "empty", 0)
	require.NoError(t, err)
	_, ok := q.Dequeue()
	assert.False(t, ok)
}
