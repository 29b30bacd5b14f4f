// Package fallbackqueue implements the durable on-disk FIFO used when a
// named broker queue is unavailable: one JSON file per entry, named so
// that lexicographic ordering is FIFO order.
//
// Grounded on backend/services/degradation_manager.py's FallbackQueue
// class (filename scheme, oldest-evicted-on-overflow, peek tolerating
// corrupted entries).
package fallbackqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is the on-disk record for one queued item, matching the
// {"item": ..., "queued_at": ...} shape from SPEC_FULL section 6.
type Entry struct {
	Item     json.RawMessage `json:"item"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Queue is one named durable FIFO rooted at <root>/<name>.
type Queue struct {
	name    string
	dir     string
	maxSize int

	mu  sync.Mutex
	seq uint32 // monotonic tie-breaker within a process, per SPEC_FULL filename format
}

// New creates (or reopens) the queue's directory. maxSize <= 0 means
// unbounded.
func New(root, name string, maxSize int) (*Queue, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fallbackqueue: create dir %s: %w", dir, err)
	}
	return &Queue{name: name, dir: dir, maxSize: maxSize}, nil
}

func (q *Queue) filenames() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of entries currently on disk.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.filenames()
	if err != nil {
		log.Warn().Err(err).Str("queue", q.name).Msg("fallback queue count failed")
		return 0
	}
	return len(names)
}

// nextFilename builds <YYYYMMDD_HHMMSS_ffffff>_<6-digit-seq>.json, matching
// SPEC_FULL section 6's on-disk fallback format exactly.
func (q *Queue) nextFilename() string {
	seq := atomic.AddUint32(&q.seq, 1)
	now := time.Now().UTC()
	ts := fmt.Sprintf("%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
	return fmt.Sprintf("%s_%06d.json", ts, seq%1000000)
}

// Enqueue durably writes item to disk, evicting the oldest entries first
// if the queue is at max size. Returns false (and logs) on any I/O
// failure; the queue remains usable afterward.
func (q *Queue) Enqueue(item json.RawMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 {
		names, err := q.filenames()
		if err != nil {
			log.Warn().Err(err).Str("queue", q.name).Msg("fallback queue list failed")
		} else {
			for len(names) >= q.maxSize {
				oldest := names[0]
				if err := os.Remove(filepath.Join(q.dir, oldest)); err != nil {
					log.Warn().Err(err).Str("queue", q.name).Str("file", oldest).Msg("failed to evict oldest fallback entry")
					break
				}
				log.Warn().Str("queue", q.name).Str("evicted", oldest).Msg("fallback queue at capacity, dropping oldest entry")
				names = names[1:]
			}
		}
	}

	entry := Entry{Item: item, QueuedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("queue", q.name).Msg("failed to marshal fallback entry")
		return false
	}

	path := filepath.Join(q.dir, q.nextFilename())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err == nil {
		_, err = f.Write(data)
		if err == nil {
			err = f.Sync()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		log.Error().Err(err).Str("queue", q.name).Str("path", path).Msg("failed to write fallback entry")
		return false
	}
	return true
}

// Dequeue pops and removes the oldest entry, or returns (nil, false) if
// the queue is empty or the oldest file could not be read.
func (q *Queue) Dequeue() (json.RawMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.filenames()
	if err != nil || len(names) == 0 {
		return nil, false
	}
	path := filepath.Join(q.dir, names[0])
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("queue", q.name).Str("file", names[0]).Msg("failed to read fallback entry, skipping")
		_ = os.Remove(path)
		return nil, false
	}
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("queue", q.name).Str("file", names[0]).Msg("failed to remove dequeued fallback entry")
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warn().Err(err).Str("queue", q.name).Str("file", names[0]).Msg("corrupted fallback entry discarded")
		return nil, false
	}
	return entry.Item, true
}

// Peek non-destructively returns up to limit oldest entries, skipping any
// individually corrupted files rather than failing the whole call.
func (q *Queue) Peek(limit int) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.filenames()
	if err != nil {
		return nil
	}
	if limit > 0 && limit < len(names) {
		names = names[:limit]
	}

	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		out = append(out, entry.Item)
	}
	return out
}
