// Package syncqueue persists session payloads bound for a remote service
// and retries uploads with exponential backoff. The queue file survives
// restarts; every mutation rewrites it atomically.
package syncqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/savecontext/savecontext/internal/debug"
)

// Backoff policy: next_retry = now + min(base * 2^retries, cap). Items
// that fail maxRetries times are dropped.
const (
	backoffBase = 60 * time.Second
	backoffCap  = 3600 * time.Second
	maxRetries  = 5
)

// Item is one queued upload.
type Item struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Retries     int             `json:"retries"`
	NextRetryAt int64           `json:"next_retry_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// Queue is the durable sync queue. All methods are safe for concurrent use.
type Queue struct {
	mu   sync.Mutex
	path string
	now  func() time.Time

	items []*Item
}

// Load opens the queue at path, reading any persisted items. A missing
// file yields an empty queue.
func Load(path string) (*Queue, error) {
	q := &Queue{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(data) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return nil, fmt.Errorf("failed to parse sync queue: %w", err)
	}
	return q, nil
}

// Enqueue adds a payload and persists the queue. The first scheduled
// attempt lands one backoff interval out; an explicit sync can still pick
// the item up immediately.
func (q *Queue) Enqueue(payload json.RawMessage) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &Item{
		ID:          uuid.NewString(),
		Payload:     payload,
		NextRetryAt: q.now().Add(backoffBase).UnixMilli(),
		CreatedAt:   q.now().UnixMilli(),
	}
	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return nil, err
	}
	return item, nil
}

// Ready returns copies of the items due now, oldest first.
func (q *Queue) Ready() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	var ready []Item
	for _, item := range q.items {
		if item.NextRetryAt <= now {
			ready = append(ready, *item)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt < ready[j].CreatedAt })
	return ready
}

// All returns copies of every queued item, oldest first, regardless of
// retry schedule.
func (q *Queue) All() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt < items[j].CreatedAt })
	return items
}

// Len reports how many items are queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Complete removes a successfully uploaded item.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
	return q.persistLocked()
}

// Fail records a retryable failure. The item backs off exponentially and
// drops out of the queue after maxRetries attempts.
func (q *Queue) Fail(id, reason string) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.findLocked(id)
	if item == nil {
		return false, nil
	}
	item.Retries++
	item.LastError = reason
	if item.Retries >= maxRetries {
		debug.Logf("sync: dropping %s after %d retries: %s", id, item.Retries, reason)
		q.removeLocked(id)
		return true, q.persistLocked()
	}

	delay := backoffBase << (item.Retries - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	item.NextRetryAt = q.now().Add(delay).UnixMilli()
	return false, q.persistLocked()
}

// Drop removes an item that should never retry (permanent failure).
func (q *Queue) Drop(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	debug.Logf("sync: dropping %s: %s", id, reason)
	q.removeLocked(id)
	return q.persistLocked()
}

func (q *Queue) findLocked(id string) *Item {
	for _, item := range q.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// persistLocked writes the queue atomically: temp file in the same
// directory, then rename over the live file.
func (q *Queue) persistLocked() error {
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sync queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("failed to create sync queue directory: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sync queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("failed to replace sync queue: %w", err)
	}
	return nil
}
