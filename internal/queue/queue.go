// Package queue provides the in-memory per-session work queue for PacePipe.
//
// Each session owns a FIFO of work items plus an in-flight flag. The store also
// keeps the aggregate counters so that every counter change happens under the
// same lock as the queue mutation it describes.
package queue

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/google/uuid"
)

type sessionQueue struct {
	items    []*models.WorkItem
	inFlight bool
}

// Store maps session names to their queues. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue
	stats  models.QueueStats
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		queues: make(map[string]*sessionQueue),
		stats:  models.QueueStats{BySession: make(map[string]int)},
		now:    time.Now,
	}
}

// NewID returns a fresh time-ordered identity (UUIDv7).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// queueLocked returns the session's queue, creating it if absent. Caller holds mu.
func (s *Store) queueLocked(session string) *sessionQueue {
	q, ok := s.queues[session]
	if !ok {
		q = &sessionQueue{}
		s.queues[session] = q
		if _, seen := s.stats.BySession[session]; !seen {
			s.stats.BySession[session] = 0
		}
	}
	return q
}

// Enqueue assigns a fresh identity, resets retry state and appends the item to
// the tail of its session's queue. It never blocks on dispatch. A zero
// MaxRetries becomes models.DefaultMaxRetries; models.NoRetries becomes 0.
func (s *Store) Enqueue(item models.WorkItem) string {
	item.ID = NewID()
	item.Retries = 0
	switch {
	case item.MaxRetries == models.NoRetries:
		item.MaxRetries = 0
	case item.MaxRetries <= 0:
		item.MaxRetries = models.DefaultMaxRetries
	}

	s.mu.Lock()
	item.CreatedAt = s.now()
	q := s.queueLocked(item.Session)
	q.items = append(q.items, &item)
	s.stats.Total++
	s.stats.Pending++
	s.stats.BySession[item.Session]++
	s.mu.Unlock()

	slog.Debug("Store.Enqueue: item queued", "id", item.ID, "session", item.Session)
	return item.ID
}

// Peek returns the head of the session's queue without removing it.
func (s *Store) Peek(session string) (*models.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[session]
	if !ok || len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Dequeue removes and returns the head of the session's queue.
func (s *Store) Dequeue(session string) (*models.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked(session)
}

func (s *Store) popLocked(session string) (*models.WorkItem, bool) {
	q, ok := s.queues[session]
	if !ok || len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	s.stats.Pending--
	s.stats.Processing++
	return item, true
}

// RequeueFront reinserts item at the head of its session's queue so it is the
// very next item attempted for that session.
func (s *Store) RequeueFront(session string, item *models.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeueLocked(session, item)
}

func (s *Store) requeueLocked(session string, item *models.WorkItem) {
	q := s.queueLocked(session)
	q.items = slices.Insert(q.items, 0, item)
	s.stats.Pending++
}

// TryAcquire atomically claims the session for one send: it fails when the
// queue is empty or a send is already in flight, otherwise it marks the session
// in flight and dequeues the head.
func (s *Store) TryAcquire(session string) (*models.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[session]
	if !ok || q.inFlight || len(q.items) == 0 {
		return nil, false
	}
	item, _ := s.popLocked(session)
	q.inFlight = true
	return item, true
}

// Release clears the session's in-flight flag.
func (s *Store) Release(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[session]; ok {
		q.inFlight = false
	}
}

// InFlight reports whether the session has a send outstanding.
func (s *Store) InFlight(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[session]
	return ok && q.inFlight
}

// MarkCompleted records a terminal success for a dequeued item.
func (s *Store) MarkCompleted(item *models.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Processing--
	s.stats.Completed++
	s.stats.BySession[item.Session]--
}

// MarkFailed records a terminal failure for a dequeued item.
func (s *Store) MarkFailed(item *models.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Processing--
	s.stats.Failed++
	s.stats.BySession[item.Session]--
}

// MarkRequeued moves a dequeued item back to the head of its queue for retry.
func (s *Store) MarkRequeued(item *models.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Processing--
	s.stats.Retried++
	s.requeueLocked(item.Session, item)
}

// MarkInterrupted puts back an item whose dispatch stopped before the send.
// The retry count is not touched.
func (s *Store) MarkInterrupted(item *models.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Processing--
	s.requeueLocked(item.Session, item)
}

// Size returns the number of items waiting in the session's queue.
func (s *Store) Size(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[session]; ok {
		return len(q.items)
	}
	return 0
}

// Sessions returns the sorted names of every session seen by Enqueue.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	s.mu.Unlock()
	slices.Sort(names)
	return names
}

// Stats returns a snapshot of the aggregate counters.
func (s *Store) Stats() models.QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Clone()
}
