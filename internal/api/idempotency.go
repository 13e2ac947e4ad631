package api

import (
	"sync"
	"time"
)

const (
	idempotencyPending   = "pending"
	idempotencyCompleted = "completed"
	idempotencyTTL       = time.Hour
)

type idempotencyEntry struct {
	status    string
	requestID string
	response  []byte
	at        time.Time
}

// idempotencyStore deduplicates order submissions by Idempotency-Key.
// A key stays pending from enqueue until the order resolves; completed
// entries replay the recorded response. Entries expire after an hour.
type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{entries: make(map[string]idempotencyEntry)}
}

func (s *idempotencyStore) get(key string) (idempotencyEntry, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.Sub(e.at) > idempotencyTTL {
			delete(s.entries, k)
		}
	}
	e, ok := s.entries[key]
	return e, ok
}

func (s *idempotencyStore) putPending(key, requestID string) {
	s.mu.Lock()
	s.entries[key] = idempotencyEntry{status: idempotencyPending, requestID: requestID, at: time.Now()}
	s.mu.Unlock()
}

func (s *idempotencyStore) putCompleted(key, requestID string, response []byte) {
	s.mu.Lock()
	s.entries[key] = idempotencyEntry{status: idempotencyCompleted, requestID: requestID, response: response, at: time.Now()}
	s.mu.Unlock()
}

func (s *idempotencyStore) drop(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}
