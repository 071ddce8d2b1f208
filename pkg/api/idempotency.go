package api

import (
	"context"
	"sync"
	"time"
)

// CachedDecision is the stored outcome of a processed intent. BodyHash is
// the canonical hash of the submitted intent body; a resubmission with the
// same intent ID but a different hash is a conflict, never a replay.
type CachedDecision struct {
	IntentID   string    `json:"intent_id"`
	BodyHash   string    `json:"body_hash"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	CachedAt   time.Time `json:"cached_at"`
}

// IdempotencyStore persists decisions keyed by intent ID so a repeated
// submission returns the byte-identical first response.
type IdempotencyStore interface {
	// Get returns the cached decision for intentID, if present.
	Get(ctx context.Context, intentID string) (*CachedDecision, bool, error)
	// Put stores the decision. The first write wins; later writes for the
	// same intent ID are ignored.
	Put(ctx context.Context, dec CachedDecision) error
}

// MemoryIdempotencyStore keeps decisions in process memory with a TTL.
// Suitable for single-node deployments and tests.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedDecision
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store. Zero ttl means
// entries never expire.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*CachedDecision),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, intentID string) (*CachedDecision, bool, error) {
	s.mu.RLock()
	dec, ok := s.entries[intentID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.ttl > 0 && s.now().Sub(dec.CachedAt) > s.ttl {
		s.mu.Lock()
		delete(s.entries, intentID)
		s.mu.Unlock()
		return nil, false, nil
	}
	cp := *dec
	return &cp, true, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, dec CachedDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[dec.IntentID]; exists {
		return nil
	}
	if dec.CachedAt.IsZero() {
		dec.CachedAt = s.now()
	}
	body := make([]byte, len(dec.Body))
	copy(body, dec.Body)
	dec.Body = body
	s.entries[dec.IntentID] = &dec
	return nil
}
