package events

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Seq = uint64(len(s.events) + 1)
	body := make([]byte, len(ev.Body))
	copy(body, ev.Body)
	ev.Body = body
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *MemoryStore) Range(_ context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if q.IntentID != "" && ev.IntentID != q.IntentID {
			continue
		}
		if q.PlanID != "" && ev.PlanID != q.PlanID {
			continue
		}
		if q.AfterSeq > 0 && ev.Seq <= q.AfterSeq {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ByIntent(ctx context.Context, intentID string) ([]Event, error) {
	return s.Range(ctx, Query{IntentID: intentID})
}

func (s *MemoryStore) LastSeq(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

func (s *MemoryStore) Close() error { return nil }
