package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/buildrelay/internal/domain"
)

// MemoryStore is an in-process Store. Records are lost on restart.
type MemoryStore struct {
	locks *keyedMutex

	mu      sync.RWMutex
	records map[string]*domain.ConversationRecord
	traces  map[string]domain.AgentEvent
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   newKeyedMutex(),
		records: make(map[string]*domain.ConversationRecord),
		traces:  make(map[string]domain.AgentEvent),
		now:     time.Now,
	}
}

// Get returns a copy of the record for applicationID.
func (s *MemoryStore) Get(_ context.Context, applicationID string) (*domain.ConversationRecord, error) {
	if applicationID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[applicationID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Upsert applies fn under the per-application lock.
func (s *MemoryStore) Upsert(ctx context.Context, applicationID string, fn Mutation) error {
	if applicationID == "" {
		return ErrInvalidID
	}
	unlock := s.locks.Lock(applicationID)
	defer unlock()

	// Cancellation is checked after the lock so a cancelled exchange never
	// writes behind a writer it was queued on.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	current, ok := s.records[applicationID]
	s.mu.RUnlock()

	var rec *domain.ConversationRecord
	now := s.now()
	if ok {
		rec = current.Clone()
	} else {
		rec = &domain.ConversationRecord{ApplicationID: applicationID, CreatedAt: now}
	}

	if err := fn(rec); err != nil {
		return err
	}
	rec.ApplicationID = applicationID
	rec.UpdatedAt = now

	s.mu.Lock()
	s.records[applicationID] = rec
	s.mu.Unlock()
	return nil
}

// AppendUserMessage appends a user message to an existing record.
func (s *MemoryStore) AppendUserMessage(ctx context.Context, applicationID, text string) error {
	return appendUserMessage(ctx, s, applicationID, text)
}

// PutTraceEvent replaces the latest event for traceID.
func (s *MemoryStore) PutTraceEvent(ctx context.Context, traceID string, ev domain.AgentEvent) error {
	if traceID == "" {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[traceID] = ev
	return nil
}

// GetByTraceID returns the latest event stored for traceID.
func (s *MemoryStore) GetByTraceID(_ context.Context, traceID string) (*domain.AgentEvent, error) {
	if traceID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.traces[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// appendUserMessage checks existence before writing. Records are never
// deleted, so the check cannot go stale.
func appendUserMessage(ctx context.Context, s Store, applicationID, text string) error {
	if _, err := s.Get(ctx, applicationID); err != nil {
		return err
	}
	return s.Upsert(ctx, applicationID, func(rec *domain.ConversationRecord) error {
		rec.AppendUserMessage(text)
		return nil
	})
}
