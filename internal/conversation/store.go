// Package conversation keeps the resumable state of agent conversations.
package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/buildrelay/internal/domain"
)

var (
	// ErrNotFound is returned when no record or trace event exists for a key.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidID is returned for empty application or trace ids.
	ErrInvalidID = errors.New("invalid conversation id")
)

// Mutation edits a record in place. Returning an error aborts the write.
type Mutation func(rec *domain.ConversationRecord) error

// Store maps application ids to conversation records and trace ids to the most
// recent event of that trace. Writes for one application id are serialized;
// different application ids proceed independently.
type Store interface {
	// Get returns a copy of the record for applicationID.
	Get(ctx context.Context, applicationID string) (*domain.ConversationRecord, error)

	// Upsert applies fn to the current record, or to a fresh record when none
	// exists, and stores the result.
	Upsert(ctx context.Context, applicationID string, fn Mutation) error

	// AppendUserMessage appends a user message to an existing record.
	AppendUserMessage(ctx context.Context, applicationID, text string) error

	// PutTraceEvent replaces the most recent event stored for traceID.
	PutTraceEvent(ctx context.Context, traceID string, ev domain.AgentEvent) error

	// GetByTraceID returns the most recent event stored for traceID.
	GetByTraceID(ctx context.Context, traceID string) (*domain.AgentEvent, error)
}

// keyedMutex hands out one mutex per key. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
