package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/buildrelay/internal/domain"
)

const maxTxRetries = 5

// RedisStore is a Store backed by Redis. Records and trace events are stored
// as JSON values. Writes are serialized per application in-process and guarded
// by WATCH transactions across processes.
type RedisStore struct {
	client redis.UniversalClient
	locks  *keyedMutex
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL expires records and trace events after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "buildrelay".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed conversation store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		locks:  newKeyedMutex(),
		prefix: "buildrelay",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordKey(applicationID string) string {
	return s.prefix + ":conversation:" + applicationID
}

func (s *RedisStore) traceKey(traceID string) string {
	return s.prefix + ":trace:" + traceID
}

// Get loads the record for applicationID.
func (s *RedisStore) Get(ctx context.Context, applicationID string) (*domain.ConversationRecord, error) {
	if applicationID == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.recordKey(applicationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get conversation: %w", err)
	}
	var rec domain.ConversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &rec, nil
}

// Upsert applies fn inside a WATCH transaction on the record key, retrying
// when another process wrote the key concurrently.
func (s *RedisStore) Upsert(ctx context.Context, applicationID string, fn Mutation) error {
	if applicationID == "" {
		return ErrInvalidID
	}
	unlock := s.locks.Lock(applicationID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	key := s.recordKey(applicationID)
	txf := func(tx *redis.Tx) error {
		now := s.now()
		rec := &domain.ConversationRecord{ApplicationID: applicationID, CreatedAt: now}

		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get conversation: %w", err)
		default:
			if err := json.Unmarshal(data, rec); err != nil {
				return fmt.Errorf("unmarshal conversation: %w", err)
			}
		}

		if err := fn(rec); err != nil {
			return err
		}
		rec.ApplicationID = applicationID
		rec.UpdatedAt = now

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis upsert %s: transaction retries exhausted", applicationID)
}

// AppendUserMessage appends a user message to an existing record.
func (s *RedisStore) AppendUserMessage(ctx context.Context, applicationID, text string) error {
	return appendUserMessage(ctx, s, applicationID, text)
}

// PutTraceEvent replaces the latest event stored for traceID.
func (s *RedisStore) PutTraceEvent(ctx context.Context, traceID string, ev domain.AgentEvent) error {
	if traceID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	if err := s.client.Set(ctx, s.traceKey(traceID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set trace event: %w", err)
	}
	return nil
}

// GetByTraceID returns the latest event stored for traceID.
func (s *RedisStore) GetByTraceID(ctx context.Context, traceID string) (*domain.AgentEvent, error) {
	if traceID == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.traceKey(traceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get trace event: %w", err)
	}
	var ev domain.AgentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal trace event: %w", err)
	}
	return &ev, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
