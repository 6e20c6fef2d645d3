package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/buildrelay/internal/domain"
)

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, opts...), mr
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := setupRedisStore(t)
		fn(t, s)
	})
}

func TestStoreGetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Get(context.Background(), "")
		assert.ErrorIs(t, err, ErrInvalidID)

		_, err = s.GetByTraceID(context.Background(), "temp.req-x")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreUpsertCreatesAndUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.Upsert(ctx, "a1", func(rec *domain.ConversationRecord) error {
			rec.TraceID = "temp.req-1"
			rec.AppendUserMessage("build a todo app")
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, s.AppendUserMessage(ctx, "a1", "add auth"))

		err = s.Upsert(ctx, "a1", func(rec *domain.ConversationRecord) error {
			rec.AgentState = json.RawMessage(`{"s":1}`)
			return nil
		})
		require.NoError(t, err)

		rec, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "a1", rec.ApplicationID)
		assert.Equal(t, "temp.req-1", rec.TraceID)
		assert.JSONEq(t, `{"s":1}`, string(rec.AgentState))
		require.Len(t, rec.AllMessages, 2)
		assert.Equal(t, "add auth", rec.AllMessages[1].Content)
		assert.False(t, rec.CreatedAt.IsZero())
	})
}

func TestStoreAppendUserMessageRequiresRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.AppendUserMessage(context.Background(), "missing", "hello")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreMutationErrorAbortsWrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		boom := errors.New("boom")
		err := s.Upsert(context.Background(), "a1", func(rec *domain.ConversationRecord) error {
			rec.TraceID = "t"
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = s.Get(context.Background(), "a1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreUpsertHonoursCancellation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := s.Upsert(ctx, "a1", func(*domain.ConversationRecord) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestStoreTraceIndexKeepsLatest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := domain.AgentEvent{Status: domain.StatusRunning, TraceID: "t1", Message: domain.AgentMessage{Kind: domain.KindStageResult}}
		second := domain.AgentEvent{Status: domain.StatusIdle, TraceID: "t1", Message: domain.AgentMessage{Kind: domain.KindFinalResult}}
		require.NoError(t, s.PutTraceEvent(ctx, "t1", first))
		require.NoError(t, s.PutTraceEvent(ctx, "t1", second))

		got, err := s.GetByTraceID(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.KindFinalResult, got.Message.Kind)
		assert.Equal(t, domain.StatusIdle, got.Status)
	})
}

func TestStoreSerializesWritesPerApplication(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const writers = 20

		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Upsert(ctx, "shared", func(rec *domain.ConversationRecord) error {
					rec.AppendUserMessage(fmt.Sprintf("m%d", i))
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rec, err := s.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Len(t, rec.AllMessages, writers)
	})
}

func TestRedisStoreTTLAndPrefix(t *testing.T) {
	s, mr := setupRedisStore(t, WithTTL(time.Hour), WithPrefix("test"))
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a1", func(rec *domain.ConversationRecord) error {
		rec.TraceID = "t"
		return nil
	}))
	require.NoError(t, s.PutTraceEvent(ctx, "t", domain.AgentEvent{Message: domain.AgentMessage{Kind: domain.KindStageResult}}))

	assert.True(t, mr.Exists("test:conversation:a1"))
	assert.True(t, mr.Exists("test:trace:t"))
	assert.Equal(t, time.Hour, mr.TTL("test:conversation:a1"))

	mr.FastForward(2 * time.Hour)
	_, err := s.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
