package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisSessionStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSessionStoreFromClient(client, "test:", time.Hour, "ar")
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestMemorySessionStore_GetOrCreateUnknownID(t *testing.T) {
	store := NewMemorySessionStore("ar")
	ctx := context.Background()

	sess, created, err := store.GetOrCreate(ctx, "does-not-exist", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "does-not-exist", sess.ID)
	assert.Equal(t, "web_user_does-not", sess.State.UserID)
	assert.Equal(t, "ar", sess.State.Language)

	again, created, err := store.GetOrCreate(ctx, "does-not-exist", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, sess, again)
	assert.Equal(t, 1, store.Count(ctx))
}

func TestMemorySessionStore_GetMissing(t *testing.T) {
	store := NewMemorySessionStore("ar")
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemorySessionStore_Cleanup(t *testing.T) {
	store := NewMemorySessionStore("ar")
	ctx := context.Background()

	old, err := store.Create(ctx, "u1")
	require.NoError(t, err)
	fresh, err := store.Create(ctx, "u2")
	require.NoError(t, err)
	old.LastActivity = time.Now().Add(-25 * time.Hour)

	evicted, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, evicted)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestMemorySessionStore_ConcurrentGetOrCreate(t *testing.T) {
	store := NewMemorySessionStore("ar")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Session, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, _, err := store.GetOrCreate(ctx, "shared", "")
			if err == nil {
				results[i] = sess
			}
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		require.NotNil(t, s)
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, store.Count(ctx))
}

func TestRedisSessionStore_RoundTrip(t *testing.T) {
	_, store := setupMiniredis(t)
	ctx := context.Background()

	sess, created, err := store.GetOrCreate(ctx, "sess-1", "visitor")
	require.NoError(t, err)
	require.True(t, created)

	sess.State.Messages = append(sess.State.Messages, schema.UserMessage("hello"))
	sess.State.Email = "a@b.com"
	require.NoError(t, store.Save(ctx, sess))

	loaded, created, err := store.GetOrCreate(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "visitor", loaded.State.UserID)
	assert.Equal(t, "a@b.com", loaded.State.Email)
	require.Len(t, loaded.State.Messages, 1)
	assert.Equal(t, "hello", loaded.State.Messages[0].Content)
	assert.Equal(t, 1, store.Count(ctx))
}

func TestRedisSessionStore_SharedTurnLock(t *testing.T) {
	_, store := setupMiniredis(t)
	ctx := context.Background()

	a, _, err := store.GetOrCreate(ctx, "sess-lock", "")
	require.NoError(t, err)
	b, err := store.Get(ctx, "sess-lock")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, a.turn, b.turn)

	a.Lock()
	acquired := make(chan struct{})
	go func() {
		b.Lock()
		close(acquired)
		b.Unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired the turn lock while the first held it")
	case <-time.After(50 * time.Millisecond):
	}
	a.Unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("turn lock was never released")
	}
	assert.Eventually(t, func() bool { return store.locks.held() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRedisSessionStore_TurnLockSurvivesEviction(t *testing.T) {
	_, store := setupMiniredis(t)
	ctx := context.Background()

	a, _, err := store.GetOrCreate(ctx, "sess-evict", "")
	require.NoError(t, err)
	a.Lock()

	require.NoError(t, store.Delete(ctx, "sess-evict"))
	b, created, err := store.GetOrCreate(ctx, "sess-evict", "")
	require.NoError(t, err)
	require.True(t, created)

	acquired := make(chan struct{})
	go func() {
		b.Lock()
		close(acquired)
		b.Unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("turn ran concurrently with one started before eviction")
	case <-time.After(50 * time.Millisecond):
	}
	a.Unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("turn lock was never released")
	}
}

func TestRedisSessionStore_ConcurrentGetOrCreate(t *testing.T) {
	_, store := setupMiniredis(t)
	ctx := context.Background()

	var mu sync.Mutex
	created := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.GetOrCreate(ctx, "shared", "")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.Count(ctx))
}

func TestRedisSessionStore_TTLAndCleanup(t *testing.T) {
	mr, store := setupMiniredis(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, store.Count(ctx))

	mr.FastForward(2 * time.Hour)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, store.Count(ctx))

	evicted, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, evicted, 1)
}
