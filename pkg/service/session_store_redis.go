package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps sessions in Redis so they survive restarts and
// can be shared by several replicas. Each session is a JSON value under
// prefix+id; a sorted set scored by last activity backs Count and Cleanup.
type RedisSessionStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	language string

	locks *turnLocks
}

// turnLocks hands out one mutex per session id within this process. An
// entry lives only while some turn holds or waits for it.
type turnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	sync.Mutex
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[string]*turnLock)}
}

func (t *turnLocks) acquire(id string) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &turnLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()
	l.Lock()
}

func (t *turnLocks) release(id string) {
	t.mu.Lock()
	l := t.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
	t.mu.Unlock()
	l.Unlock()
}

// held reports how many ids currently have a holder or waiter.
func (t *turnLocks) held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// sessionLocker binds a session id to the shared lock table.
type sessionLocker struct {
	locks *turnLocks
	id    string
}

func (l sessionLocker) Lock()   { l.locks.acquire(l.id) }
func (l sessionLocker) Unlock() { l.locks.release(l.id) }

// RedisSessionConfig holds Redis connection configuration.
type RedisSessionConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Language string
}

// NewRedisSessionStore connects and pings the server.
func NewRedisSessionStore(cfg RedisSessionConfig) (*RedisSessionStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisSessionStoreFromClient(client, cfg.Prefix, cfg.TTL, cfg.Language), nil
}

// NewRedisSessionStoreFromClient wraps an existing client (miniredis in tests).
func NewRedisSessionStoreFromClient(client *redis.Client, prefix string, ttl time.Duration, language string) *RedisSessionStore {
	if prefix == "" {
		prefix = "hadi:session:"
	}
	return &RedisSessionStore{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		language: language,
		locks:    newTurnLocks(),
	}
}

func (r *RedisSessionStore) key(id string) string { return r.prefix + id }
func (r *RedisSessionStore) indexKey() string     { return r.prefix + "index" }

func (r *RedisSessionStore) lockFor(id string) sync.Locker {
	return sessionLocker{locks: r.locks, id: id}
}

func (r *RedisSessionStore) Create(ctx context.Context, userID string) (*Session, error) {
	sess := newSession("", userID, r.language)
	sess.turn = r.lockFor(sess.ID)
	if err := r.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisSessionStore) GetOrCreate(ctx context.Context, id, userID string) (*Session, bool, error) {
	if id != "" {
		sess, err := r.Get(ctx, id)
		if err == nil {
			return sess, false, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, false, err
		}
	}
	sess := newSession(id, userID, r.language)
	sess.turn = r.lockFor(sess.ID)
	ok, err := r.create(ctx, sess)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// Lost the race to a concurrent request for the same id.
		existing, err := r.Get(ctx, sess.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return sess, true, nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.State == nil {
		sess.State = NewConversationState(DefaultUserID(id), r.language)
		sess.State.SessionID = id
	}
	sess.turn = r.lockFor(id)
	return &sess, nil
}

func (r *RedisSessionStore) Save(ctx context.Context, sess *Session) error {
	sess.touch(time.Now())
	return r.write(ctx, sess)
}

// create stores sess only if no value exists under its id yet.
func (r *RedisSessionStore) create(ctx context.Context, sess *Session) (bool, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return false, fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(sess.ID), data, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return false, nil
	}
	z := redis.Z{Score: float64(sess.LastActivity.Unix()), Member: sess.ID}
	if err := r.client.ZAdd(ctx, r.indexKey(), z).Err(); err != nil {
		return false, fmt.Errorf("index session: %w", err)
	}
	return true, nil
}

func (r *RedisSessionStore) write(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(sess.ID), data, r.ttl)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(sess.LastActivity.Unix()), Member: sess.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(id))
	pipe.ZRem(ctx, r.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Count reports indexed sessions whose value has not expired yet.
func (r *RedisSessionStore) Count(ctx context.Context) int {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, r.key(id)).Result()
		if err == nil && exists > 0 {
			n++
		}
	}
	return n
}

// Cleanup removes idle sessions. Values that already expired through the
// key TTL are dropped from the index as well.
func (r *RedisSessionStore) Cleanup(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan session index: %w", err)
	}

	all, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan session index: %w", err)
	}
	stale := make(map[string]bool, len(ids))
	for _, id := range ids {
		stale[id] = true
	}
	for _, id := range all {
		if stale[id] {
			continue
		}
		if exists, err := r.client.Exists(ctx, r.key(id)).Result(); err == nil && exists == 0 {
			ids = append(ids, id)
			stale[id] = true
		}
	}

	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Close releases the client.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}
