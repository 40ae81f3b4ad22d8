package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is a pending code and how many wrong guesses it has absorbed.
type Record struct {
	Code     string `json:"code"`
	Attempts int    `json:"attempts"`
}

// CodeStore keeps pending codes with expiry.
type CodeStore interface {
	Put(ctx context.Context, key, code string, ttl time.Duration) error
	Get(ctx context.Context, key string) (Record, bool, error)
	// RecordFailure bumps the attempt counter without extending the expiry.
	RecordFailure(ctx context.Context, key string) (int, error)
	Delete(ctx context.Context, key string) error
}

// Key scopes a code to a purpose and a phone number.
func Key(purpose, phone string) string {
	return fmt.Sprintf("otp:%s:%s", purpose, phone)
}

var errExpired = errors.New("otp: code expired")

// RedisStore keeps the code at key and its failed-guess counter at
// key+":attempts". Both expire together.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func attemptsKey(key string) string { return key + ":attempts" }

// recordFailureScript returns -1 when the code is gone. The counter inherits
// the code's remaining lifetime on first use.
var recordFailureScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	return -1
end
local n = redis.call("INCR", KEYS[2])
if redis.call("PTTL", KEYS[2]) < 0 then
	redis.call("PEXPIRE", KEYS[2], ttl)
end
return n
`)

func (s *RedisStore) Put(ctx context.Context, key, code string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, code, ttl)
		pipe.Del(ctx, attemptsKey(key))
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var codeCmd, attemptsCmd *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		codeCmd = pipe.Get(ctx, key)
		attemptsCmd = pipe.Get(ctx, attemptsKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, err
	}
	code, err := codeCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec := Record{Code: code}
	n, err := attemptsCmd.Int()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return Record{}, false, fmt.Errorf("otp: decode attempts: %w", err)
	default:
		rec.Attempts = n
	}
	return rec, true, nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, key string) (int, error) {
	n, err := recordFailureScript.Run(ctx, s.client, []string{key, attemptsKey(key)}).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errExpired
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key, attemptsKey(key)).Err()
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore is used when Redis is unreachable.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, key, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{rec: Record{Code: code}, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) getLocked(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	return e.rec, ok, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return 0, errExpired
	}
	e.rec.Attempts++
	s.entries[key] = e
	return e.rec.Attempts, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}
