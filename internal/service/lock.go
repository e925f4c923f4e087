package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker serializes transitions per transaction id across service
// instances with a SetNX lock. The TTL bounds how long a crashed holder
// can block a transaction.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, id string) (func(), error) {
	lockKey := fmt.Sprintf("escrow_lock:%s", id)
	locked, err := l.client.SetNX(ctx, lockKey, "1", l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("transaction %s is already being processed", id)
	}
	return func() {
		l.client.Del(context.Background(), lockKey)
	}, nil
}

// MemoryLocker is the single-process Locker used in tests and local
// mode. Acquire fails rather than blocks when the id is busy, matching
// the Redis behavior so races resolve to exactly one winner.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return nil, fmt.Errorf("transaction %s is already being processed", id)
	}
	l.held[id] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, id)
	}, nil
}
