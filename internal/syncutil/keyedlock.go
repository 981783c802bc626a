// Package syncutil holds concurrency primitives shared by the gateway.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedLock when n <= 0.
const DefaultShards = 256

// KeyedLock serializes work per key using a fixed pool of channel-based
// mutexes. Distinct keys may share a shard. Waiting respects context
// cancellation.
type KeyedLock struct {
	shards []chan struct{}
}

// NewKeyedLock creates a lock pool with n shards.
func NewKeyedLock(n int) *KeyedLock {
	if n <= 0 {
		n = DefaultShards
	}
	l := &KeyedLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock acquires the shard for key. On success the caller must invoke the
// returned unlock exactly once. On cancellation it returns ctx.Err().
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[l.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the shard for key without waiting.
func (l *KeyedLock) TryLock(key string) (func(), bool) {
	shard := l.shards[l.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (l *KeyedLock) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
