// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex(0).
const DefaultShards = 64

// KeyedMutex serializes work per string key using a fixed pool of
// channel-backed locks. Memory stays bounded however many keys are seen;
// keys that share a shard also share a lock.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool with n shards (DefaultShards if n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key or returns ctx.Err() if ctx ends first.
// On success the caller must call the returned unlock func exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
