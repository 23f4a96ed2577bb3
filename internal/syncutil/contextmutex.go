package syncutil

import (
	"context"
	"hash/fnv"
)

// ContextShardedMutex is a fixed pool of channel-based locks keyed by string.
// Unlike ShardedMutex, a caller waiting for a lock can bail out when its
// context is cancelled, so one stuck transition cannot pile up request
// goroutines behind it indefinitely.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex returns a pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{shards: make([]chan struct{}, shardCount)}
	for i := range m.shards {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		m.shards[i] = ch
	}
	return m
}

// LockContext blocks until the shard for key is acquired or ctx is done.
// On success it returns a release func and nil; the caller MUST call the
// release func. On cancellation it returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	ch := m.shards[h.Sum32()%shardCount]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
