package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryRegistry struct {
	mu    sync.RWMutex
	types map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{types: map[string]map[string]struct{}{}}
}

func (r *MemoryRegistry) Register(_ context.Context, attesterID string, types []string) error {
	types, err := NormalizeTypes(types)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.types[attesterID]
	if set == nil {
		set = map[string]struct{}{}
		r.types[attesterID] = set
	}
	for _, t := range types {
		set[t] = struct{}{}
	}
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, attesterID string) error {
	r.mu.Lock()
	delete(r.types, attesterID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Types(_ context.Context, attesterID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types[attesterID]))
	for t := range r.types[attesterID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// SetCommander is the subset of the Redis client the registry needs.
type SetCommander interface {
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}

const attesterKeyPrefix = "attester_types:"

// RedisRegistry keeps one set of permitted types per attester so every
// instance sees grants immediately.
type RedisRegistry struct {
	client SetCommander
}

func NewRedisRegistry(client SetCommander) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Register(ctx context.Context, attesterID string, types []string) error {
	types, err := NormalizeTypes(types)
	if err != nil {
		return err
	}
	members := make([]interface{}, len(types))
	for i, t := range types {
		members[i] = t
	}
	if err := r.client.SAdd(ctx, attesterKeyPrefix+attesterID, members...); err != nil {
		return fmt.Errorf("failed to register attester: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, attesterID string) error {
	if err := r.client.Del(ctx, attesterKeyPrefix+attesterID); err != nil {
		return fmt.Errorf("failed to unregister attester: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Types(ctx context.Context, attesterID string) ([]string, error) {
	types, err := r.client.SMembers(ctx, attesterKeyPrefix+attesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to read attester types: %w", err)
	}
	sort.Strings(types)
	return types, nil
}
