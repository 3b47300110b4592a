package behavior

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists entity profiles. Get returns (nil, nil) for an entity
// with no history.
type Store interface {
	Get(ctx context.Context, entityID string) (*Profile, error)
	Update(ctx context.Context, entityID string, fn func(*Profile)) error
}

// MemoryStore keeps profiles in process
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (s *MemoryStore) Get(ctx context.Context, entityID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[entityID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, entityID string, fn func(*Profile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[entityID]
	if !ok {
		p = NewProfile(entityID)
		s.profiles[entityID] = p
	}
	fn(p)
	return nil
}

// Put replaces a profile, used to seed history.
func (s *MemoryStore) Put(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.EntityID] = p.Clone()
}

const maxUpdateAttempts = 64

// RedisStore keeps each profile as a JSON string. Updates use WATCH so
// concurrent writers for one entity retry instead of overwriting.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store; a zero ttl keeps profiles indefinitely.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(entityID string) string {
	return s.prefix + ":" + entityID
}

func (s *RedisStore) Get(ctx context.Context, entityID string) (*Profile, error) {
	data, err := s.client.Get(ctx, s.key(entityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) Update(ctx context.Context, entityID string, fn func(*Profile)) error {
	key := s.key(entityID)

	txf := func(tx *redis.Tx) error {
		p := NewProfile(entityID)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, p); err != nil {
				return fmt.Errorf("failed to decode profile: %w", err)
			}
		}

		fn(p)
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to update profile %s: too much contention", entityID)
}
