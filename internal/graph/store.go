package graph

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore holds nodes in process
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

func NewMemoryStore(nodes ...Node) *MemoryStore {
	s := &MemoryStore{nodes: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	return s
}

func (s *MemoryStore) Nodes(ctx context.Context, ids []string) (map[string]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Node, len(ids))
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	return nil
}

// RedisStore keeps each node as a hash written by the offline graph job:
// centrality, propagated_risk, flagged, updated_at (unix seconds).
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisStore) Nodes(ctx context.Context, ids []string) (map[string]Node, error) {
	if len(ids) == 0 {
		return map[string]Node{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read graph nodes: %w", err)
	}

	out := make(map[string]Node, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		n := Node{ID: ids[i]}
		n.Centrality, _ = strconv.ParseFloat(fields["centrality"], 64)
		n.PropagatedRisk, _ = strconv.ParseFloat(fields["propagated_risk"], 64)
		n.Flagged, _ = strconv.ParseBool(fields["flagged"])
		if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
			n.UpdatedAt = time.Unix(ts, 0).UTC()
		}
		out[ids[i]] = n
	}
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, n Node) error {
	updated := n.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	err := s.client.HSet(ctx, s.key(n.ID), map[string]interface{}{
		"centrality":      strconv.FormatFloat(n.Centrality, 'f', -1, 64),
		"propagated_risk": strconv.FormatFloat(n.PropagatedRisk, 'f', -1, 64),
		"flagged":         strconv.FormatBool(n.Flagged),
		"updated_at":      strconv.FormatInt(updated.Unix(), 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to write graph node: %w", err)
	}
	return nil
}
