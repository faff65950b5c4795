package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore: абстракция "положить/достать snapshot".
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, matchID string) (Snapshot, bool, error)
}

type RedisSnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSnapshotStore(rdb *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb, ttl: ttl}
}

func (s *RedisSnapshotStore) key(matchID string) string {
	return fmt.Sprintf("match:%s:snapshot", matchID)
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(snap.MatchID), b, s.ttl).Err()
}

func (s *RedisSnapshotStore) Load(ctx context.Context, matchID string) (Snapshot, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}
