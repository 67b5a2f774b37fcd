package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"murmur/core/internal/store"
)

const defaultSnapshotTTL = 5 * time.Minute

// RedisLookup keeps profile snapshots in Redis so that client processes
// share one warm copy. Misses and Redis failures fall through to next.
type RedisLookup struct {
	client *redis.Client
	next   Lookup
	prefix string
	ttl    time.Duration
}

func NewRedisLookup(client *redis.Client, next Lookup, ttl time.Duration) *RedisLookup {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &RedisLookup{
		client: client,
		next:   next,
		prefix: "profile:",
		ttl:    ttl,
	}
}

func (s *RedisLookup) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisLookup) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	switch {
	case err == nil:
		var p store.Profile
		if err := json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
		log.Printf("profile: drop corrupt snapshot for %s", userID)
	case !errors.Is(err, redis.Nil):
		log.Printf("profile: redis get %s: %v", userID, err)
	}

	p, err := s.next.GetProfile(ctx, userID)
	if err != nil {
		return store.Profile{}, err
	}
	if err := s.Save(ctx, p); err != nil {
		log.Printf("profile: %v", err)
	}
	return p, nil
}

// Save stores a snapshot of p for the configured TTL.
func (s *RedisLookup) Save(ctx context.Context, p store.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// Forget drops the snapshot for userID.
func (s *RedisLookup) Forget(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("forget profile %s: %w", userID, err)
	}
	return nil
}
