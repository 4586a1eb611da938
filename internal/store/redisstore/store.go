// Package redisstore caches replayable API responses in Redis.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayTTL = 24 * time.Hour

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func replayKey(userID uint64, key string) string {
	return fmt.Sprintf("t3chat:idem:%d:%s", userID, key)
}

// GetReplay returns the stored response body, or redis.Nil on a miss.
func (s *Store) GetReplay(ctx context.Context, userID uint64, key string) ([]byte, error) {
	return s.rdb.Get(ctx, replayKey(userID, key)).Bytes()
}

// SaveReplay stores body unless a response for the key is already stored.
func (s *Store) SaveReplay(ctx context.Context, userID uint64, key string, body []byte) error {
	return s.rdb.SetNX(ctx, replayKey(userID, key), body, replayTTL).Err()
}
