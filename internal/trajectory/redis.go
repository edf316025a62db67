package trajectory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists records as JSON values in Redis, for deployments where
// the analysis pipeline reads from a shared store instead of local disk.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a client with the given options.
func NewRedisStore(address, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client}
}

// Save sets trajectory:<game_name>:<startUnix>_<sessionID> to the record JSON.
func (rs *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trajectory: marshal record: %w", err)
	}
	key := fmt.Sprintf("trajectory:%s:%s", rec.GameName, rec.Key())
	if err := rs.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("trajectory: redis set %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
