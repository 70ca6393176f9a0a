package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// RedisStore persists values in redis. Useful when the meter core runs
// next to an existing redis, or as a fast shared cache in tests.
type RedisStore struct {
	rdb *redis.Client
	ctx context.Context
}

// InitRedis initializes the redis client with config. Returns nil when
// redis is unreachable so the caller can fall back to another backend.
func InitRedis() *RedisStore {
	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("storage.redis.password", "")
	viper.SetDefault("storage.redis.db", 0)

	addr := viper.GetString("storage.redis.host") + ":" + viper.GetString("storage.redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("storage.redis.password"),
		DB:       viper.GetInt("storage.redis.db"),
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("Redis connection failed: %v", err)
		return nil
	}

	log.Println("Redis store connection established")
	return &RedisStore{rdb: rdb, ctx: ctx}
}

// NewRedisStore wraps an existing client, used by tests.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ctx: context.Background()}
}

func (s *RedisStore) Get(key string) ([]byte, error) {
	v, err := s.rdb.Get(s.ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Put(key string, value []byte) error {
	if err := s.rdb.Set(s.ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("error writing %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
