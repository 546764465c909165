package mmr

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps nodes in one hash, one field per position. The leaf
// length lives in field "-1" as a decimal string.
type RedisStore struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, addr, password string, db int, key string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, key: key, logger: logger}, nil
}

var leafLengthField = strconv.Itoa(leafLengthKey)

func (s *RedisStore) Get(ctx context.Context, index uint64) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.key, strconv.FormatUint(index, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mmr node %d: %w", index, err)
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, value []byte, index uint64) error {
	if err := checkWord(value); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, strconv.FormatUint(index, 10), value).Err(); err != nil {
		return fmt.Errorf("failed to write mmr node %d: %w", index, err)
	}
	return nil
}

func (s *RedisStore) GetLeafLength(ctx context.Context) (uint64, error) {
	value, err := s.client.HGet(ctx, s.key, leafLengthField).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read leaf length: %w", err)
	}
	return value, nil
}

func (s *RedisStore) SetLeafLength(ctx context.Context, length uint64) error {
	if err := s.client.HSet(ctx, s.key, leafLengthField, strconv.FormatUint(length, 10)).Err(); err != nil {
		return fmt.Errorf("failed to write leaf length: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
