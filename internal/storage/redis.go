package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const redisOpTimeout = 2 * time.Second

// redisClient is the subset of *redis.Client the store needs.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig configures NewRedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps client history and premium flags in redis, so several
// daemon replicas can share one view of each browser.
type RedisStore struct {
	client redisClient
	prefix string
	closed atomic.Bool
}

// NewRedisStore connects to redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisStore(client, cfg.Prefix), nil
}

func newRedisStore(client redisClient, prefix string) *RedisStore {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "adgate"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) historyKey(clientID, key string) string {
	return s.prefix + ":history:" + clientID + ":" + key
}

func (s *RedisStore) premiumKey(userID string) string {
	return s.prefix + ":premium:" + userID
}

func (s *RedisStore) clientsKey() string {
	return s.prefix + ":clients"
}

type redisScope struct {
	s        *RedisStore
	clientID string
}

func (s *RedisStore) History(clientID string) KeyValueStore {
	return &redisScope{s: s, clientID: clientID}
}

func (c *redisScope) Get(key string) (string, bool, error) {
	if c.s.closed.Load() {
		return "", false, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := c.s.client.Get(ctx, c.s.historyKey(c.clientID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (c *redisScope) Set(key, value string) error {
	if c.s.closed.Load() {
		return ErrClosed
	}
	if c.clientID == "" {
		return fmt.Errorf("empty client id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.s.client.Set(ctx, c.s.historyKey(c.clientID, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := c.s.client.SAdd(ctx, c.s.clientsKey(), c.clientID).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (s *RedisStore) GetPremium(userID string) (*PremiumRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.premiumKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get premium: %w", err)
	}
	var rec PremiumRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal PremiumRecord for %s: %w", userID, err)
	}
	return &rec, nil
}

func (s *RedisStore) SetPremium(userID string, rec PremiumRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if userID == "" {
		return fmt.Errorf("empty user id")
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal PremiumRecord: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.premiumKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set premium: %w", err)
	}
	return nil
}

func (s *RedisStore) CountClients() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	n, err := s.client.SCard(ctx, s.clientsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// SizeBytes reports 0; redis memory is accounted for by redis itself.
func (s *RedisStore) SizeBytes() (int64, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
