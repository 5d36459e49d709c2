// Package kvstore wraps the Redis client used as the gateway's
// key-value store (C2): string get/set-with-TTL, list push/trim/range,
// and pub/sub change channels, generalized from the work queue's
// redisclient package to the broader surface C4/C7/C9 need.
package kvstore

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

// New returns a configured go-redis client with pooling and retries,
// following redisclient.New's sizing convention (PoolSizeMultiplier * NumCPU).
func New(cfg *config.Config) *Store {
	poolSize := cfg.Redis.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	return &Store{rdb: rdb}
}

// Client exposes the underlying go-redis client for components that need
// operations this wrapper doesn't surface (for example SCAN).
func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// LPushTrim left-pushes value onto key and trims the list to at most
// limit entries, keeping it newest-first as spec.md's history lists
// require (left-push, right-trim).
func (s *Store) LPushTrim(ctx context.Context, key, value string, limit int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, limit-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

func (s *Store) LPush(ctx context.Context, key, value string) error {
	return s.rdb.LPush(ctx, key, value).Err()
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.rdb.LRem(ctx, key, count, value).Err()
}

// BRPopLPush atomically moves the rightmost element of src onto the
// front of dst (the standard reliable-queue move-to-processing-list
// pattern), blocking up to timeout for an element to arrive.
func (s *Store) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	v, err := s.rdb.BRPopLPush(ctx, src, dst, timeout).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// ZAdd schedules member at the given score (a ready-at epoch-ms for the
// delayed-retry sorted set).
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZPopDue pops members scored <= atOrBefore, up to count, used to move
// ready delayed-retry jobs back onto a queue's waiting list.
func (s *Store) ZPopDue(ctx context.Context, key string, atOrBefore float64, count int64) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: fmtFloat(atOrBefore), Count: count, Offset: 0}).Result()
	if err != nil || len(members) == 0 {
		return nil, err
	}
	if err := s.rdb.ZRem(ctx, key, toAny(members)...).Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// Publish emits a change event, used by the queue registry (C4) to
// notify other gateway instances of a config mutation.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channel)
}

var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "kvstore: key not found" }
