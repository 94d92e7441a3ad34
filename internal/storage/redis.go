package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a redis server using native commands.
type RedisStore struct {
	addr   string
	client *redis.Client
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	DB      int
	Timeout time.Duration // dial, read and write timeout, default 5s
}

// NewRedisStore creates a store for the redis server at addr.
func NewRedisStore(addr string, opts RedisOptions) *RedisStore {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &RedisStore{
		addr: addr,
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DB:           opts.DB,
			DialTimeout:  opts.Timeout,
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
			MaxRetries:   -1,
		}),
	}
}

func (r *RedisStore) Addr() string { return r.addr }

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	return r.client.SetNX(ctx, key, value, 0).Result()
}

func (r *RedisStore) MSetNX(ctx context.Context, pairs map[string]string) (bool, error) {
	values := make([]interface{}, 0, 2*len(pairs))
	for k, v := range pairs {
		values = append(values, k, v)
	}
	return r.client.MSetNX(ctx, values...).Result()
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, keys...).Result()
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 1000).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
