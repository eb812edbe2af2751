// Package redis keeps the session in a Redis hash, one hash per profile.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/and161185/market-client/internal/storage"
)

const keyPrefix = "mkt:session:"

// Store is a Storage backed by HSET/HDEL/HGETALL on a single hash.
type Store struct {
	rdb goredis.Cmdable
	key string
}

var _ storage.Storage = (*Store)(nil)

// New returns a Store for profile using rdb.
func New(rdb goredis.Cmdable, profile string) *Store {
	return &Store{rdb: rdb, key: keyPrefix + profile}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(addr)
	if err != nil {
		opts = &goredis.Options{Addr: addr}
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Load returns all fields of the profile hash.
func (s *Store) Load(ctx context.Context) (map[string]string, error) {
	kv, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	return kv, nil
}

// Put sets all pairs with a single HSET.
func (s *Store) Put(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(kv))
	for k, v := range kv {
		args = append(args, k, v)
	}
	return s.rdb.HSet(ctx, s.key, args...).Err()
}

// Delete removes fields with a single HDEL.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, s.key, keys...).Err()
}
