// Package redisstore implements store.Store on Redis, or on anything that
// speaks RESP such as the dim-store server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/3cpo-dev/dim/internal/store"
)

const lockPrefix = "dim:lock:"

type Options struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	client *redis.Client
}

func New(opts Options) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) GetWithTTL(ctx context.Context, key string) (string, time.Duration, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return "", 0, err
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return "", 0, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	switch {
	case ttl == -2:
		return "", 0, store.ErrNotFound
	case ttl < 0:
		ttl = 0
	}
	return v, ttl, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *Store) TryLock(ctx context.Context, key string, timeout time.Duration) (store.Release, error) {
	lockKey := lockPrefix + key
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey, token, timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, store.ErrLocked
	}
	return func(ctx context.Context) error {
		// Compare then delete. The window between the two commands is only
		// unsafe if the lock expires in it, and locks live for a full lease TTL.
		cur, err := s.client.Get(ctx, lockKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		if cur != token {
			return nil
		}
		if err := s.client.Del(ctx, lockKey).Err(); err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		return nil
	}, nil
}

func (s *Store) Close() error { return s.client.Close() }
