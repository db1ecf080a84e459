// Package badgerstore implements store.Store on an embedded BadgerDB. Values
// and locks use native badger TTLs, so expiry has one-second granularity.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/3cpo-dev/dim/internal/store"
)

const (
	valuePrefix = "kv/"
	lockPrefix  = "lock/"
)

// Store implements store.Store using BadgerDB
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a database at path. An empty path keeps
// everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, _, err := s.GetWithTTL(ctx, key)
	return v, err
}

func (s *Store) GetWithTTL(ctx context.Context, key string) (string, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	var (
		value string
		ttl   time.Duration
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(valuePrefix + key))
		if err != nil {
			return err
		}
		if exp := item.ExpiresAt(); exp > 0 {
			ttl = time.Until(time.Unix(int64(exp), 0))
			if ttl <= 0 {
				return badger.ErrKeyNotFound
			}
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", 0, store.ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, ttl, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(valuePrefix+key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// SetNX writes value only when key is absent or expired.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.setIfAbsent([]byte(valuePrefix+key), []byte(value), ttl)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrLocked):
		return false, nil
	default:
		return false, fmt.Errorf("badger setnx %s: %w", key, err)
	}
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(valuePrefix + key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) TryLock(ctx context.Context, key string, timeout time.Duration) (store.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lockKey := []byte(lockPrefix + key)
	token := []byte(uuid.NewString())
	if err := s.setIfAbsent(lockKey, token, timeout); err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("badger lock %s: %w", key, err)
	}
	return func(context.Context) error {
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(lockKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			owned := false
			if err := item.Value(func(val []byte) error {
				owned = string(val) == string(token)
				return nil
			}); err != nil {
				return err
			}
			if !owned {
				return nil
			}
			return txn.Delete(lockKey)
		})
		if err != nil {
			return fmt.Errorf("badger unlock %s: %w", key, err)
		}
		return nil
	}, nil
}

// setIfAbsent writes key inside one transaction. A concurrent writer makes
// the commit fail with ErrConflict, which counts as the key being held.
func (s *Store) setIfAbsent(key, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return store.ErrLocked
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		e := badger.NewEntry(key, value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if errors.Is(err, badger.ErrConflict) {
		return store.ErrLocked
	}
	return err
}

// Flush drops every value and lock.
func (s *Store) Flush() {
	_ = s.db.DropAll()
}

func (s *Store) Close() error {
	return s.db.Close()
}
