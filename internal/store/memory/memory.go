// Package memory is an in-process Store, shared by every node of a
// single-process cluster and used throughout the tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3cpo-dev/dim/internal/store"
)

type entry struct {
	value    string
	expireAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// Store keeps values and locks in two maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	data  map[string]entry
	locks map[string]entry
	now   func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data:  map[string]entry{},
		locks: map[string]entry{},
		now:   time.Now,
	}
}

// SetClock replaces the time source; tests use it to expire entries.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, _, err := s.GetWithTTL(ctx, key)
	return v, err
}

func (s *Store) GetWithTTL(ctx context.Context, key string) (string, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.data[key]
	if !ok || e.expired(now) {
		delete(s.data, key)
		return "", 0, store.ErrNotFound
	}
	var ttl time.Duration
	if !e.expireAt.IsZero() {
		ttl = e.expireAt.Sub(now)
	}
	return e.value, ttl, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) TryLock(ctx context.Context, key string, timeout time.Duration) (store.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if held, ok := s.locks[key]; ok && !held.expired(now) {
		return nil, store.ErrLocked
	}
	token := uuid.NewString()
	s.locks[key] = entry{value: token, expireAt: now.Add(timeout)}
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.locks[key]; ok && cur.value == token {
			delete(s.locks, key)
		}
		return nil
	}, nil
}

// Flush drops every value and lock.
func (s *Store) Flush() {
	s.mu.Lock()
	s.data = map[string]entry{}
	s.locks = map[string]entry{}
	s.mu.Unlock()
}

// SetNX writes value only when key is absent or expired.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.data[key]; ok && !e.expired(now) {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = now.Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

func (s *Store) Close() error { return nil }
