package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/dim/internal/store"
)

// Store is a SQLite-backed store.Store. Several processes on one host can
// share the database file; expiry is evaluated at read time in milliseconds
// and expired rows are purged in the background.
type Store struct {
	db  *sql.DB
	now func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type Options struct {
	// PurgeInterval is how often expired rows are deleted. Zero means one
	// minute, negative disables purging.
	PurgeInterval time.Duration
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens the database at path with default options.
func Open(path string) (*Store, error) {
	return OpenWith(path, Options{})
}

func OpenWith(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now, stop: make(chan struct{})}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if opts.PurgeInterval == 0 {
		opts.PurgeInterval = time.Minute
	}
	if opts.PurgeInterval > 0 {
		s.wg.Add(1)
		go s.purgeLoop(opts.PurgeInterval)
	}
	return s, nil
}

func (s *Store) purgeLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := s.Purge(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to purge expired rows")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("Purged expired rows")
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

func (s *Store) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, _, err := s.GetWithTTL(ctx, key)
	return v, err
}

func (s *Store) GetWithTTL(ctx context.Context, key string) (string, time.Duration, error) {
	var (
		value     string
		expiresAt int64
	)
	now := s.nowMillis()
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, now,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, store.ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	var ttl time.Duration
	if expiresAt > 0 {
		ttl = time.Duration(expiresAt-now) * time.Millisecond
	}
	return value, ttl, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) TryLock(ctx context.Context, key string, timeout time.Duration) (store.Release, error) {
	token := uuid.NewString()
	// Insert, or take over a lock whose holder let it expire.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (key, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		key, token, s.now().Add(timeout).UnixMilli(), s.nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite lock %s: %w", key, err)
	}
	if n == 0 {
		return nil, store.ErrLocked
	}
	return func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND token = ?`, key, token); err != nil {
			return fmt.Errorf("sqlite unlock %s: %w", key, err)
		}
		return nil
	}, nil
}

// Purge removes expired rows; expired rows are already invisible to readers.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	now := s.nowMillis()
	var total int64
	for _, q := range []string{
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`,
		`DELETE FROM locks WHERE expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("sqlite purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close stops the purge loop and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.db.Close()
}
