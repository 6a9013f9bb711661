// Package store — PostgreSQL-backed Store implementation.
// For deployments that already run Postgres and want delivery state in the
// same database. Counters live in their own table so the window logic is a
// single atomic upsert; expired rows are hidden by every read and physically
// reclaimed by a background sweep.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const postgresSweepInterval = time.Minute

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	doneCh chan struct{}
	once   sync.Once
}

// NewPostgres connects to connURL, verifies the connection, and creates the
// schema if it does not exist.
func NewPostgres(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, doneCh: make(chan struct{})}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	go s.sweepLoop()
	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS moperator_kv (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_moperator_kv_expires
			ON moperator_kv (expires_at) WHERE expires_at IS NOT NULL;

		CREATE TABLE IF NOT EXISTS moperator_counters (
			key      TEXT PRIMARY KEY,
			count    BIGINT NOT NULL,
			reset_at TIMESTAMPTZ NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM moperator_kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO moperator_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM moperator_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// List orders with the C collation so the result is byte-ordered regardless
// of the database's locale.
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := likeEscape(prefix) + "%"
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM moperator_kv
		 WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY key COLLATE "C"`,
		pattern)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres list scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Incr is one atomic upsert: the CASE arms restart the window when it has
// closed and increment it otherwise, so concurrent callers serialize on the
// row without application-side locking.
func (s *PostgresStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	resetAt := time.Now().Add(window)
	var count int64
	var storedReset time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO moperator_counters (key, count, reset_at) VALUES ($1, 1, $2)
		 ON CONFLICT (key) DO UPDATE SET
			count    = CASE WHEN moperator_counters.reset_at <= NOW() THEN 1 ELSE moperator_counters.count + 1 END,
			reset_at = CASE WHEN moperator_counters.reset_at <= NOW() THEN $2 ELSE moperator_counters.reset_at END
		 RETURNING count, reset_at`,
		key, resetAt).Scan(&count, &storedReset)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("postgres incr %s: %w", key, err)
	}
	return count, storedReset, nil
}

// SetNX inserts, or takes over the row only when its TTL has lapsed. Zero
// rows affected means another holder is alive.
func (s *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO moperator_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		 WHERE moperator_kv.expires_at IS NOT NULL AND moperator_kv.expires_at <= NOW()`,
		key, value, expiresAt)
	if err != nil {
		return false, fmt.Errorf("postgres setnx %s: %w", key, err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close stops the sweep loop and releases the pool. Safe to call twice.
func (s *PostgresStore) Close() error {
	s.once.Do(func() { close(s.doneCh) })
	s.pool.Close()
	return nil
}

func (s *PostgresStore) sweepLoop() {
	ticker := time.NewTicker(postgresSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *PostgresStore) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ct, err := s.pool.Exec(ctx,
		`DELETE FROM moperator_kv WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		log.Warn().Err(err).Msg("Expiry sweep failed")
		return
	}
	// Counters linger one extra minute so a just-closed window can still be
	// reported with its final count.
	_, err = s.pool.Exec(ctx,
		`DELETE FROM moperator_counters WHERE reset_at <= NOW() - INTERVAL '1 minute'`)
	if err != nil {
		log.Warn().Err(err).Msg("Counter sweep failed")
		return
	}
	if swept := ct.RowsAffected(); swept > 0 {
		log.Debug().Int64("swept", swept).Msg("Swept expired keys")
	}
}

// likeEscape escapes LIKE wildcards so a literal prefix matches literally.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
