package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key     TEXT PRIMARY KEY,
	status_code  INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	body         BYTEA NOT NULL,
	cached_at    BIGINT NOT NULL
)`

// SQLIdempotencyStore keeps cached responses in PostgreSQL or SQLite so a
// retried request is still recognised after a restart.
type SQLIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	sqlite bool
	now    func() time.Time
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

func NewSQLiteIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, sqlite: true, now: time.Now}
}

func (s *SQLIdempotencyStore) rebind(q string) string {
	if s.sqlite {
		q = strings.ReplaceAll(q, "BYTEA", "BLOB")
		return strings.ReplaceAll(q, "$", "?")
	}
	return q
}

// Init creates the table.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(idempotencySchema)); err != nil {
		return fmt.Errorf("idempotency schema: %w", err)
	}
	return nil
}

func (s *SQLIdempotencyStore) Load(ctx context.Context, key string) (*CachedResponse, bool, error) {
	var (
		resp     CachedResponse
		cachedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE idem_key = $1`), key,
	).Scan(&resp.StatusCode, &resp.ContentType, &resp.Body, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency load: %w", err)
	}
	resp.CachedAt = time.Unix(0, cachedAt)
	if s.now().Sub(resp.CachedAt) > s.ttl {
		return nil, false, nil
	}
	return &resp, true, nil
}

func (s *SQLIdempotencyStore) Save(ctx context.Context, key string, resp CachedResponse) error {
	at := resp.CachedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO idempotency_keys (idem_key, status_code, content_type, body, cached_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idem_key) DO UPDATE SET status_code = excluded.status_code,
			content_type = excluded.content_type, body = excluded.body, cached_at = excluded.cached_at`),
		key, resp.StatusCode, resp.ContentType, resp.Body, at.UnixNano())
	if err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

// Cleanup removes keys older than the TTL and reports how many were dropped.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM idempotency_keys WHERE cached_at < $1`),
		s.now().Add(-s.ttl).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}
	return res.RowsAffected()
}
