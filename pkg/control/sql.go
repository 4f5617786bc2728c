package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS control_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	status TEXT NOT NULL CHECK (status IN ('running', 'stopped')),
	updated_at TEXT NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT ''
);
`

// SQLStore keeps the control record in a single row (id = 1). The same
// statements run on Postgres and SQLite.
type SQLStore struct {
	db     *sql.DB
	sqlite bool
	clock  func() time.Time
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, sqlite: true, clock: time.Now}
}

func (s *SQLStore) rebind(q string) string {
	if s.sqlite {
		return strings.ReplaceAll(q, "$", "?")
	}
	return q
}

// Init creates the table and seeds the record as running if absent.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("control schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO control_state (id, status, updated_at, updated_by, reason)
		VALUES (1, $1, $2, 'init', '')
		ON CONFLICT (id) DO NOTHING`),
		string(StatusRunning), s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("control seed: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context) (State, error) {
	var (
		st        State
		status    string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT status, updated_at, updated_by, reason FROM control_state WHERE id = 1`).
		Scan(&status, &updatedAt, &st.UpdatedBy, &st.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		// An unseeded table reads as running; Init seeds it.
		return State{Status: StatusRunning}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if st.Status, err = ParseStatus(status); err != nil {
		return State{}, err
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return State{}, fmt.Errorf("%w: updated_at %q: %w", ErrUnavailable, updatedAt, err)
	}
	return st, nil
}

func (s *SQLStore) Set(ctx context.Context, st State) error {
	if _, err := ParseStatus(string(st.Status)); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO control_state (id, status, updated_at, updated_by, reason)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at,
			updated_by = excluded.updated_by, reason = excluded.reason`),
		string(st.Status), st.UpdatedAt.UTC().Format(time.RFC3339Nano), st.UpdatedBy, st.Reason)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Swap is a conditional UPDATE on the single row. A missing row reads as
// running, so it is inserted only when st moves away from running.
func (s *SQLStore) Swap(ctx context.Context, st State) (bool, error) {
	if _, err := ParseStatus(string(st.Status)); err != nil {
		return false, err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.clock()
	}
	args := []any{string(st.Status), st.UpdatedAt.UTC().Format(time.RFC3339Nano), st.UpdatedBy, st.Reason}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE control_state SET status = $1, updated_at = $2, updated_by = $3, reason = $4
		WHERE id = 1 AND status <> $1`), args...)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n > 0 || st.Status == StatusRunning {
		return n > 0, nil
	}

	res, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO control_state (id, status, updated_at, updated_by, reason)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`), args...)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return n > 0, nil
}
