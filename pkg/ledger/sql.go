package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/veritas/pkg/identity"
)

// Dialect selects the SQL flavour of an SQLStore.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// NotifyChannel is the Postgres channel signalled after every append.
const NotifyChannel = "ledger_entries"

// appendLockKey serialises appenders across Postgres sessions so seq and
// prev_hash stay a single chain.
const appendLockKey = 402402

const pgSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGINT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	action TEXT NOT NULL,
	amount NUMERIC(38,8) NOT NULL DEFAULT 0 CHECK (amount >= 0),
	details JSONB NOT NULL DEFAULT '{}',
	ref TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_action ON ledger_entries (action, seq DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_agent ON ledger_entries (agent_id, seq DESC);

CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger_entries is append-only';
END
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entries_append_only ON ledger_entries;
CREATE TRIGGER ledger_entries_append_only
	BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable();
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	action TEXT NOT NULL,
	amount TEXT NOT NULL DEFAULT '0',
	details TEXT NOT NULL DEFAULT '{}',
	ref TEXT UNIQUE,
	created_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_action ON ledger_entries (action, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_agent ON ledger_entries (agent_id, seq);
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;
`

const selectColumns = `SELECT seq, id, agent_id, action, amount, details, ref, created_at, prev_hash, hash FROM ledger_entries`

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewPostgresStore returns a Postgres backed ledger.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres, clock: time.Now}
}

// NewSQLiteStore returns an SQLite backed ledger for lite mode. The caller
// should limit db to a single open connection.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite, clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Init creates the table, indexes and append-only triggers.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := pgSchema
	if s.dialect == DialectSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger schema: %w", err)
	}
	return nil
}

// rebind turns $n placeholders into SQLite's ?n form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect == DialectSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t
}

func (s *SQLStore) Append(ctx context.Context, e Entry) (Entry, error) {
	details, err := prepare(&e)
	if err != nil {
		return Entry{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return Entry{}, fmt.Errorf("%w: lock: %w", ErrWrite, err)
		}
	}

	if e.Ref != "" {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM ledger_entries WHERE ref = $1`), e.Ref).Scan(&one)
		switch {
		case err == nil:
			return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateRef, e.Ref)
		case !errors.Is(err, sql.ErrNoRows):
			return Entry{}, fmt.Errorf("%w: %w", ErrWrite, err)
		}
	}

	var (
		lastSeq  int64
		lastHash string
		lastAt   dbTime
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, hash, created_at FROM ledger_entries ORDER BY seq DESC LIMIT 1`).
		Scan(&lastSeq, &lastHash, &lastAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: head: %w", ErrWrite, err)
	}
	if lastHash == "" {
		lastHash = Genesis
	}

	e.ID = uuid.New().String()
	e.Seq = uint64(lastSeq) + 1
	e.CreatedAt = stamp(s.clock(), lastAt.t)
	e.PrevHash = lastHash
	e.Hash, err = hashEntry(e, details)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	ref := sql.NullString{String: e.Ref, Valid: e.Ref != ""}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO ledger_entries (seq, id, agent_id, action, amount, details, ref, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		int64(e.Seq), e.ID, e.AgentID, string(e.Action), e.Amount, string(details), ref, s.timeArg(e.CreatedAt), e.PrevHash, e.Hash,
	)
	if err != nil {
		if isUniqueViolation(err) && e.Ref != "" {
			return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateRef, e.Ref)
		}
		return Entry{}, fmt.Errorf("%w: insert: %w", ErrWrite, err)
	}

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, fmt.Sprint(e.Seq)); err != nil {
			return Entry{}, fmt.Errorf("%w: notify: %w", ErrWrite, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("%w: commit: %w", ErrWrite, err)
	}

	e.Details, err = decodeDetails(details)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return e, nil
}

func (s *SQLStore) Recent(ctx context.Context, n int, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Actions) > 0 {
		ph := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			ph[i] = next(string(a))
		}
		where = append(where, "action IN ("+strings.Join(ph, ", ")+")")
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = "+next(identity.Normalize(f.AgentID)))
	}
	if f.Ref != "" {
		where = append(where, "ref = "+next(f.Ref))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > "+next(int64(f.AfterSeq)))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// seq and created_at advance together, so seq order is created_at order
	// with ties broken by append order.
	query += " ORDER BY seq DESC"
	if n > 0 {
		query += " LIMIT " + next(n)
	}

	return s.query(ctx, s.rebind(query), args...)
}

func (s *SQLStore) Redeemed(ctx context.Context, ref string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM ledger_entries WHERE ref = $1`), ref).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return true, nil
}

func (s *SQLStore) All(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, selectColumns+" ORDER BY seq ASC")
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			action  string
			details []byte
			ref     sql.NullString
			created dbTime
		)
		if err := rows.Scan(&seq, &e.ID, &e.AgentID, &action, &e.Amount, &details, &ref, &created, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrRead, err)
		}
		e.Seq = uint64(seq)
		e.Action = Action(action)
		e.Ref = ref.String
		e.CreatedAt = created.t
		if e.Details, err = decodeDetails(details); err != nil {
			return nil, fmt.Errorf("%w: details of entry %d: %w", ErrRead, e.Seq, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// dbTime scans TIMESTAMPTZ values and the RFC 3339 text SQLite stores.
type dbTime struct {
	t time.Time
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.t = time.Time{}
	case time.Time:
		d.t = v.UTC()
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

func (d *dbTime) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	d.t = t.UTC()
	return nil
}
