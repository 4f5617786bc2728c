package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		WriteJSON(w, status, map[string]int32{"call": n})
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotencyMiddleware_ReplaysSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	h := IdempotencyMiddleware(NewMemoryIdempotencyStore(ctx, time.Hour))(countingHandler(&calls, http.StatusOK))

	first := post(h, "/control/resume", "k1")
	second := post(h, "/control/resume", "k1")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	// Same key on another path is a different request.
	post(h, "/control/stop", "k1")
	assert.Equal(t, int32(2), calls.Load())

	// No key, no caching.
	post(h, "/control/stop", "")
	post(h, "/control/stop", "")
	assert.Equal(t, int32(4), calls.Load())
}

func TestIdempotencyMiddleware_SkipsFailuresAndReads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryIdempotencyStore(ctx, time.Hour)

	var calls atomic.Int32
	h := IdempotencyMiddleware(store)(countingHandler(&calls, http.StatusServiceUnavailable))
	post(h, "/control/stop", "k")
	post(h, "/control/stop", "k")
	assert.Equal(t, int32(2), calls.Load(), "errors are not cached")

	h = IdempotencyMiddleware(store)(countingHandler(&calls, http.StatusOK))
	req := httptest.NewRequest(http.MethodGet, "/control", nil)
	req.Header.Set(IdempotencyHeader, "k")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, int32(4), calls.Load(), "GET is never cached")

	w := post(h, "/control/stop", strings.Repeat("x", 256))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context, string) (*CachedResponse, bool, error) {
	return nil, false, errors.New("down")
}

func (brokenStore) Save(context.Context, string, CachedResponse) error { return errors.New("down") }

func TestIdempotencyMiddleware_StoreFailureDegrades(t *testing.T) {
	var calls atomic.Int32
	h := IdempotencyMiddleware(brokenStore{})(countingHandler(&calls, http.StatusOK))
	assert.Equal(t, http.StatusOK, post(h, "/control/stop", "k").Code)
	assert.Equal(t, http.StatusOK, post(h, "/control/stop", "k").Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryIdempotencyStore(ctx, time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save(ctx, "k", CachedResponse{StatusCode: 200, Body: []byte("{}")}))
	_, ok, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Load(ctx, "k")
	assert.False(t, ok)
	s.evictExpired()
	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Empty(t, s.entries)
}

func TestSQLIdempotencyStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewSQLiteIdempotencyStore(db, time.Minute)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Init(ctx))

	_, ok, err := s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	resp := CachedResponse{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"status":"stopped"}`)}
	require.NoError(t, s.Save(ctx, "k", resp))
	require.NoError(t, s.Save(ctx, "k", resp), "upsert")

	got, ok, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, resp.Body, got.Body)
	assert.Equal(t, "application/json", got.ContentType)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLIdempotencyStore_PostgresError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE idem_key = \$1`).
		WithArgs("k").
		WillReturnError(errors.New("connection reset"))

	s := NewPostgresIdempotencyStore(db, time.Minute)
	_, ok, err := s.Load(context.Background(), "k")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}
