package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// IdempotencyHeader carries the client-chosen key of a mutating request.
const IdempotencyHeader = "Idempotency-Key"

// CachedResponse is a previously served response replayed for a repeated key.
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	CachedAt    time.Time
}

// IdempotencyStore persists responses by key. Load reports a miss for
// unknown or expired keys.
type IdempotencyStore interface {
	Load(ctx context.Context, key string) (*CachedResponse, bool, error)
	Save(ctx context.Context, key string, resp CachedResponse) error
}

// MemoryIdempotencyStore holds cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates a store whose entries expire after ttl.
// Expired entries are swept until ctx ends.
func NewMemoryIdempotencyStore(ctx context.Context, ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
	go s.sweep(ctx, 5*time.Minute)
	return s
}

func (s *MemoryIdempotencyStore) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryIdempotencyStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryIdempotencyStore) Load(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().Sub(cached.CachedAt) > s.ttl {
		return nil, false, nil
	}
	return &cached, true, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp CachedResponse) error {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
	return nil
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware serves a repeated POST carrying the same
// Idempotency-Key from the cache instead of running it again. Keys are
// scoped to the request path. Only 2xx responses are cached. A store
// failure degrades to normal processing.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "idempotency")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get(IdempotencyHeader)
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(header) > 255 {
				WriteBadRequest(w, IdempotencyHeader+" must be at most 255 characters")
				return
			}
			key := r.Method + " " + r.URL.Path + " " + header

			cached, ok, err := store.Load(r.Context(), key)
			if err != nil {
				logger.Warn("idempotency lookup failed", "error", err)
			}
			if ok {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				err := store.Save(r.Context(), key, CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
				})
				if err != nil {
					logger.Warn("idempotency save failed", "error", err)
				}
			}
		})
	}
}
