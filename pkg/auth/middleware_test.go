package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/veritas/pkg/auth"
)

const secret = "test-secret-with-enough-entropy"

func setupValidator(t *testing.T) *auth.JWTValidator {
	t.Helper()
	v, err := auth.NewJWTValidator(secret)
	require.NoError(t, err)
	return v
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, header string) (*httptest.ResponseRecorder, *auth.Principal) {
	t.Helper()
	var captured *auth.Principal
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		require.NoError(t, err)
		captured = &p
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/control/stop", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, captured
}

func TestMiddleware_ValidJWT(t *testing.T) {
	mw := auth.NewMiddleware(setupValidator(t), auth.RoleOperator)
	token, err := auth.IssueToken(secret, "alice", []string{auth.RoleOperator}, time.Hour, time.Now())
	require.NoError(t, err)

	w, p := serve(t, mw, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, p)
	assert.Equal(t, "alice", p.ID)
}

func TestMiddleware_Rejections(t *testing.T) {
	validator := setupValidator(t)
	mw := auth.NewMiddleware(validator, auth.RoleOperator)
	now := time.Now()

	expired, err := auth.IssueToken(secret, "alice", []string{auth.RoleOperator}, time.Hour, now.Add(-2*time.Hour))
	require.NoError(t, err)
	wrongKey, err := auth.IssueToken("another-secret", "alice", []string{auth.RoleOperator}, time.Hour, now)
	require.NoError(t, err)
	noRole, err := auth.IssueToken(secret, "bob", []string{"viewer"}, time.Hour, now)
	require.NoError(t, err)
	noSubject, err := auth.IssueToken(secret, "", []string{auth.RoleOperator}, time.Hour, now)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "mallory", "iss": auth.Issuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic YWxpY2U6cHc=", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"alg none", "Bearer " + none, http.StatusUnauthorized},
		{"no subject", "Bearer " + noSubject, http.StatusUnauthorized},
		{"missing role", "Bearer " + noRole, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, p := serve(t, mw, tc.header)
			assert.Equal(t, tc.want, w.Code)
			assert.Nil(t, p)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestMiddleware_NilValidatorFailsClosed(t *testing.T) {
	token, err := auth.IssueToken(secret, "alice", []string{auth.RoleOperator}, time.Hour, time.Now())
	require.NoError(t, err)
	w, p := serve(t, auth.NewMiddleware(nil, auth.RoleOperator), "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, p)
}

func TestNewJWTValidator_RequiresSecret(t *testing.T) {
	_, err := auth.NewJWTValidator("")
	assert.ErrorIs(t, err, auth.ErrNoSecret)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.RequestID(r.Context())
	}))
	serve := func(clientID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		if clientID != "" {
			req.Header.Set(auth.RequestIDHeader, clientID)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := serve("abc-123")
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get(auth.RequestIDHeader))

	for name, id := range map[string]string{
		"missing":       "",
		"too long":      strings.Repeat("a", 129),
		"log injection": "abc\nlevel=ERROR",
		"spaces":        "two words",
	} {
		t.Run(name, func(t *testing.T) {
			w := serve(id)
			assert.NotEqual(t, id, seen)
			_, err := uuid.Parse(seen)
			assert.NoError(t, err, "replaced by a generated ID")
			assert.Equal(t, seen, w.Header().Get(auth.RequestIDHeader))
		})
	}
}

func TestRequestID_Context(t *testing.T) {
	assert.Empty(t, auth.RequestID(context.Background()))
	assert.Equal(t, "r-1", auth.RequestID(auth.WithRequestID(context.Background(), "r-1")))
}

func TestCORSMiddleware(t *testing.T) {
	h := auth.CORSMiddleware([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/premium/data", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/premium/data", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
