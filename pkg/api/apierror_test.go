package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/veritas/pkg/api"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, 400, problem.Status)
	assert.Equal(t, "Bad Request", problem.Title)
	assert.Equal(t, "field is missing", problem.Detail)
	assert.Equal(t, api.ProblemTypeBase+"400", problem.Type)
}

func TestWriteProblem_FlattensExtensions(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/premium/data", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")

	p := api.NewProblem(http.StatusPaymentRequired, "invalid_receipt", "transaction not found")
	p.Extensions = map[string]any{"price": 0.0001, "pay_to": "0xABC", "status": "ignored"}
	api.WriteProblem(w, r, p)

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "invalid_receipt", body["reason"])
	assert.Equal(t, 0.0001, body["price"])
	assert.Equal(t, "0xABC", body["pay_to"])
	assert.Equal(t, float64(402), body["status"], "standard members win")
	assert.Equal(t, "/premium/data", body["instance"])
	assert.Equal(t, "req-1", body["trace_id"])
	assert.Equal(t, api.ProblemTypeBase+"invalid_receipt", body["type"])
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.NotContains(t, problem.Detail, "10.0.0.1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWriteUnavailable(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnavailable(w, httptest.NewRequest(http.MethodGet, "/premium/data", nil), "ledger_unavailable", "ledger append failed")

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "ledger_unavailable", problem.Reason)
}

func TestWritePaymentRequired(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/premium/data", nil)
	api.WritePaymentRequired(w, r, "402-payment", "invalid_receipt", "underpaid", map[string]any{
		"price":  "0.0001",
		"pay_to": "0xABC",
	})

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "402-payment", w.Header().Get("WWW-Authenticate"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "invalid_receipt", body["reason"])
	assert.Equal(t, "0xABC", body["pay_to"])
	assert.Equal(t, "/premium/data", body["instance"])
}
