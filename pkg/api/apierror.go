// Package api writes RFC 7807 problem responses and holds shared HTTP middleware.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// ProblemTypeBase prefixes the type URI of every problem.
const ProblemTypeBase = "https://veritas.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Reason is the machine-readable cause, e.g. "replayed_receipt".
	Reason string `json:"reason,omitempty"`
	// Extensions are extra members serialised at the top level.
	Extensions map[string]any `json:"-"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// MarshalJSON flattens Extensions next to the standard members. Standard
// members win on collision.
func (p *ProblemDetail) MarshalJSON() ([]byte, error) {
	type plain ProblemDetail
	base, err := json.Marshal((*plain)(p))
	if err != nil || len(p.Extensions) == 0 {
		return base, err
	}
	merged := make(map[string]json.RawMessage, len(p.Extensions)+8)
	for k, v := range p.Extensions {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("problem extension %q: %w", k, err)
		}
		merged[k] = raw
	}
	var std map[string]json.RawMessage
	if err := json.Unmarshal(base, &std); err != nil {
		return nil, err
	}
	for k, v := range std {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// NewProblem builds a problem for status. The type URI is derived from
// reason when set, otherwise from the status code.
func NewProblem(status int, reason, detail string) *ProblemDetail {
	typ := ProblemTypeBase + strconv.Itoa(status)
	if reason != "" {
		typ = ProblemTypeBase + reason
	}
	return &ProblemDetail{
		Type:   typ,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Reason: reason,
	}
}

// WriteProblem writes p, enriched with the request path and request id.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if r != nil {
		p.Instance = r.URL.Path
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	p := NewProblem(status, "", detail)
	p.Title = title
	WriteProblem(w, nil, p)
}

// WriteJSON writes v as a JSON body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="veritas-control"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WritePaymentRequired writes a 402 problem. fields (the payment terms) are
// merged into the body and scheme is advertised in WWW-Authenticate.
func WritePaymentRequired(w http.ResponseWriter, r *http.Request, scheme, reason, detail string, fields map[string]any) {
	p := NewProblem(http.StatusPaymentRequired, reason, detail)
	p.Extensions = fields
	if scheme != "" {
		w.Header().Set("WWW-Authenticate", scheme)
	}
	WriteProblem(w, r, p)
}

// WriteUnavailable writes a 503 problem with a machine-readable reason.
func WriteUnavailable(w http.ResponseWriter, r *http.Request, reason, detail string) {
	w.Header().Set("Retry-After", "5")
	WriteProblem(w, r, NewProblem(http.StatusServiceUnavailable, reason, detail))
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
