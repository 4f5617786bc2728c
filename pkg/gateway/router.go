package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mindburn-Labs/veritas/pkg/api"
	"github.com/Mindburn-Labs/veritas/pkg/auth"
	"github.com/Mindburn-Labs/veritas/pkg/control"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
)

// PremiumPath is the protected resource.
const PremiumPath = "/premium/data"

// RouterDeps are the collaborators of the HTTP surface. Controller,
// Validator, Gatherer, Limiter and Idempotency are optional.
type RouterDeps struct {
	Gateway     *Gateway
	Ledger      ledger.Store
	Controller  *control.Controller
	Validator   *auth.JWTValidator
	Gatherer    prometheus.Gatherer
	Limiter     *api.GlobalRateLimiter
	CORSOrigins []string
	Payload     http.Handler
	// Idempotency replays retried operator POSTs carrying an Idempotency-Key.
	Idempotency api.IdempotencyStore
}

// NewRouter wires the paywall, health, metrics and operator endpoints.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(slog.Default().With("component", "http")))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	payload := d.Payload
	if payload == nil {
		payload = http.HandlerFunc(PremiumData)
	}
	var ctrl StateReader
	if d.Controller != nil {
		ctrl = d.Controller
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.CORSMiddleware(d.CORSOrigins))
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Method(http.MethodGet, PremiumPath, d.Gateway.Paywall(payload, ctrl))
		r.Options(PremiumPath, func(w http.ResponseWriter, _ *http.Request) {})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(d.Validator, auth.RoleOperator))
		if d.Idempotency != nil {
			r.Use(api.IdempotencyMiddleware(d.Idempotency))
		}
		if d.Controller != nil {
			r.Get("/control", controlState(d.Controller))
			r.Post("/control/stop", controlTransition(d.Controller, control.StatusStopped))
			r.Post("/control/resume", controlTransition(d.Controller, control.StatusRunning))
		}
		if d.Ledger != nil {
			r.Get("/ledger/metrics", ledgerMetrics(d.Ledger))
		}
	})
	return r
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func controlState(c *control.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := c.State(r.Context())
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, st)
	}
}

func controlTransition(c *control.Controller, to control.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if r.Body != nil {
			if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && err != io.EOF {
				api.WriteBadRequest(w, "body must be JSON like {\"reason\": \"...\"}")
				return
			}
		}
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			api.WriteUnauthorized(w, "")
			return
		}

		var st control.State
		if to == control.StatusStopped {
			st, err = c.Stop(r.Context(), p.ID, req.Reason)
		} else {
			st, err = c.Resume(r.Context(), p.ID, req.Reason)
		}
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, st)
	}
}

func ledgerMetrics(s ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := ledger.Recompute(r.Context(), s)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, m)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", auth.RequestID(r.Context()),
			)
		})
	}
}
