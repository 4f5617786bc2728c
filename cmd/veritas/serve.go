package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Mindburn-Labs/veritas/pkg/api"
	"github.com/Mindburn-Labs/veritas/pkg/auth"
	"github.com/Mindburn-Labs/veritas/pkg/gateway"
	"github.com/Mindburn-Labs/veritas/pkg/treasury"
)

//nolint:gocognit
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		envFile string
		addr    string
	)
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides VERITAS_LISTEN_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(envFile, true, stderr)
	if !ok {
		return 1
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	ctx, cancel := signalContext()
	defer cancel()

	_, _ = fmt.Fprintf(stdout, "%sVeritas gateway starting...%s\n", ColorBold+ColorBlue, ColorReset)
	a, err := openApp(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer a.Close()

	if err := a.recordInit(ctx); err != nil {
		return fail(stderr, "%v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw, err := a.gateway(ctx, reg)
	if err != nil {
		return fail(stderr, "gateway: %v", err)
	}

	var validator *auth.JWTValidator
	if cfg.ControlAPI {
		validator, err = auth.NewJWTValidator(cfg.JWTSecret)
		if err != nil {
			return fail(stderr, "control api: %v", err)
		}
	}
	var limiter *api.GlobalRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewGlobalRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	idem, err := a.idempotency(ctx)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	handler := gateway.NewRouter(gateway.RouterDeps{
		Gateway:     gw,
		Ledger:      a.ledger,
		Controller:  a.controller,
		Validator:   validator,
		Gatherer:    reg,
		Limiter:     limiter,
		CORSOrigins: cfg.CORSOrigins,
		Idempotency: idem,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if cfg.TopUpSchedule != "" {
		agent, err := a.treasury(ctx)
		if err != nil {
			return fail(stderr, "treasury: %v", err)
		}
		topUp, err := treasury.NewTopUp(agent, a.controller, cfg.TopUpSchedule, cfg.TopUpMin)
		if err != nil {
			return fail(stderr, "treasury: %v", err)
		}
		log.Printf("[veritas] treasury: top-up %q for %s (min %s)", cfg.TopUpSchedule, agent.Address(), cfg.TopUpMin)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := topUp.Start(ctx); err != nil {
				errCh <- fmt.Errorf("top-up: %w", err)
			}
		}()
	}

	if cfg.SentinelEnabled {
		s, err := a.sentinel()
		if err != nil {
			return fail(stderr, "sentinel: %v", err)
		}
		log.Printf("[veritas] sentinel: every %s over %d entries, rules %v", cfg.SentinelInterval, cfg.SentinelWindow, s.Rules())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("sentinel: %w", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[veritas] gateway: listening on %s (price %s, pay_to %s)", cfg.ListenAddr, cfg.Price, cfg.PayTo)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		log.Println("[veritas] shutting down")
	case err := <-errCh:
		code = fail(stderr, "%v", err)
		cancel()
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[veritas] http shutdown: %v", err)
	}
	wg.Wait()
	return code
}
