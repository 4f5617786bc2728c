package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/client"
	"github.com/Mindburn-Labs/veritas/pkg/control"
	"github.com/Mindburn-Labs/veritas/pkg/gateway"
	"github.com/Mindburn-Labs/veritas/pkg/identity"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/sentinel"
	"github.com/Mindburn-Labs/veritas/pkg/treasury"
	"github.com/Mindburn-Labs/veritas/pkg/wallet"
)

// demoResult is what runDemo observed, step by step.
type demoResult struct {
	Challenge     int            `json:"challenge_status"`
	Funded        amount.Amount  `json:"funded"`
	TxHash        string         `json:"tx_hash"`
	Granted       int            `json:"granted_status"`
	Replayed      int            `json:"replay_status"`
	ReplayReason  string         `json:"replay_reason"`
	Alerts        int            `json:"alerts"`
	Metrics       ledger.Metrics `json:"metrics"`
	VerifiedChain int            `json:"verified_entries"`
}

// runDemo drives one payment through every agent on the simulated network
// with in-memory stores, over a real loopback HTTP server.
func runDemo(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		priceStr, payTo string
		jsonOutput      bool
	)
	cmd.StringVar(&priceStr, "price", "0.0001", "Price per request")
	cmd.StringVar(&payTo, "pay-to", "0xABC", "Gateway receiving address")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	price, err := amount.Parse(priceStr)
	if err != nil || price.IsZero() {
		return fail(stderr, "-price must be a positive decimal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := demo(ctx, price, payTo, func(format string, args ...any) {
		if !jsonOutput {
			_, _ = fmt.Fprintf(stdout, format+"\n", args...)
		}
	})
	if err != nil {
		return fail(stderr, "demo: %v", err)
	}
	if jsonOutput {
		return printJSON(stdout, res)
	}
	return 0
}

func demo(ctx context.Context, price amount.Amount, payTo string, say func(string, ...any)) (*demoResult, error) {
	const instance = "demo"
	sim := wallet.NewSimProvider().WithTxHashes("0xDEAD")
	lg := ledger.NewMemoryStore()
	ctrl := control.NewController(control.NewMemoryStore(), lg, identity.MustAgentID(identity.RoleOperator, instance).String())

	gw, err := gateway.New(gateway.Config{
		Price:   price,
		PayTo:   payTo,
		AgentID: identity.MustAgentID(identity.RoleGateway, instance).String(),
	}, sim, lg)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           gateway.NewRouter(gateway.RouterDeps{Gateway: gw, Ledger: lg, Controller: ctrl}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()
	c := client.New("http://"+ln.Addr().String(), client.WithTimeout(10*time.Second))

	res := &demoResult{}
	say("%s1. request without payment%s", ColorBold, ColorReset)
	ch, err := c.Challenge(ctx, gateway.PremiumPath)
	if err != nil {
		return nil, err
	}
	res.Challenge = http.StatusPaymentRequired
	say("   %d %s price=%s pay_to=%s", res.Challenge, http.StatusText(res.Challenge), ch.Price, ch.PayTo)

	w, err := sim.CreateWallet(ctx)
	if err != nil {
		return nil, err
	}
	agent := treasury.New(sim, w, lg, identity.MustAgentID(identity.RoleTreasury, instance).String(), treasury.Config{
		PollInterval: 10 * time.Millisecond,
	})
	floor, err := price.Add(price)
	if err != nil {
		return nil, err
	}
	say("%s2. treasury %s funds itself%s", ColorBold, agent.Address(), ColorReset)
	if res.Funded, err = agent.EnsureFunds(ctx, floor); err != nil {
		return nil, err
	}
	say("   balance %s", res.Funded)

	say("%s3. treasury pays %s to %s%s", ColorBold, ch.Price, ch.PayTo, ColorReset)
	if res.TxHash, err = agent.Pay(ctx, ch.Price, ch.PayTo); err != nil {
		return nil, err
	}
	say("   tx %s final", res.TxHash)

	say("%s4. request with the receipt%s", ColorBold, ColorReset)
	granted, err := c.Redeem(ctx, gateway.PremiumPath, res.TxHash)
	if err != nil {
		return nil, err
	}
	res.Granted = granted.Status
	var payload struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(granted.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	say("   %s%d%s %s", ColorGreen, res.Granted, ColorReset, payload.Data)

	say("%s5. replay the same receipt%s", ColorBold, ColorReset)
	_, err = c.Redeem(ctx, gateway.PremiumPath, res.TxHash)
	if res.Replayed = client.StatusOf(err); res.Replayed == 0 {
		return nil, fmt.Errorf("replay: expected a denial, got %v", err)
	}
	res.ReplayReason = client.ReasonOf(err)
	say("   %s%d%s %s", ColorYellow, res.Replayed, ColorReset, res.ReplayReason)

	say("%s6. sentinel audit%s", ColorBold, ColorReset)
	s := sentinel.New(lg, ctrl, sentinel.Config{AgentID: identity.MustAgentID(identity.RoleSentinel, instance).String()})
	rep, err := s.Cycle(ctx)
	if err != nil {
		return nil, err
	}
	res.Alerts = rep.Alerts
	say("   scanned %d, alerts %d", rep.Scanned, rep.Alerts)

	if res.VerifiedChain, err = ledger.Verify(ctx, lg); err != nil {
		return nil, err
	}
	if res.Metrics, err = ledger.Recompute(ctx, lg); err != nil {
		return nil, err
	}
	say("%s7. ledger%s %d entries, chain intact, accepted %s from %d payer(s)",
		ColorBold, ColorReset, res.VerifiedChain, res.Metrics.AcceptedTotal, res.Metrics.UniquePayers)

	if res.Challenge != http.StatusPaymentRequired || res.Granted != http.StatusOK ||
		res.Replayed != http.StatusForbidden || res.Metrics.AcceptedCount != 1 {
		return res, errors.New("unexpected gateway behaviour")
	}
	return res, nil
}
