package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/client"
	"github.com/Mindburn-Labs/veritas/pkg/gateway"
)

// runFetch buys one request from a gateway, paying from the treasury wallet.
func runFetch(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("fetch", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		envFile, url, path, maxStr, receipt string
	)
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	cmd.StringVar(&url, "url", "http://localhost:8402", "Gateway base URL")
	cmd.StringVar(&path, "path", gateway.PremiumPath, "Protected resource")
	cmd.StringVar(&maxStr, "max-price", "", "Refuse challenges above this price")
	cmd.StringVar(&receipt, "receipt", "", "Present an existing transaction hash instead of paying")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	var limit amount.Amount
	if maxStr != "" {
		var err error
		if limit, err = amount.Parse(maxStr); err != nil {
			return fail(stderr, "-max-price: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := []client.Option{client.WithMaxPrice(limit)}
	if receipt == "" {
		cfg, ok := loadConfig(envFile, false, stderr)
		if !ok {
			return 1
		}
		a, err := openApp(ctx, cfg)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		defer a.Close()
		if st, err := a.controller.State(ctx); err == nil && st.Stopped() {
			return fail(stderr, "system stopped by %s: %s", st.UpdatedBy, st.Reason)
		}
		agent, err := a.treasury(ctx)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		opts = append(opts, client.WithPayer(agent))
	}

	c := client.New(url, opts...)
	var (
		resp *client.Response
		err  error
	)
	if receipt != "" {
		resp, err = c.Redeem(ctx, path, receipt)
	} else {
		resp, err = c.Fetch(ctx, path)
	}
	if err != nil {
		return fail(stderr, "fetch: %v", err)
	}
	if resp.Paid {
		_, _ = fmt.Fprintf(stderr, "paid with %s\n", resp.TxHash)
	}
	_, _ = fmt.Fprintln(stdout, string(resp.Body))
	return 0
}
