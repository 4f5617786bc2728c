package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/treasury"
)

func runSentinel(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sentinel", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		envFile string
		once    bool
	)
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	cmd.BoolVar(&once, "once", false, "Run a single audit cycle and print its report")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(envFile, false, stderr)
	if !ok {
		return 1
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer a.Close()

	s, err := a.sentinel()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if once {
		rep, err := s.Cycle(ctx)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		return printJSON(stdout, rep)
	}
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		return fail(stderr, "%v", err)
	}
	return 0
}

func runTreasury(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: veritas treasury <fund|pay|address|topup> [flags]")
		return 2
	}
	sub := args[0]

	cmd := flag.NewFlagSet("treasury "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		envFile string
		minStr  string
		amtStr  string
		to      string
		once    bool
	)
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	switch sub {
	case "fund":
		cmd.StringVar(&minStr, "min", "0.0002", "Balance to ensure")
	case "pay":
		cmd.StringVar(&amtStr, "amount", "", "Amount to send (REQUIRED)")
		cmd.StringVar(&to, "to", "", "Destination address (defaults to VERITAS_PAY_TO)")
	case "topup":
		cmd.BoolVar(&once, "once", false, "Check the balance once instead of running the schedule")
	case "address":
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown treasury subcommand: %s\n", sub)
		return 2
	}
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, ok := loadConfig(envFile, false, stderr)
	if !ok {
		return 1
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer a.Close()

	agent, err := a.treasury(ctx)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	switch sub {
	case "address":
		_, _ = fmt.Fprintln(stdout, agent.Address())
		return 0
	case "fund":
		floor, err := amount.Parse(minStr)
		if err != nil {
			return fail(stderr, "-min: %v", err)
		}
		bal, err := agent.EnsureFunds(ctx, floor)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		return printJSON(stdout, map[string]any{"address": agent.Address(), "balance": bal})
	case "pay":
		amt, err := amount.Parse(amtStr)
		if err != nil || amt.IsZero() {
			return fail(stderr, "-amount must be a positive decimal")
		}
		if to == "" {
			to = cfg.PayTo
		}
		if to == "" {
			return fail(stderr, "-to or VERITAS_PAY_TO is required")
		}
		st, err := a.controller.State(ctx)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if st.Stopped() {
			return fail(stderr, "system stopped by %s: %s", st.UpdatedBy, st.Reason)
		}
		hash, err := agent.Pay(ctx, amt, to)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		_, _ = fmt.Fprintln(stdout, hash)
		return 0
	default: // topup
		schedule := cfg.TopUpSchedule
		if schedule == "" {
			schedule = "@every 10m"
		}
		topUp, err := treasury.NewTopUp(agent, a.controller, schedule, cfg.TopUpMin)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if once {
			runCtx, done := context.WithTimeout(ctx, 2*time.Minute)
			defer done()
			if err := topUp.RunOnce(runCtx); err != nil {
				return fail(stderr, "%v", err)
			}
			return 0
		}
		if err := topUp.Start(ctx); err != nil {
			return fail(stderr, "%v", err)
		}
		return 0
	}
}
