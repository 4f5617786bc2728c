package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/veritas/pkg/ledger"
)

func runLedger(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: veritas ledger <tail|verify|metrics> [flags]")
		return 2
	}
	sub := args[0]

	cmd := flag.NewFlagSet("ledger "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		envFile string
		n       int
		actions string
		agentID string
		ref     string
	)
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	switch sub {
	case "tail":
		cmd.IntVar(&n, "n", 20, "Number of entries (0 for all)")
		cmd.StringVar(&actions, "action", "", "Comma-separated actions to include")
		cmd.StringVar(&agentID, "agent", "", "Only entries written by this agent")
		cmd.StringVar(&ref, "ref", "", "Only the entry with this reference")
	case "verify", "metrics":
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown ledger subcommand: %s\n", sub)
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

	switch sub {
	case "tail":
		f := ledger.Filter{AgentID: agentID, Ref: ref}
		for _, s := range strings.Split(actions, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Actions = append(f.Actions, ledger.Action(strings.ToUpper(s)))
			}
		}
		entries, err := a.ledger.Recent(ctx, n, f)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		return printJSON(stdout, entries)
	case "verify":
		count, err := ledger.Verify(ctx, a.ledger)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		_, _ = fmt.Fprintf(stdout, "%s✓%s %d entries, hash chain intact\n", ColorGreen, ColorReset, count)
		return 0
	default:
		m, err := ledger.Recompute(ctx, a.ledger)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		return printJSON(stdout, m)
	}
}
