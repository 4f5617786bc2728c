package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/veritas/pkg/config"
)

// Version is stamped at build time.
var Version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "sentinel":
		return runSentinel(args[2:], stdout, stderr)
	case "treasury":
		return runTreasury(args[2:], stdout, stderr)
	case "fetch":
		return runFetch(args[2:], stdout, stderr)
	case "ledger":
		return runLedger(args[2:], stdout, stderr)
	case "stop", "resume", "status":
		return runControl(args[1], args[2:], stdout, stderr)
	case "op":
		return runOp(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "demo":
		return runDemo(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "veritas %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sVeritas %s%s\n", ColorBold+ColorBlue, Version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sPay-per-request data behind an auditable ledger.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  veritas <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "AGENTS")
	printCommand(w, "serve", "Run the payment gateway, top-up scheduler and sentinel")
	printCommand(w, "sentinel", "Run the ledger auditor (-once for a single cycle)")
	printCommand(w, "treasury", "Wallet operations: fund | pay | address | topup")
	printCommand(w, "fetch", "Buy a protected resource, paying from the treasury")

	printSection(w, "LEDGER")
	printCommand(w, "ledger", "Inspect the log: tail | verify | metrics")

	printSection(w, "CONTROL")
	printCommand(w, "stop", "Halt every agent (-reason)")
	printCommand(w, "resume", "Resume agents (-reason)")
	printCommand(w, "status", "Show the control flag")
	printCommand(w, "op", "Run a named operation (veritas op -list)")
	printCommand(w, "token", "Issue an operator JWT for the control API")

	printSection(w, "UTILITIES")
	printCommand(w, "demo", "End-to-end payment run on the simulated network")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadConfig reads .env, the environment and the profile. strict adds
// validation for commands that serve or spend.
func loadConfig(envFile string, strict bool, stderr io.Writer) (*config.Config, bool) {
	load := config.LoadUnchecked
	if strict {
		load = config.Load
	}
	cfg, err := load(envFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sconfiguration error:%s %v\n", ColorRed, ColorReset, err)
		return nil, false
	}
	setupLogging(cfg, stderr)
	return cfg, true
}

// setupLogging installs the default slog handler.
func setupLogging(cfg *config.Config, w io.Writer) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

func fail(stderr io.Writer, format string, args ...any) int {
	_, _ = fmt.Fprintf(stderr, "%sError:%s %s\n", ColorRed, ColorReset, fmt.Sprintf(format, args...))
	return 1
}
