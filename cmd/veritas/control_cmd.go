package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/auth"
	"github.com/Mindburn-Labs/veritas/pkg/operations"
)

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "cli"
}

// runControl handles stop, resume and status against the shared store.
func runControl(verb string, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet(verb, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var envFile, reason, by string
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	if verb != "status" {
		cmd.StringVar(&reason, "reason", "", "Why the state is changing")
		cmd.StringVar(&by, "by", operatorName(), "Operator recorded on the transition")
	}
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	op, err := operations.ParseOp(verb)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	return dispatch(op, operations.Request{By: by, Reason: reason}, envFile, stdout, stderr)
}

func runOp(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("op", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		envFile, amtStr, to, reason, by string
		list                            bool
	)
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	cmd.StringVar(&amtStr, "amount", "", "Amount argument")
	cmd.StringVar(&to, "to", "", "Destination argument")
	cmd.StringVar(&reason, "reason", "", "Reason argument")
	cmd.StringVar(&by, "by", operatorName(), "Actor argument")
	cmd.BoolVar(&list, "list", false, "List operations")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if list {
		names := make([]string, 0, len(operations.Ops()))
		for _, op := range operations.Ops() {
			names = append(names, op.String())
		}
		sort.Strings(names)
		_, _ = fmt.Fprintln(stdout, strings.Join(names, "\n"))
		return 0
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: veritas op [flags] <name>")
		return 2
	}
	op, err := operations.ParseOp(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v (see veritas op -list)\n", err)
		return 2
	}

	req := operations.Request{Destination: to, Reason: reason, By: by}
	if amtStr != "" {
		if req.Amount, err = amount.Parse(amtStr); err != nil {
			return fail(stderr, "-amount: %v", err)
		}
	}
	return dispatch(op, req, envFile, stdout, stderr)
}

func dispatch(op operations.Op, req operations.Request, envFile string, stdout, stderr io.Writer) int {
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

	if op == operations.OpPay && req.Destination == "" {
		req.Destination = cfg.PayTo
	}
	d, err := a.dispatcher(ctx, op)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	res, err := d.Do(ctx, op, req)
	if err != nil {
		if errors.Is(err, operations.ErrInvalidRequest) {
			_, _ = fmt.Fprintln(stderr, err)
			return 2
		}
		return fail(stderr, "%v", err)
	}
	return printJSON(stdout, res)
}

func runToken(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		envFile, subject string
		ttl              time.Duration
	)
	cmd.StringVar(&envFile, "env", ".env", "Path to a dotenv file (ignored when absent)")
	cmd.StringVar(&subject, "subject", operatorName(), "Operator name carried in the token")
	cmd.DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(envFile, false, stderr)
	if !ok {
		return 1
	}
	if cfg.JWTSecret == "" {
		return fail(stderr, "VERITAS_JWT_SECRET is not set")
	}
	tok, err := auth.IssueToken(cfg.JWTSecret, subject, []string{auth.RoleOperator}, ttl, time.Now())
	if err != nil {
		return fail(stderr, "%v", err)
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
