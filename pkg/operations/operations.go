// Package operations is the closed set of actions an agent may invoke by
// name. Every name maps to exactly one handler in a fixed table.
package operations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/control"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/sentinel"
	"github.com/Mindburn-Labs/veritas/pkg/treasury"
)

var (
	ErrUnknownOperation = errors.New("operations: unknown operation")
	ErrInvalidRequest   = errors.New("operations: invalid request")
	ErrUnavailable      = errors.New("operations: capability not configured")
	ErrStopped          = errors.New("operations: system stopped")
)

// Op identifies one operation.
type Op int

const (
	OpBalance Op = iota + 1
	OpEnsureFunds
	OpPay
	OpLedgerMetrics
	OpVerifyLedger
	OpStatus
	OpStop
	OpResume
	OpAudit
	opCount
)

var opNames = [opCount]string{
	OpBalance:       "balance",
	OpEnsureFunds:   "ensure_funds",
	OpPay:           "pay",
	OpLedgerMetrics: "ledger_metrics",
	OpVerifyLedger:  "verify_ledger",
	OpStatus:        "status",
	OpStop:          "stop",
	OpResume:        "resume",
	OpAudit:         "audit",
}

func (o Op) String() string {
	if o <= 0 || o >= opCount {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opNames[o]
}

// Ops lists every operation in declaration order.
func Ops() []Op {
	ops := make([]Op, 0, opCount-1)
	for o := OpBalance; o < opCount; o++ {
		ops = append(ops, o)
	}
	return ops
}

// ParseOp resolves a name such as "ensure_funds" (or "ensure-funds").
func ParseOp(name string) (Op, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for o := OpBalance; o < opCount; o++ {
		if opNames[o] == n {
			return o, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
}

// Request carries the arguments an operation may read.
type Request struct {
	Amount      amount.Amount
	Destination string
	By          string
	Reason      string
}

// Result is the typed outcome. Only the fields of the executed Op are set.
type Result struct {
	Op       Op               `json:"-"`
	Name     string           `json:"op"`
	Balance  *amount.Amount   `json:"balance,omitempty"`
	TxHash   string           `json:"tx_hash,omitempty"`
	Metrics  *ledger.Metrics  `json:"metrics,omitempty"`
	Verified *int             `json:"verified_entries,omitempty"`
	State    *control.State   `json:"state,omitempty"`
	Report   *sentinel.Report `json:"report,omitempty"`
}

// Deps are the capabilities operations run against. Any may be nil; an
// operation needing a missing one fails with ErrUnavailable.
type Deps struct {
	Treasury   *treasury.Agent
	Ledger     ledger.Store
	Controller *control.Controller
	Sentinel   *sentinel.Sentinel
}

type handler func(ctx context.Context, d Deps, req Request) (Result, error)

var handlers = [opCount]handler{
	OpBalance:       balance,
	OpEnsureFunds:   ensureFunds,
	OpPay:           pay,
	OpLedgerMetrics: ledgerMetrics,
	OpVerifyLedger:  verifyLedger,
	OpStatus:        status,
	OpStop:          stop,
	OpResume:        resume,
	OpAudit:         audit,
}

// Dispatcher runs operations against a fixed set of capabilities.
type Dispatcher struct {
	deps Deps
}

func NewDispatcher(d Deps) *Dispatcher {
	return &Dispatcher{deps: d}
}

// Do runs op.
func (d *Dispatcher) Do(ctx context.Context, op Op, req Request) (Result, error) {
	if op <= 0 || op >= opCount {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	res, err := handlers[op](ctx, d.deps, req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	res.Op = op
	res.Name = op.String()
	return res, nil
}

// DoNamed resolves name and runs it.
func (d *Dispatcher) DoNamed(ctx context.Context, name string, req Request) (Result, error) {
	op, err := ParseOp(name)
	if err != nil {
		return Result{}, err
	}
	return d.Do(ctx, op, req)
}

// requireRunning refuses state-changing operations while stopped.
func requireRunning(ctx context.Context, d Deps) error {
	if d.Controller == nil {
		return nil
	}
	st, err := d.Controller.State(ctx)
	if err != nil {
		return err
	}
	if st.Stopped() {
		return ErrStopped
	}
	return nil
}

func balance(ctx context.Context, d Deps, _ Request) (Result, error) {
	if d.Treasury == nil {
		return Result{}, ErrUnavailable
	}
	bal, err := d.Treasury.Balance(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: &bal}, nil
}

func ensureFunds(ctx context.Context, d Deps, req Request) (Result, error) {
	if d.Treasury == nil {
		return Result{}, ErrUnavailable
	}
	if err := requireRunning(ctx, d); err != nil {
		return Result{}, err
	}
	bal, err := d.Treasury.EnsureFunds(ctx, req.Amount)
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: &bal}, nil
}

func pay(ctx context.Context, d Deps, req Request) (Result, error) {
	if d.Treasury == nil {
		return Result{}, ErrUnavailable
	}
	if req.Amount.IsZero() || req.Destination == "" {
		return Result{}, fmt.Errorf("%w: pay needs an amount and a destination", ErrInvalidRequest)
	}
	if err := requireRunning(ctx, d); err != nil {
		return Result{}, err
	}
	hash, err := d.Treasury.Pay(ctx, req.Amount, req.Destination)
	if err != nil {
		return Result{}, err
	}
	return Result{TxHash: hash}, nil
}

func ledgerMetrics(ctx context.Context, d Deps, _ Request) (Result, error) {
	if d.Ledger == nil {
		return Result{}, ErrUnavailable
	}
	m, err := ledger.Recompute(ctx, d.Ledger)
	if err != nil {
		return Result{}, err
	}
	return Result{Metrics: &m}, nil
}

func verifyLedger(ctx context.Context, d Deps, _ Request) (Result, error) {
	if d.Ledger == nil {
		return Result{}, ErrUnavailable
	}
	n, err := ledger.Verify(ctx, d.Ledger)
	if err != nil {
		return Result{}, err
	}
	return Result{Verified: &n}, nil
}

func status(ctx context.Context, d Deps, _ Request) (Result, error) {
	if d.Controller == nil {
		return Result{}, ErrUnavailable
	}
	st, err := d.Controller.State(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{State: &st}, nil
}

func stop(ctx context.Context, d Deps, req Request) (Result, error) {
	if d.Controller == nil {
		return Result{}, ErrUnavailable
	}
	st, err := d.Controller.Stop(ctx, req.By, req.Reason)
	if err != nil {
		return Result{}, err
	}
	return Result{State: &st}, nil
}

func resume(ctx context.Context, d Deps, req Request) (Result, error) {
	if d.Controller == nil {
		return Result{}, ErrUnavailable
	}
	st, err := d.Controller.Resume(ctx, req.By, req.Reason)
	if err != nil {
		return Result{}, err
	}
	return Result{State: &st}, nil
}

func audit(ctx context.Context, d Deps, _ Request) (Result, error) {
	if d.Sentinel == nil {
		return Result{}, ErrUnavailable
	}
	if err := requireRunning(ctx, d); err != nil {
		return Result{}, err
	}
	rep, err := d.Sentinel.Cycle(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Report: &rep}, nil
}
