// Package treasury holds the agent's own wallet: it keeps it funded from the
// faucet and pays other services, waiting for each payment to settle.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/observability"
	"github.com/Mindburn-Labs/veritas/pkg/wallet"
)

var (
	ErrInsufficientFunds   = errors.New("treasury: insufficient funds")
	ErrTransferFailed      = errors.New("treasury: transfer failed")
	ErrConfirmationTimeout = errors.New("treasury: confirmation timeout")
)

const (
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultPollInterval        = 2 * time.Second
)

// Config tunes the waits of an Agent.
type Config struct {
	Asset wallet.Asset
	// FaucetWait is how long EnsureFunds waits after a faucet request before
	// reading the balance again.
	FaucetWait          time.Duration
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// Agent operates one wallet through a Provider.
type Agent struct {
	provider wallet.Provider
	wallet   *wallet.Wallet
	ledger   ledger.Store
	agentID  string
	cfg      Config
	obs      *observability.Provider
	logger   *slog.Logger

	// transfers from one wallet are submitted one at a time
	submitMu sync.Mutex
}

// New creates an agent for w. lg may be nil; ledger entries are best-effort.
func New(p wallet.Provider, w *wallet.Wallet, lg ledger.Store, agentID string, cfg Config) *Agent {
	if cfg.Asset == "" {
		cfg.Asset = wallet.AssetNative
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Agent{
		provider: p,
		wallet:   w,
		ledger:   lg,
		agentID:  agentID,
		cfg:      cfg,
		obs:      observability.Disabled(),
		logger:   slog.Default().With("component", "treasury", "address", w.Address),
	}
}

// WithObservability attaches a telemetry provider.
func (a *Agent) WithObservability(p *observability.Provider) *Agent {
	if p != nil {
		a.obs = p
	}
	return a
}

// Address is the wallet's address.
func (a *Agent) Address() string { return a.wallet.Address }

// Balance reads the wallet's balance of the configured asset.
func (a *Agent) Balance(ctx context.Context) (amount.Amount, error) {
	return a.provider.Balance(ctx, a.wallet.Address, a.cfg.Asset)
}

// EnsureFunds makes sure the balance is at least min. Below min it asks the
// faucet once, waits FaucetWait and reads again. It returns the final
// balance, or ErrInsufficientFunds if it is still short.
func (a *Agent) EnsureFunds(ctx context.Context, min amount.Amount) (bal amount.Amount, err error) {
	ctx, done := a.obs.TrackOperation(ctx, "treasury", "ensure_funds")
	defer func() { done(err) }()

	bal, err = a.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if bal.Cmp(min) >= 0 {
		return bal, nil
	}

	a.logger.Info("balance below minimum, requesting faucet funds", "balance", bal, "min", min)
	faucetErr := a.provider.RequestFunds(ctx, a.wallet.Address, a.cfg.Asset)
	details := ledger.Details{
		"address": a.wallet.Address,
		"asset":   string(a.cfg.Asset),
		"balance": bal.String(),
		"min":     min.String(),
	}
	if faucetErr != nil {
		details["error"] = faucetErr.Error()
		a.logger.Warn("faucet request failed", "error", faucetErr)
	}
	a.record(ctx, ledger.Entry{Action: ledger.ActionFundsRequested, Details: details})

	if faucetErr == nil && a.cfg.FaucetWait > 0 {
		if err := sleep(ctx, a.cfg.FaucetWait); err != nil {
			return bal, err
		}
	}

	bal, err = a.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if bal.Cmp(min) < 0 {
		if faucetErr != nil {
			return bal, fmt.Errorf("%w: have %s, need %s: %w", ErrInsufficientFunds, bal, min, faucetErr)
		}
		return bal, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, bal, min)
	}
	return bal, nil
}

// Pay transfers amt to destination and waits until the transfer is final.
// It returns the transaction hash.
func (a *Agent) Pay(ctx context.Context, amt amount.Amount, destination string) (hash string, err error) {
	ctx, done := a.obs.TrackOperation(ctx, "treasury", "pay")
	defer func() { done(err) }()

	a.submitMu.Lock()
	hash, err = a.provider.Transfer(ctx, a.wallet, destination, amt, a.cfg.Asset)
	a.submitMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	a.logger.Info("transfer submitted", "tx_hash", hash, "to", destination, "amount", amt)

	tx, err := a.waitFinal(ctx, hash)
	if err != nil {
		return hash, err
	}
	if tx.Status != wallet.TxConfirmed {
		return hash, fmt.Errorf("%w: %s %s %s", ErrTransferFailed, hash, tx.Status, tx.Error)
	}

	a.record(ctx, ledger.Entry{
		Action: ledger.ActionPaymentSent,
		Amount: amt,
		Details: ledger.Details{
			"tx_hash": hash,
			"from":    a.wallet.Address,
			"to":      destination,
			"asset":   string(a.cfg.Asset),
		},
	})
	return hash, nil
}

// waitFinal polls the provider until hash is final or the confirmation
// window closes. Lookup errors while waiting are treated as transient.
func (a *Agent) waitFinal(ctx context.Context, hash string) (*wallet.Transaction, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tx, err := a.provider.Transaction(waitCtx, hash)
		switch {
		case err == nil && tx.Final():
			return tx, nil
		case err != nil && !errors.Is(err, wallet.ErrTxNotFound) && waitCtx.Err() == nil:
			a.logger.Debug("transaction lookup failed, retrying", "tx_hash", hash, "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s not final after %s", ErrConfirmationTimeout, hash, a.cfg.ConfirmationTimeout)
		case <-ticker.C:
		}
	}
}

func (a *Agent) record(ctx context.Context, e ledger.Entry) {
	if a.ledger == nil {
		return
	}
	e.AgentID = a.agentID
	if _, err := a.ledger.Append(ctx, e); err != nil {
		a.logger.Warn("ledger entry not recorded", "action", e.Action, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
