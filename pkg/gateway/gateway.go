// Package gateway implements the x402 payment gate: it challenges callers
// with a price, verifies on-chain receipts and grants access once per receipt.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/observability"
	"github.com/Mindburn-Labs/veritas/pkg/wallet"
)

// Scheme is the Authorization scheme carrying a payment receipt.
const Scheme = "402-payment"

var ErrMisconfigured = errors.New("gateway: misconfigured")

// TxLookup resolves transaction hashes on the payment network.
type TxLookup interface {
	Transaction(ctx context.Context, hash string) (*wallet.Transaction, error)
}

// Config is the price list of one gateway.
type Config struct {
	Price   amount.Amount
	PayTo   string
	Asset   wallet.Asset
	AgentID string
}

// Challenge is the body of a 402 response.
type Challenge struct {
	Price    amount.Amount `json:"price"`
	PayTo    string        `json:"pay_to"`
	Asset    wallet.Asset  `json:"asset"`
	Scheme   string        `json:"scheme"`
	Version  string        `json:"version"`
	Resource string        `json:"resource,omitempty"`
}

// Fields returns the challenge as a flat map for problem extensions.
func (c Challenge) Fields() map[string]any {
	f := map[string]any{
		"price":   c.Price,
		"pay_to":  c.PayTo,
		"asset":   c.Asset,
		"scheme":  c.Scheme,
		"version": c.Version,
	}
	if c.Resource != "" {
		f["resource"] = c.Resource
	}
	return f
}

// Receipt is the proof of one granted request.
type Receipt struct {
	TxHash string        `json:"tx_hash"`
	Payer  string        `json:"payer"`
	Amount amount.Amount `json:"amount"`
	Entry  ledger.Entry  `json:"entry"`
}

// Gateway verifies receipts against the chain and records grants.
type Gateway struct {
	cfg     Config
	chain   TxLookup
	ledger  ledger.Store
	guard   RedemptionGuard
	metrics *Metrics
	obs     *observability.Provider
	now     func() time.Time
	logger  *slog.Logger
}

// New validates cfg and creates a gateway with an in-process guard.
func New(cfg Config, chain TxLookup, lg ledger.Store) (*Gateway, error) {
	if cfg.Price.IsZero() {
		return nil, fmt.Errorf("%w: price must be positive", ErrMisconfigured)
	}
	if strings.TrimSpace(cfg.PayTo) == "" {
		return nil, fmt.Errorf("%w: pay_to address required", ErrMisconfigured)
	}
	if chain == nil || lg == nil {
		return nil, fmt.Errorf("%w: chain and ledger required", ErrMisconfigured)
	}
	if cfg.Asset == "" {
		cfg.Asset = wallet.AssetNative
	}
	return &Gateway{
		cfg:    cfg,
		chain:  chain,
		ledger: lg,
		guard:  NewKeyedMutex(),
		obs:    observability.Disabled(),
		now:    time.Now,
		logger: slog.Default().With("component", "gateway", "pay_to", cfg.PayTo),
	}, nil
}

// WithGuard replaces the in-process guard, e.g. with a RedisGuard.
func (g *Gateway) WithGuard(guard RedemptionGuard) *Gateway {
	if guard != nil {
		g.guard = guard
	}
	return g
}

// WithMetrics attaches Prometheus collectors.
func (g *Gateway) WithMetrics(m *Metrics) *Gateway {
	g.metrics = m
	return g
}

// WithObservability attaches a telemetry provider.
func (g *Gateway) WithObservability(p *observability.Provider) *Gateway {
	if p != nil {
		g.obs = p
	}
	return g
}

// Challenge describes what a caller must pay to access resource.
func (g *Gateway) Challenge(resource string) Challenge {
	return Challenge{
		Price:    g.cfg.Price,
		PayTo:    g.cfg.PayTo,
		Asset:    g.cfg.Asset,
		Scheme:   Scheme,
		Version:  ProtocolVersion,
		Resource: resource,
	}
}

// ParseAuthorization extracts the transaction hash from an
// "Authorization: 402-payment <tx_hash>" header value.
func ParseAuthorization(header string) (string, error) {
	scheme, hash, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return "", deny(ReasonInvalidReceipt, "expected Authorization: "+Scheme+" <tx_hash>", nil)
	}
	hash = strings.TrimSpace(hash)
	if hash == "" || strings.ContainsAny(hash, " \t") {
		return "", deny(ReasonInvalidReceipt, "empty or malformed transaction hash", nil)
	}
	return hash, nil
}

// Redeem verifies txHash and, if it pays for resource and was never used
// before, records the grant. The grant is durable before Redeem returns.
// Every refusal is a *Denial.
func (g *Gateway) Redeem(ctx context.Context, txHash, resource string) (rc Receipt, err error) {
	start := g.now()
	ctx, done := g.obs.TrackOperation(ctx, "gateway", "redeem", observability.AttrTxHash.String(txHash))
	defer func() {
		done(err)
		took := g.now().Sub(start)
		if err != nil {
			g.metrics.denied(ReasonOf(err), took)
			g.logger.Info("receipt denied", "tx_hash", txHash, "reason", ReasonOf(err), "error", err)
			return
		}
		g.metrics.granted(rc.Amount, took)
		g.logger.Info("receipt accepted", "tx_hash", rc.TxHash, "payer", rc.Payer, "amount", rc.Amount)
	}()

	tx, err := g.verify(ctx, txHash)
	if err != nil {
		return Receipt{}, err
	}
	// The chain's spelling of the hash is the redemption key, so casing
	// variants of one receipt collide.
	ref := tx.Hash
	if ref == "" {
		ref = txHash
	}

	release, err := g.guard.Acquire(ctx, ref)
	if err != nil {
		return Receipt{}, deny(ReasonLedgerUnavailable, "redemption lock unavailable", err)
	}
	defer release()

	redeemed, err := g.ledger.Redeemed(ctx, ref)
	if err != nil {
		return Receipt{}, deny(ReasonLedgerUnavailable, "redemption check failed", err)
	}
	if redeemed {
		return Receipt{}, deny(ReasonReplayedReceipt, "transaction "+ref+" already redeemed", nil)
	}

	entry, err := g.ledger.Append(ctx, ledger.Entry{
		AgentID: g.cfg.AgentID,
		Action:  ledger.ActionPaymentAccepted,
		Amount:  tx.Amount,
		Ref:     ref,
		Details: ledger.Details{
			"tx_hash":  ref,
			"payer":    tx.From,
			"resource": resource,
		},
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateRef):
		return Receipt{}, deny(ReasonReplayedReceipt, "transaction "+ref+" already redeemed", err)
	case err != nil:
		return Receipt{}, deny(ReasonLedgerUnavailable, "payment could not be recorded", err)
	}
	return Receipt{TxHash: ref, Payer: tx.From, Amount: tx.Amount, Entry: entry}, nil
}

// verify runs the chain checks in order: exists and final, identity, amount,
// destination. Hashes and addresses compare without regard to case.
func (g *Gateway) verify(ctx context.Context, txHash string) (*wallet.Transaction, error) {
	tx, err := g.chain.Transaction(ctx, txHash)
	switch {
	case errors.Is(err, wallet.ErrTxNotFound):
		return nil, deny(ReasonInvalidReceipt, "transaction not found", err)
	case err != nil:
		return nil, deny(ReasonChainUnavailable, "payment network lookup failed", err)
	}
	if tx.Hash != "" && !strings.EqualFold(tx.Hash, txHash) {
		return nil, deny(ReasonInvalidReceipt, "payment network returned a different transaction", nil)
	}
	if !tx.Final() {
		return nil, deny(ReasonInvalidReceipt, "transaction not final", nil)
	}
	if tx.Status != wallet.TxConfirmed {
		return nil, deny(ReasonInvalidReceipt, "transaction failed on chain", nil)
	}
	if tx.Asset != "" && tx.Asset != g.cfg.Asset {
		return nil, deny(ReasonInvalidReceipt, fmt.Sprintf("paid in %s, expected %s", tx.Asset, g.cfg.Asset), nil)
	}
	if tx.Amount.Cmp(g.cfg.Price) < 0 {
		return nil, deny(ReasonInvalidReceipt, fmt.Sprintf("underpaid: %s < %s", tx.Amount, g.cfg.Price), nil)
	}
	if !strings.EqualFold(tx.To, g.cfg.PayTo) {
		return nil, deny(ReasonInvalidReceipt, "payment sent to a different address", nil)
	}
	return tx, nil
}
