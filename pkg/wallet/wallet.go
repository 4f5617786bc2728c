// Package wallet defines the chain wallet capability used by the treasury
// and the payment gateway, and its implementations.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
)

var (
	ErrTxNotFound          = errors.New("wallet: transaction not found")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrFaucetUnavailable   = errors.New("wallet: faucet unavailable")
	ErrInvalidCredential   = errors.New("wallet: invalid credential material")
	ErrUnauthorized        = errors.New("wallet: credential does not control address")
	ErrUnknownProvider     = errors.New("wallet: unknown provider")
)

// Asset names a token on the payment network.
type Asset string

// AssetNative is the chain's native asset.
const AssetNative Asset = "native"

// TxStatus is the finality state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Wallet is an address plus the credential material that controls it.
// Credential is never serialised with the wallet; see Vault.
type Wallet struct {
	Address    string `json:"address"`
	Credential []byte `json:"-"`
}

// Transaction is the chain's view of a transfer.
type Transaction struct {
	Hash        string        `json:"hash"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Amount      amount.Amount `json:"amount"`
	Asset       Asset         `json:"asset"`
	Status      TxStatus      `json:"status"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Error       string        `json:"error,omitempty"`
}

// Final reports whether the transaction reached a terminal state.
func (t *Transaction) Final() bool {
	return t.Status == TxConfirmed || t.Status == TxFailed
}

// Provider is the opaque chain capability.
type Provider interface {
	// Name identifies the implementation in logs.
	Name() string
	CreateWallet(ctx context.Context) (*Wallet, error)
	// ImportWallet rebuilds a wallet from exported credential material.
	ImportWallet(ctx context.Context, credential []byte) (*Wallet, error)
	Balance(ctx context.Context, address string, asset Asset) (amount.Amount, error)
	// RequestFunds asks the network faucet to top up address.
	RequestFunds(ctx context.Context, address string, asset Asset) error
	// Transfer submits a transfer and returns its hash without waiting.
	Transfer(ctx context.Context, from *Wallet, to string, amt amount.Amount, asset Asset) (string, error)
	// Transaction looks up a transfer. ErrTxNotFound when unknown.
	Transaction(ctx context.Context, hash string) (*Transaction, error)
}

// Kind selects a Provider implementation.
type Kind string

const (
	KindSim Kind = "sim"
	KindRPC Kind = "rpc"
)

// Options configures New.
type Options struct {
	Kind Kind
	// RPCURL is required for KindRPC.
	RPCURL     string
	RPCTimeout time.Duration
	// Sim settings.
	FaucetAmount  amount.Amount
	FinalityDelay time.Duration
}

// New returns the single provider chosen by configuration.
func New(opts Options) (Provider, error) {
	switch opts.Kind {
	case KindSim, "":
		sim := NewSimProvider()
		if opts.FaucetAmount > 0 {
			sim.FaucetAmount = opts.FaucetAmount
		}
		sim.FinalityDelay = opts.FinalityDelay
		return sim, nil
	case KindRPC:
		return NewRPCProvider(RPCConfig{URL: opts.RPCURL, Timeout: opts.RPCTimeout})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Kind)
	}
}
