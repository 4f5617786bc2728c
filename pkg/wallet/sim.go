package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
)

// SimProvider is a deterministic in-process payment network. Wallet keys
// are real Neo N3 keys; balances and transactions live in memory.
type SimProvider struct {
	mu       sync.Mutex
	balances map[string]map[Asset]amount.Amount
	txs      map[string]*Transaction
	hashes   []string
	clock    func() time.Time

	// FaucetAmount is credited per RequestFunds call. Zero disables the faucet.
	FaucetAmount amount.Amount
	// FinalityDelay is how long a transfer stays pending.
	FinalityDelay time.Duration
}

// NewSimProvider returns a sim network whose faucet pays 0.001 per request.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		balances:     make(map[string]map[Asset]amount.Amount),
		txs:          make(map[string]*Transaction),
		clock:        time.Now,
		FaucetAmount: amount.MustParse("0.001"),
	}
}

// WithClock overrides clock for testing.
func (p *SimProvider) WithClock(clock func() time.Time) *SimProvider {
	p.clock = clock
	return p
}

// WithTxHashes queues hashes handed out to the next transfers, in order.
func (p *SimProvider) WithTxHashes(hashes ...string) *SimProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashes = append(p.hashes, hashes...)
	return p
}

func (p *SimProvider) Name() string { return string(KindSim) }

func (p *SimProvider) CreateWallet(ctx context.Context) (*Wallet, error) {
	priv, err := keys.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Wallet{Address: priv.Address(), Credential: []byte(priv.WIF())}, nil
}

func (p *SimProvider) ImportWallet(ctx context.Context, credential []byte) (*Wallet, error) {
	priv, err := keys.NewPrivateKeyFromWIF(string(credential))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return &Wallet{Address: priv.Address(), Credential: []byte(priv.WIF())}, nil
}

func (p *SimProvider) Balance(ctx context.Context, address string, asset Asset) (amount.Amount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	return p.balances[address][asset], nil
}

func (p *SimProvider) RequestFunds(ctx context.Context, address string, asset Asset) error {
	if p.FaucetAmount == 0 {
		return ErrFaucetUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creditLocked(address, asset, p.FaucetAmount)
}

// Fund credits address directly, for seeding tests and demos.
func (p *SimProvider) Fund(address string, asset Asset, amt amount.Amount) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creditLocked(address, asset, amt)
}

func (p *SimProvider) creditLocked(address string, asset Asset, amt amount.Amount) error {
	if p.balances[address] == nil {
		p.balances[address] = make(map[Asset]amount.Amount)
	}
	next, err := p.balances[address][asset].Add(amt)
	if err != nil {
		return err
	}
	p.balances[address][asset] = next
	return nil
}

func (p *SimProvider) Transfer(ctx context.Context, from *Wallet, to string, amt amount.Amount, asset Asset) (string, error) {
	if from == nil {
		return "", ErrInvalidCredential
	}
	priv, err := keys.NewPrivateKeyFromWIF(string(from.Credential))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if priv.Address() != from.Address {
		return "", ErrUnauthorized
	}
	if to == "" || amt == 0 {
		return "", fmt.Errorf("wallet: transfer needs a destination and a positive amount")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	remaining, err := p.balances[from.Address][asset].Sub(amt)
	if err != nil {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, p.balances[from.Address][asset], amt)
	}
	hash := p.nextHashLocked(from.Address, to, amt)
	if _, exists := p.txs[hash]; exists {
		return "", fmt.Errorf("wallet: duplicate transaction hash %s", hash)
	}

	p.balances[from.Address][asset] = remaining
	p.txs[hash] = &Transaction{
		Hash:        hash,
		From:        from.Address,
		To:          to,
		Amount:      amt,
		Asset:       asset,
		Status:      TxPending,
		SubmittedAt: p.clock(),
	}
	p.settleLocked()
	return hash, nil
}

// Inject records an arbitrary transaction, for tests that need transfers
// the sim would not produce itself.
func (p *SimProvider) Inject(tx Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := tx
	p.txs[tx.Hash] = &cp
}

func (p *SimProvider) Transaction(ctx context.Context, hash string) (*Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	tx, ok := p.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	cp := *tx
	return &cp, nil
}

// settleLocked confirms pending transfers older than FinalityDelay and
// credits their destination.
func (p *SimProvider) settleLocked() {
	now := p.clock()
	for _, tx := range p.txs {
		if tx.Status != TxPending || now.Sub(tx.SubmittedAt) < p.FinalityDelay {
			continue
		}
		if err := p.creditLocked(tx.To, tx.Asset, tx.Amount); err != nil {
			tx.Status = TxFailed
			tx.Error = err.Error()
			continue
		}
		tx.Status = TxConfirmed
	}
}

func (p *SimProvider) nextHashLocked(from, to string, amt amount.Amount) string {
	if len(p.hashes) > 0 {
		h := p.hashes[0]
		p.hashes = p.hashes[1:]
		return h
	}
	sum := sha256.Sum256([]byte(from + "|" + to + "|" + amt.String() + "|" + uuid.NewString()))
	return "0x" + hex.EncodeToString(sum[:])
}
