package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/Mindburn-Labs/veritas/pkg/wallet"
)

var (
	ErrCorrupt         = errors.New("vault: sealed wallet is corrupt")
	ErrWrongPassphrase = errors.New("vault: wrong passphrase")
	ErrNoPassphrase    = errors.New("vault: passphrase required")
)

const envelopeVersion = 1

// scrypt parameters (N=2^15, r=8, p=1), the interactive-login setting.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// envelope is the on-storage shape of a sealed wallet.
type envelope struct {
	Version    int    `json:"version"`
	Provider   string `json:"provider"`
	Address    string `json:"address"`
	ScryptN    int    `json:"scrypt_n"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vault seals wallet credentials with a passphrase-derived key before
// handing them to a BlobStore.
type Vault struct {
	store      BlobStore
	passphrase []byte
	costN      int
	rand       io.Reader
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a vault over store.
func New(store BlobStore, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	return &Vault{
		store:      store,
		passphrase: []byte(passphrase),
		costN:      scryptN,
		rand:       rand.Reader,
		now:        time.Now,
		logger:     slog.Default().With("component", "vault"),
	}, nil
}

func (v *Vault) deriveKey(salt []byte, n int) (*[32]byte, error) {
	k, err := scrypt.Key(v.passphrase, salt, n, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], k)
	return &key, nil
}

// Export seals w and stores it under name.
func (v *Vault) Export(ctx context.Context, name, provider string, w *wallet.Wallet) error {
	if w == nil || len(w.Credential) == 0 {
		return fmt.Errorf("vault: wallet has no credential material")
	}
	env := envelope{
		Version:  envelopeVersion,
		Provider: provider,
		Address:  w.Address,
		ScryptN:  v.costN,
		Salt:     make([]byte, 16),
	}
	if _, err := io.ReadFull(v.rand, env.Salt); err != nil {
		return fmt.Errorf("vault: salt: %w", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(v.rand, nonce[:]); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	key, err := v.deriveKey(env.Salt, env.ScryptN)
	if err != nil {
		return err
	}
	env.Nonce = nonce[:]
	env.Ciphertext = secretbox.Seal(nil, w.Credential, &nonce, key)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("vault: encode: %w", err)
	}
	return v.store.Put(ctx, name, data)
}

// Import loads and opens the wallet stored under name. It returns the
// recorded address and the credential material.
func (v *Vault) Import(ctx context.Context, name string) (string, []byte, error) {
	data, err := v.store.Get(ctx, name)
	if err != nil {
		return "", nil, err
	}
	return v.unseal(data)
}

func (v *Vault) unseal(data []byte) (string, []byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion || len(env.Nonce) != 24 || len(env.Salt) == 0 || env.ScryptN < 2 || env.ScryptN > 1<<20 {
		return "", nil, fmt.Errorf("%w: unsupported envelope", ErrCorrupt)
	}
	key, err := v.deriveKey(env.Salt, env.ScryptN)
	if err != nil {
		return "", nil, err
	}
	var nonce [24]byte
	copy(nonce[:], env.Nonce)
	plain, ok := secretbox.Open(nil, env.Ciphertext, &nonce, key)
	if !ok {
		return "", nil, ErrWrongPassphrase
	}
	return env.Address, plain, nil
}

// Open restores the wallet stored under name through p. fresh reports
// whether the returned wallet is new and unfunded.
//
// A stored wallet is never overwritten unless it is unreadable: a missing
// wallet is created and exported, a corrupt one is first copied to
// "<name>.corrupt-<unix>" and then replaced. A wrong passphrase is an
// error. When the store or the provider fails, Open returns a fresh wallet
// that is not persisted and leaves the stored one untouched.
func (v *Vault) Open(ctx context.Context, name string, p wallet.Provider) (w *wallet.Wallet, fresh bool, err error) {
	data, err := v.store.Get(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		v.logger.Info("no stored wallet, creating one", "name", name)
		return v.replace(ctx, name, p)
	case err != nil:
		v.logger.Warn("wallet store unavailable, using an unpersisted wallet", "name", name, "error", err)
		return v.ephemeral(ctx, p)
	}

	w, err = v.restore(ctx, data, p)
	switch {
	case err == nil:
		return w, false, nil
	case errors.Is(err, ErrWrongPassphrase):
		return nil, false, fmt.Errorf("open wallet %s: %w", name, err)
	case errors.Is(err, ErrCorrupt), errors.Is(err, wallet.ErrInvalidCredential):
		aside := fmt.Sprintf("%s.corrupt-%d", name, v.now().Unix())
		if perr := v.store.Put(ctx, aside, data); perr != nil {
			v.logger.Warn("unusable wallet could not be moved aside, leaving it in place",
				"name", name, "error", err, "put_error", perr)
			return v.ephemeral(ctx, p)
		}
		v.logger.Warn("stored wallet unusable, moved aside", "name", name, "moved_to", aside, "error", err)
		return v.replace(ctx, name, p)
	default:
		v.logger.Warn("wallet provider could not restore the stored wallet, using an unpersisted wallet",
			"name", name, "error", err)
		return v.ephemeral(ctx, p)
	}
}

// replace creates a wallet and exports it under name.
func (v *Vault) replace(ctx context.Context, name string, p wallet.Provider) (*wallet.Wallet, bool, error) {
	w, _, err := v.ephemeral(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if err := v.Export(ctx, name, p.Name(), w); err != nil {
		// The wallet is usable for this process even if it cannot be persisted.
		v.logger.Warn("fresh wallet not persisted", "name", name, "error", err)
	}
	return w, true, nil
}

func (v *Vault) ephemeral(ctx context.Context, p wallet.Provider) (*wallet.Wallet, bool, error) {
	w, err := p.CreateWallet(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("create wallet: %w", err)
	}
	return w, true, nil
}

func (v *Vault) restore(ctx context.Context, data []byte, p wallet.Provider) (*wallet.Wallet, error) {
	addr, cred, err := v.unseal(data)
	if err != nil {
		return nil, err
	}
	w, err := p.ImportWallet(ctx, cred)
	if err != nil {
		return nil, err
	}
	if addr != "" && w.Address != addr {
		return nil, fmt.Errorf("%w: address %s does not match recorded %s", ErrCorrupt, w.Address, addr)
	}
	return w, nil
}
