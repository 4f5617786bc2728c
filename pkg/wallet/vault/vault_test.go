package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/veritas/pkg/wallet"
)

func newTestVault(t *testing.T, passphrase string) (*Vault, *FileStore) {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	v, err := New(fs, passphrase)
	require.NoError(t, err)
	v.costN = 1 << 10
	return v, fs
}

func TestVault_ExportImport(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, "correct horse")
	sim := wallet.NewSimProvider()

	w, err := sim.CreateWallet(ctx)
	require.NoError(t, err)
	require.NoError(t, v.Export(ctx, "treasury", sim.Name(), w))

	addr, cred, err := v.Import(ctx, "treasury")
	require.NoError(t, err)
	assert.Equal(t, w.Address, addr)
	assert.Equal(t, w.Credential, cred)
}

func TestVault_OpenRestoresSameWallet(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, "correct horse")
	sim := wallet.NewSimProvider()

	first, fresh, err := v.Open(ctx, "treasury", sim)
	require.NoError(t, err)
	assert.True(t, fresh, "nothing stored yet")

	second, fresh, err := v.Open(ctx, "treasury", sim)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, first.Address, second.Address)
}

func TestVault_OpenMovesCorruptDataAside(t *testing.T) {
	ctx := context.Background()
	v, fs := newTestVault(t, "correct horse")
	v.now = func() time.Time { return time.Unix(1700000000, 0) }
	sim := wallet.NewSimProvider()

	require.NoError(t, os.WriteFile(filepath.Join(fs.baseDir, "treasury.wallet"), []byte("{not json"), 0600))

	w, fresh, err := v.Open(ctx, "treasury", sim)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEmpty(t, w.Address)

	// The replacement was persisted.
	addr, _, err := v.Import(ctx, "treasury")
	require.NoError(t, err)
	assert.Equal(t, w.Address, addr)

	// The unreadable blob is kept for recovery.
	kept, err := fs.Get(ctx, "treasury.corrupt-1700000000")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(kept))
}

func TestVault_OpenRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	v1, fs := newTestVault(t, "first")
	sim := wallet.NewSimProvider()

	original, _, err := v1.Open(ctx, "treasury", sim)
	require.NoError(t, err)

	v2, err := New(fs, "first-typo")
	require.NoError(t, err)
	v2.costN = 1 << 10

	_, _, err = v2.Open(ctx, "treasury", sim)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	again, fresh, err := v1.Open(ctx, "treasury", sim)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, original.Address, again.Address)
}

// flakyStore fails the next Get calls with a transport error.
type flakyStore struct {
	BlobStore
	failures int
}

func (s *flakyStore) Get(ctx context.Context, name string) ([]byte, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("read tcp 10.0.0.1:443: i/o timeout")
	}
	return s.BlobStore.Get(ctx, name)
}

func TestVault_OpenKeepsStoredWalletWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	v, fs := newTestVault(t, "correct horse")
	sim := wallet.NewSimProvider()

	original, _, err := v.Open(ctx, "treasury", sim)
	require.NoError(t, err)

	flaky := &flakyStore{BlobStore: fs, failures: 1}
	v.store = flaky
	w, fresh, err := v.Open(ctx, "treasury", sim)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, original.Address, w.Address)

	again, fresh, err := v.Open(ctx, "treasury", sim)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, original.Address, again.Address)
}

// flakyProvider fails the next ImportWallet calls with a network error.
type flakyProvider struct {
	wallet.Provider
	failures int
}

func (p *flakyProvider) ImportWallet(ctx context.Context, credential []byte) (*wallet.Wallet, error) {
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("dial tcp 127.0.0.1:10332: connect: connection refused")
	}
	return p.Provider.ImportWallet(ctx, credential)
}

func TestVault_OpenKeepsStoredWalletWhenProviderFails(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, "correct horse")
	p := &flakyProvider{Provider: wallet.NewSimProvider()}

	original, _, err := v.Open(ctx, "treasury", p)
	require.NoError(t, err)

	p.failures = 1
	w, fresh, err := v.Open(ctx, "treasury", p)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, original.Address, w.Address)

	again, fresh, err := v.Open(ctx, "treasury", p)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, original.Address, again.Address)
}

func TestVault_ImportMissing(t *testing.T) {
	v, _ := newTestVault(t, "pw")
	_, _, err := v.Import(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew_RequiresPassphrase(t *testing.T) {
	_, err := New(nil, "")
	assert.ErrorIs(t, err, ErrNoPassphrase)
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Put(context.Background(), "../escape", []byte("x")), ErrInvalidName)
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(ctx, StoreConfig{DataDir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(dir, "wallets"), fs.baseDir)

	_, err = NewStore(ctx, StoreConfig{Type: StoreTypeS3})
	assert.Error(t, err, "S3 needs a bucket")

	_, err = NewStore(ctx, StoreConfig{Type: "ftp"})
	assert.Error(t, err)
}
