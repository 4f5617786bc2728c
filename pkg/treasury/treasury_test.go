package treasury

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/control"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/wallet"
)

const testAgent = "did:veritas:treasury:test"

func newAgent(t *testing.T, sim *wallet.SimProvider, lg ledger.Store) *Agent {
	t.Helper()
	w, err := sim.CreateWallet(context.Background())
	require.NoError(t, err)
	return New(sim, w, lg, testAgent, Config{PollInterval: time.Millisecond, ConfirmationTimeout: time.Second})
}

func TestEnsureFunds_RequestsFaucetOnce(t *testing.T) {
	ctx := context.Background()
	lg := ledger.NewMemoryStore()
	a := newAgent(t, wallet.NewSimProvider(), lg)

	bal, err := a.EnsureFunds(ctx, amount.MustParse("0.0002"))
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("0.001"), bal)

	entries, err := lg.Recent(ctx, 0, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ActionFundsRequested, entries[0].Action)
	assert.Equal(t, testAgent, entries[0].AgentID)
	assert.Equal(t, "0", entries[0].Details.String("balance"))

	// Already funded: nothing requested, nothing recorded.
	bal, err = a.EnsureFunds(ctx, amount.MustParse("0.0002"))
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("0.001"), bal)
	entries, err = lg.Recent(ctx, 0, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnsureFunds_FaucetDry(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.FaucetAmount = 0
	a := newAgent(t, sim, nil)

	_, err := a.EnsureFunds(context.Background(), amount.MustParse("0.0002"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.ErrorIs(t, err, wallet.ErrFaucetUnavailable)
}

func TestEnsureFunds_FaucetTooSmall(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.FaucetAmount = amount.MustParse("0.0001")
	a := newAgent(t, sim, nil)

	bal, err := a.EnsureFunds(context.Background(), amount.MustParse("0.0002"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, amount.MustParse("0.0001"), bal, "only one funding attempt")
}

func TestPay_Confirmed(t *testing.T) {
	ctx := context.Background()
	lg := ledger.NewMemoryStore()
	sim := wallet.NewSimProvider().WithTxHashes("0xDEAD")
	a := newAgent(t, sim, lg)
	require.NoError(t, sim.Fund(a.Address(), wallet.AssetNative, amount.MustParse("0.0003")))

	hash, err := a.Pay(ctx, amount.MustParse("0.0001"), "0xABC")
	require.NoError(t, err)
	assert.Equal(t, "0xDEAD", hash)

	sent, err := lg.Recent(ctx, 0, ledger.Filter{Actions: []ledger.Action{ledger.ActionPaymentSent}})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, amount.MustParse("0.0001"), sent[0].Amount)
	assert.Equal(t, "0xDEAD", sent[0].Details.String("tx_hash"))
	assert.Empty(t, sent[0].Ref, "the receipt ref belongs to the receiving gateway")

	bal, err := a.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("0.0002"), bal)
}

func TestPay_InsufficientBalance(t *testing.T) {
	a := newAgent(t, wallet.NewSimProvider(), nil)
	_, err := a.Pay(context.Background(), amount.MustParse("0.0001"), "0xABC")
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
}

func TestPay_ConfirmationTimeout(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.FinalityDelay = time.Hour
	w, err := sim.CreateWallet(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.Fund(w.Address, wallet.AssetNative, amount.MustParse("1")))
	a := New(sim, w, nil, testAgent, Config{PollInterval: time.Millisecond, ConfirmationTimeout: 20 * time.Millisecond})

	hash, err := a.Pay(context.Background(), amount.MustParse("0.0001"), "0xABC")
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.NotEmpty(t, hash, "the hash is returned so the caller can keep tracking it")
}

// failingChain reports every transaction as reverted.
type failingChain struct {
	*wallet.SimProvider
}

func (f failingChain) Transaction(ctx context.Context, hash string) (*wallet.Transaction, error) {
	return &wallet.Transaction{Hash: hash, Status: wallet.TxFailed, Error: "reverted"}, nil
}

func TestPay_Reverted(t *testing.T) {
	ctx := context.Background()
	sim := wallet.NewSimProvider()
	w, err := sim.CreateWallet(ctx)
	require.NoError(t, err)
	require.NoError(t, sim.Fund(w.Address, wallet.AssetNative, amount.MustParse("1")))
	lg := ledger.NewMemoryStore()
	a := New(failingChain{sim}, w, lg, testAgent, Config{PollInterval: time.Millisecond})

	_, err = a.Pay(ctx, amount.MustParse("0.0001"), "0xABC")
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, 0, lg.Len(), "failed payments are not recorded as sent")
}

func TestPay_ConcurrentSpendsAreSerialised(t *testing.T) {
	ctx := context.Background()
	sim := wallet.NewSimProvider()
	a := newAgent(t, sim, nil)
	require.NoError(t, sim.Fund(a.Address(), wallet.AssetNative, amount.MustParse("0.0003")))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		failed int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Pay(ctx, amount.MustParse("0.0001"), "0xABC")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, ErrTransferFailed)
				failed++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, failed)
}

func TestTopUp(t *testing.T) {
	ctx := context.Background()
	ctrl := control.NewController(control.NewMemoryStore(), nil, "did:veritas:operator:test")
	sim := wallet.NewSimProvider()
	a := newAgent(t, sim, nil)

	_, err := NewTopUp(a, ctrl, "every tuesday", amount.MustParse("0.0002"))
	assert.Error(t, err)

	top, err := NewTopUp(a, ctrl, "@every 1m", amount.MustParse("0.0002"))
	require.NoError(t, err)

	_, err = ctrl.Stop(ctx, "ops", "maintenance")
	require.NoError(t, err)
	require.NoError(t, top.RunOnce(ctx))
	bal, err := a.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "no top-up while stopped")

	_, err = ctrl.Resume(ctx, "ops", "done")
	require.NoError(t, err)
	require.NoError(t, top.RunOnce(ctx))
	bal, err = a.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("0.001"), bal)
}

func TestTopUp_StartStopsOnCancel(t *testing.T) {
	a := newAgent(t, wallet.NewSimProvider(), nil)
	top, err := NewTopUp(a, nil, "@every 1h", amount.MustParse("0.0002"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- top.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("top-up scheduler did not stop")
	}
}
