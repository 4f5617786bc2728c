package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/wallet"
)

const (
	testPayTo = "0xABC"
	testAgent = "did:veritas:gateway:test"
)

var testPrice = amount.MustParse("0.0001")

func confirmedTx(hash string, amt string, to string) wallet.Transaction {
	return wallet.Transaction{
		Hash:   hash,
		From:   "0xPAYER",
		To:     to,
		Amount: amount.MustParse(amt),
		Asset:  wallet.AssetNative,
		Status: wallet.TxConfirmed,
	}
}

func newTestGateway(t *testing.T, chain TxLookup, lg ledger.Store) *Gateway {
	t.Helper()
	g, err := New(Config{Price: testPrice, PayTo: testPayTo, AgentID: testAgent}, chain, lg)
	require.NoError(t, err)
	return g
}

func accepted(t *testing.T, lg ledger.Store) []ledger.Entry {
	t.Helper()
	entries, err := lg.Recent(context.Background(), 0, ledger.Filter{Actions: []ledger.Action{ledger.ActionPaymentAccepted}})
	require.NoError(t, err)
	return entries
}

func TestNew_Validation(t *testing.T) {
	sim := wallet.NewSimProvider()
	lg := ledger.NewMemoryStore()

	_, err := New(Config{PayTo: testPayTo}, sim, lg)
	assert.ErrorIs(t, err, ErrMisconfigured)
	_, err = New(Config{Price: testPrice}, sim, lg)
	assert.ErrorIs(t, err, ErrMisconfigured)
	_, err = New(Config{Price: testPrice, PayTo: testPayTo}, nil, lg)
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestRedeem_GrantThenReplay(t *testing.T) {
	ctx := context.Background()
	sim := wallet.NewSimProvider()
	sim.Inject(confirmedTx("0xDEAD", "0.0001", testPayTo))
	lg := ledger.NewMemoryStore()
	g := newTestGateway(t, sim, lg)

	rc, err := g.Redeem(ctx, "0xDEAD", "/premium/data")
	require.NoError(t, err)
	assert.Equal(t, "0xDEAD", rc.TxHash)
	assert.Equal(t, "0xPAYER", rc.Payer)
	assert.Equal(t, testPrice, rc.Amount)

	_, err = g.Redeem(ctx, "0xDEAD", "/premium/data")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, ReasonReplayedReceipt, ReasonOf(err))

	entries := accepted(t, lg)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, testAgent, e.AgentID)
	assert.Equal(t, "0xDEAD", e.Ref)
	assert.Equal(t, testPrice, e.Amount)
	assert.Equal(t, "0xDEAD", e.Details.String("tx_hash"))
	assert.Equal(t, "0xPAYER", e.Details.String("payer"))
	assert.Equal(t, "/premium/data", e.Details.String("resource"))
}

func TestRedeem_Overpayment(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.Inject(confirmedTx("0xFAT", "0.5", testPayTo))
	lg := ledger.NewMemoryStore()

	rc, err := newTestGateway(t, sim, lg).Redeem(context.Background(), "0xFAT", "/premium/data")
	require.NoError(t, err)
	assert.Equal(t, amount.MustParse("0.5"), rc.Amount, "the ledger records what was transferred")
}

func TestRedeem_InvalidReceipts(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.Inject(confirmedTx("0xLOW", "0.00009", testPayTo))
	sim.Inject(confirmedTx("0xELSEWHERE", "0.0001", "0xDEF"))
	pending := confirmedTx("0xPENDING", "0.0001", testPayTo)
	pending.Status = wallet.TxPending
	sim.Inject(pending)
	failed := confirmedTx("0xFAILED", "0.0001", testPayTo)
	failed.Status = wallet.TxFailed
	sim.Inject(failed)
	token := confirmedTx("0xTOKEN", "0.0001", testPayTo)
	token.Asset = "usdc"
	sim.Inject(token)

	lg := ledger.NewMemoryStore()
	g := newTestGateway(t, sim, lg)

	for _, hash := range []string{"0xMISSING", "0xLOW", "0xELSEWHERE", "0xPENDING", "0xFAILED", "0xTOKEN"} {
		t.Run(hash, func(t *testing.T) {
			_, err := g.Redeem(context.Background(), hash, "/premium/data")
			require.Error(t, err)
			assert.Equal(t, ReasonInvalidReceipt, ReasonOf(err))
		})
	}
	assert.Equal(t, 0, lg.Len(), "denials never touch the ledger")
}

// fixedChain answers every lookup with the same transaction.
type fixedChain struct{ tx wallet.Transaction }

func (c fixedChain) Transaction(context.Context, string) (*wallet.Transaction, error) {
	tx := c.tx
	return &tx, nil
}

func TestRedeem_RejectsDifferentTransaction(t *testing.T) {
	lg := ledger.NewMemoryStore()
	g := newTestGateway(t, fixedChain{tx: confirmedTx("0xOTHER", "0.0001", testPayTo)}, lg)

	_, err := g.Redeem(context.Background(), "0xASKED", "/premium/data")
	require.Error(t, err)
	assert.Equal(t, ReasonInvalidReceipt, ReasonOf(err))
	assert.Equal(t, 0, lg.Len())
	assert.Empty(t, accepted(t, lg))
}

func TestRedeem_CaseInsensitiveMatch(t *testing.T) {
	lg := ledger.NewMemoryStore()
	g := newTestGateway(t, fixedChain{tx: confirmedTx("0xabc123", "0.0001", "0xabc")}, lg)

	rc, err := g.Redeem(context.Background(), "0xABC123", "/premium/data")
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", rc.TxHash, "the chain's spelling is the redemption key")

	_, err = g.Redeem(context.Background(), "0xAbC123", "/premium/data")
	assert.Equal(t, ReasonReplayedReceipt, ReasonOf(err))
}

type brokenChain struct{}

func (brokenChain) Transaction(context.Context, string) (*wallet.Transaction, error) {
	return nil, errors.New("connection refused")
}

func TestRedeem_ChainUnavailable(t *testing.T) {
	lg := ledger.NewMemoryStore()
	_, err := newTestGateway(t, brokenChain{}, lg).Redeem(context.Background(), "0xDEAD", "/premium/data")
	assert.Equal(t, ReasonChainUnavailable, ReasonOf(err))
	assert.Equal(t, 0, lg.Len())
}

// failingLedger refuses every append.
type failingLedger struct {
	*ledger.MemoryStore
}

func (f failingLedger) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	return ledger.Entry{}, fmt.Errorf("%w: disk full", ledger.ErrWrite)
}

func TestRedeem_LedgerUnavailableDoesNotGrant(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.Inject(confirmedTx("0xDEAD", "0.0001", testPayTo))
	lg := failingLedger{ledger.NewMemoryStore()}

	_, err := newTestGateway(t, sim, lg).Redeem(context.Background(), "0xDEAD", "/premium/data")
	assert.Equal(t, ReasonLedgerUnavailable, ReasonOf(err))
	assert.ErrorIs(t, err, ledger.ErrWrite)
}

func TestRedeem_ConcurrentReplays(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.Inject(confirmedTx("0xDEAD", "0.0001", testPayTo))
	lg := ledger.NewMemoryStore()
	g := newTestGateway(t, sim, lg)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		replayed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Redeem(context.Background(), "0xDEAD", "/premium/data")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if ReasonOf(err) == ReasonReplayedReceipt {
				replayed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, n-1, replayed)
	assert.Len(t, accepted(t, lg), 1)
}

// noGuard admits everyone at once, leaving only the ledger's unique ref.
type noGuard struct{}

func (noGuard) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

func TestRedeem_UniqueRefIsAuthoritative(t *testing.T) {
	sim := wallet.NewSimProvider()
	sim.Inject(confirmedTx("0xDEAD", "0.0001", testPayTo))
	lg := ledger.NewMemoryStore()
	g := newTestGateway(t, sim, lg).WithGuard(noGuard{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Redeem(context.Background(), "0xDEAD", "/premium/data")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, ReasonReplayedReceipt, ReasonOf(err))
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, accepted(t, lg), 1)
}

func TestParseAuthorization(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"402-payment 0xDEAD", "0xDEAD", true},
		{"402-Payment   0xDEAD ", "0xDEAD", true},
		{"Bearer 0xDEAD", "", false},
		{"402-payment", "", false},
		{"402-payment ", "", false},
		{"402-payment 0xDE AD", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAuthorization(tc.header)
		if !tc.ok {
			assert.Equal(t, ReasonInvalidReceipt, ReasonOf(err), tc.header)
			continue
		}
		require.NoError(t, err, tc.header)
		assert.Equal(t, tc.want, got)
	}
}

func TestCheckVersion(t *testing.T) {
	for _, v := range []string{"", "1.0.0", "1.4.2", "v1.0.0"} {
		assert.NoError(t, CheckVersion(v), v)
	}
	for _, v := range []string{"2.0.0", "0.9.0", "banana"} {
		assert.Equal(t, ReasonUnsupportedVersion, ReasonOf(CheckVersion(v)), v)
	}
}

func TestKeyedMutex(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "0xDEAD")
	require.NoError(t, err)

	// Other keys are independent.
	other, err := m.Acquire(ctx, "0xBEEF")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(waitCtx, "0xDEAD")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		r, err := m.Acquire(ctx, "0xDEAD")
		if err == nil {
			r()
		}
		close(acquired)
	}()
	release()
	release() // idempotent

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Equal(t, 0, m.held())
}
