//go:build property
// +build property

package ledger_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
)

// TestLedgerAppendOnly verifies that appends never change earlier entries.
// Property: All() before an append is a prefix of All() after it.
func TestLedgerAppendOnly(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("earlier entries are unchanged by later appends", prop.ForAll(
		func(amounts []int64) bool {
			ctx := context.Background()
			s := ledger.NewMemoryStore()
			before := []ledger.Entry{}
			for _, a := range amounts {
				if _, err := s.Append(ctx, ledger.Entry{Action: ledger.ActionPaymentAccepted, Amount: amount.FromMinor(a)}); err != nil {
					return false
				}
				after, err := s.All(ctx)
				if err != nil || len(after) != len(before)+1 {
					return false
				}
				if !reflect.DeepEqual(before, after[:len(before)]) {
					return false
				}
				before = after
			}
			return ledger.VerifyChain(before) == nil
		},
		gen.SliceOf(gen.Int64Range(0, 1_000_000_000)),
	))

	properties.TestingRun(t)
}

// TestMetricsReproducible verifies derived metrics depend only on the log.
// Property: Recompute(s) == Recompute(s)
func TestMetricsReproducible(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("metrics recomputed twice are identical", prop.ForAll(
		func(amounts []int64, payers []string) bool {
			ctx := context.Background()
			s := ledger.NewMemoryStore()
			var want amount.Amount
			for i, a := range amounts {
				payer := ""
				if i < len(payers) {
					payer = payers[i]
				}
				_, err := s.Append(ctx, ledger.Entry{
					Action:  ledger.ActionPaymentAccepted,
					Amount:  amount.FromMinor(a),
					Details: ledger.Details{"payer": payer},
				})
				if err != nil {
					return false
				}
				want += amount.FromMinor(a)
			}
			m1, err1 := ledger.Recompute(ctx, s)
			m2, err2 := ledger.Recompute(ctx, s)
			return err1 == nil && err2 == nil && reflect.DeepEqual(m1, m2) && m1.AcceptedTotal == want
		},
		gen.SliceOf(gen.Int64Range(0, 1_000_000_000)),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
