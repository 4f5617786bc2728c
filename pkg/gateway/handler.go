package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/veritas/pkg/api"
	"github.com/Mindburn-Labs/veritas/pkg/control"
)

// StateReader reports the current control state.
type StateReader interface {
	State(ctx context.Context) (control.State, error)
}

type receiptKey struct{}

// ReceiptFromContext returns the receipt that paid for the current request.
func ReceiptFromContext(ctx context.Context) (Receipt, bool) {
	rc, ok := ctx.Value(receiptKey{}).(Receipt)
	return rc, ok
}

// Paywall puts payload behind the payment gate. ctrl may be nil; when set,
// a stopped system refuses every request with 503 system_stopped, and an
// unreadable control state with 503 control_unavailable.
func (g *Gateway) Paywall(payload http.Handler, ctrl StateReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(VersionHeader, ProtocolVersion)
		resource := r.URL.Path
		challenge := g.Challenge(resource)

		if err := CheckVersion(r.Header.Get(VersionHeader)); err != nil {
			g.writeDenial(w, r, err, challenge)
			return
		}
		if ctrl != nil {
			st, err := ctrl.State(r.Context())
			if err != nil {
				g.logger.Warn("control state unreadable, refusing request", "error", err)
				api.WriteUnavailable(w, r, string(ReasonControlUnavailable), "control state unavailable")
				return
			}
			if st.Stopped() {
				api.WriteUnavailable(w, r, string(ReasonSystemStopped), "system stopped by "+st.UpdatedBy)
				return
			}
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			g.metrics.challenge()
			w.Header().Set("WWW-Authenticate", Scheme)
			api.WriteJSON(w, http.StatusPaymentRequired, challenge)
			return
		}

		txHash, err := ParseAuthorization(header)
		if err != nil {
			g.metrics.denied(ReasonInvalidReceipt, 0)
			g.writeDenial(w, r, err, challenge)
			return
		}
		rc, err := g.Redeem(r.Context(), txHash, resource)
		if err != nil {
			g.writeDenial(w, r, err, challenge)
			return
		}
		payload.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), receiptKey{}, rc)))
	})
}

func (g *Gateway) writeDenial(w http.ResponseWriter, r *http.Request, err error, challenge Challenge) {
	var d *Denial
	if !errors.As(err, &d) {
		api.WriteInternal(w, err)
		return
	}
	switch d.Reason.Status() {
	case http.StatusPaymentRequired:
		api.WritePaymentRequired(w, r, Scheme, string(d.Reason), d.Detail, challenge.Fields())
	case http.StatusServiceUnavailable:
		api.WriteUnavailable(w, r, string(d.Reason), d.Detail)
	default:
		api.WriteProblem(w, r, api.NewProblem(d.Reason.Status(), string(d.Reason), d.Detail))
	}
}

// PremiumData is the default protected payload.
func PremiumData(w http.ResponseWriter, r *http.Request) {
	rc, _ := ReceiptFromContext(r.Context())
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"data":     "premium market signal feed",
		"tx_hash":  rc.TxHash,
		"receipt":  rc.Entry.ID,
		"ledger":   rc.Entry.Hash,
		"resource": r.URL.Path,
	})
}
