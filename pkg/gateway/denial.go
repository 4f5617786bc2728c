package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is the machine-readable cause of a denied request.
type Reason string

const (
	ReasonInvalidReceipt     Reason = "invalid_receipt"
	ReasonReplayedReceipt    Reason = "replayed_receipt"
	ReasonLedgerUnavailable  Reason = "ledger_unavailable"
	ReasonChainUnavailable   Reason = "chain_unavailable"
	ReasonUnsupportedVersion Reason = "unsupported_version"
	ReasonSystemStopped      Reason = "system_stopped"
	ReasonControlUnavailable Reason = "control_unavailable"
)

// Status is the HTTP status a denial with this reason is reported with.
func (r Reason) Status() int {
	switch r {
	case ReasonInvalidReceipt:
		return http.StatusPaymentRequired
	case ReasonReplayedReceipt:
		return http.StatusForbidden
	case ReasonUnsupportedVersion:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

var ErrDenied = errors.New("gateway: payment denied")

// Denial is the error returned for every refused receipt.
type Denial struct {
	Reason Reason
	Detail string
	Err    error
}

func deny(reason Reason, detail string, err error) *Denial {
	return &Denial{Reason: reason, Detail: detail, Err: err}
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("%s: %s: %v", d.Reason, d.Detail, d.Err)
	}
	return fmt.Sprintf("%s: %s", d.Reason, d.Detail)
}

func (d *Denial) Unwrap() []error {
	if d.Err == nil {
		return []error{ErrDenied}
	}
	return []error{ErrDenied, d.Err}
}

// ReasonOf extracts the denial reason from err, or "" if err is not a Denial.
func ReasonOf(err error) Reason {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}
