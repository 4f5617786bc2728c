// Package ledger implements the append-only event log that records every
// agent action and financial event. It is the single source of truth for
// redemption status, audit findings and funnel metrics.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/identity"
)

var (
	ErrWrite        = errors.New("ledger: write failed")
	ErrRead         = errors.New("ledger: read failed")
	ErrDuplicateRef = errors.New("ledger: reference already recorded")
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	ErrChainBroken  = errors.New("ledger: hash chain is broken")
)

// Action is the kind of an entry. The set is open: any upper snake case
// name is accepted, the constants below are the kinds this system writes.
type Action string

const (
	ActionInitCore           Action = "INIT_CORE"
	ActionPaymentAccepted    Action = "PAYMENT_ACCEPTED"
	ActionLeadFound          Action = "LEAD_FOUND"
	ActionGeoAuditCompleted  Action = "GEO_AUDIT_COMPLETED"
	ActionIdentityRegistered Action = "IDENTITY_REGISTERED"
	ActionAlertTriggered     Action = "ALERT_TRIGGERED"
	ActionError              Action = "ERROR"
	ActionFundsRequested     Action = "FUNDS_REQUESTED"
	ActionPaymentSent        Action = "PAYMENT_SENT"
	ActionSystemStopped      Action = "SYSTEM_STOPPED"
	ActionSystemResumed      Action = "SYSTEM_RESUMED"
)

var actionPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Valid reports whether a is a well-formed action name.
func (a Action) Valid() bool { return actionPattern.MatchString(string(a)) }

// Details is the free-form payload of an entry.
type Details map[string]any

// String returns details[key] when it is a string.
func (d Details) String(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return s
}

// Entry is a single immutable ledger record.
type Entry struct {
	ID        string        `json:"id"`
	Seq       uint64        `json:"seq"`
	AgentID   string        `json:"agent_id"`
	Action    Action        `json:"action"`
	Amount    amount.Amount `json:"amount"`
	Details   Details       `json:"details"`
	Ref       string        `json:"ref,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	PrevHash  string        `json:"prev_hash"`
	Hash      string        `json:"hash"`
}

// Filter narrows Recent queries. Zero fields match everything.
type Filter struct {
	Actions  []Action
	AgentID  string
	Ref      string
	AfterSeq uint64
}

func (f Filter) matches(e Entry) bool {
	if len(f.Actions) > 0 {
		ok := false
		for _, a := range f.Actions {
			if e.Action == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AgentID != "" && e.AgentID != identity.Normalize(f.AgentID) {
		return false
	}
	if f.Ref != "" && e.Ref != f.Ref {
		return false
	}
	if f.AfterSeq > 0 && e.Seq <= f.AfterSeq {
		return false
	}
	return true
}

// prepare validates caller supplied fields and returns the details encoded
// as JSON. Store assigned fields on the input are ignored.
func prepare(e *Entry) ([]byte, error) {
	e.AgentID = identity.Normalize(e.AgentID)
	if !e.Action.Valid() {
		return nil, fmt.Errorf("%w: action %q", ErrInvalidEntry, e.Action)
	}
	if e.Details == nil {
		e.Details = Details{}
	}
	raw, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: details: %w", ErrInvalidEntry, err)
	}
	return raw, nil
}

func decodeDetails(raw []byte) (Details, error) {
	d := Details{}
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// stamp truncates to microseconds, the resolution Postgres keeps, so a
// hash computed at write time still verifies after a round trip.
func stamp(now, last time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if t.Before(last) {
		return last
	}
	return t
}
