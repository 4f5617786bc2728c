package sentinel

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/identity"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
)

// Severity grades a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts "" (meaning none) or one of the four grades.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if s != "" && sev.rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AtLeast reports whether s is as severe as min. An empty min matches nothing.
func (s Severity) AtLeast(min Severity) bool {
	return min.rank() > 0 && s.rank() >= min.rank()
}

// Finding is one rule match, anchored at the ledger entry it is about.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
	Target   string   `json:"target"`
	EntryID  string   `json:"entry_id"`
	Seq      uint64   `json:"seq"`
}

// Rule inspects a window of entries, oldest first, and returns zero or more
// findings. Every finding must carry the EntryID and Seq of an entry in the
// window; the sentinel records one alert per rule and entry. Implementations
// must be deterministic.
type Rule interface {
	Name() string
	Check(window []ledger.Entry) ([]Finding, error)
}

// eachEntry applies check to every entry of window. A failing entry does not
// stop the others; the errors are joined.
func eachEntry(window []ledger.Entry, check func(ledger.Entry) (Finding, bool, error)) ([]Finding, error) {
	var (
		out  []Finding
		errs []error
	)
	for _, e := range window {
		f, hit, err := check(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		if hit {
			out = append(out, f)
		}
	}
	return out, errors.Join(errs...)
}

// HighValueRule flags accepted payments strictly above Threshold.
type HighValueRule struct {
	Threshold amount.Amount
	Severity  Severity
}

func (r HighValueRule) Name() string { return "high_value" }

func (r HighValueRule) Check(window []ledger.Entry) ([]Finding, error) {
	return eachEntry(window, r.CheckEntry)
}

// CheckEntry matches one entry.
func (r HighValueRule) CheckEntry(e ledger.Entry) (Finding, bool, error) {
	if e.Action != ledger.ActionPaymentAccepted || e.Amount.Cmp(r.Threshold) <= 0 {
		return Finding{}, false, nil
	}
	target := e.Details.String("payer")
	if target == "" {
		target = e.AgentID
	}
	return Finding{
		Rule:     r.Name(),
		Severity: r.Severity,
		Reason:   fmt.Sprintf("payment of %s exceeds threshold %s", e.Amount, r.Threshold),
		Target:   target,
		EntryID:  e.ID,
		Seq:      e.Seq,
	}, true, nil
}

// AnonymityRule flags entries written by an unidentified agent.
type AnonymityRule struct {
	Severity Severity
}

func (r AnonymityRule) Name() string { return "anonymity" }

func (r AnonymityRule) Check(window []ledger.Entry) ([]Finding, error) {
	return eachEntry(window, r.CheckEntry)
}

// CheckEntry matches one entry.
func (r AnonymityRule) CheckEntry(e ledger.Entry) (Finding, bool, error) {
	if !identity.IsUnknown(e.AgentID) {
		return Finding{}, false, nil
	}
	return Finding{
		Rule:     r.Name(),
		Severity: r.Severity,
		Reason:   fmt.Sprintf("%s recorded by an unidentified agent", e.Action),
		Target:   e.AgentID,
		EntryID:  e.ID,
		Seq:      e.Seq,
	}, true, nil
}

// RuleFunc adapts a per-entry function into a Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(e ledger.Entry) (Finding, bool)
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Check(window []ledger.Entry) ([]Finding, error) {
	return eachEntry(window, r.checkEntry)
}

func (r RuleFunc) checkEntry(e ledger.Entry) (Finding, bool, error) {
	f, ok := r.Fn(e)
	if !ok {
		return Finding{}, false, nil
	}
	f.Rule = r.RuleName
	f.EntryID = e.ID
	f.Seq = e.Seq
	if f.Target == "" {
		f.Target = e.AgentID
	}
	return f, true, nil
}

// PayerBurstRule flags a payer with more than Limit accepted payments in the
// window. The finding is anchored at the payment that crossed the limit.
type PayerBurstRule struct {
	Limit    int
	Severity Severity
}

func (r PayerBurstRule) Name() string { return "payer_burst" }

func (r PayerBurstRule) Check(window []ledger.Entry) ([]Finding, error) {
	if r.Limit <= 0 {
		return nil, nil
	}
	counts := make(map[string]int)
	var out []Finding
	for _, e := range window {
		if e.Action != ledger.ActionPaymentAccepted {
			continue
		}
		payer := e.Details.String("payer")
		if payer == "" {
			continue
		}
		counts[payer]++
		if counts[payer] != r.Limit+1 {
			continue
		}
		out = append(out, Finding{
			Rule:     r.Name(),
			Severity: r.Severity,
			Reason:   fmt.Sprintf("%s made more than %d payments in %d entries", payer, r.Limit, len(window)),
			Target:   payer,
			EntryID:  e.ID,
			Seq:      e.Seq,
		})
	}
	return out, nil
}
