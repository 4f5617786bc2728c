package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
)

// Metrics is the funnel summary derived from the log. It is never stored;
// every caller recomputes it from entries.
type Metrics struct {
	Entries          int            `json:"entries"`
	LastSeq          uint64         `json:"last_seq"`
	Head             string         `json:"head"`
	ByAction         map[Action]int `json:"by_action"`
	AcceptedCount    int            `json:"accepted_count"`
	AcceptedTotal    amount.Amount  `json:"accepted_total"`
	SentTotal        amount.Amount  `json:"sent_total"`
	UniquePayers     int            `json:"unique_payers"`
	AlertsBySeverity map[string]int `json:"alerts_by_severity"`
	Agents           []string       `json:"agents"`
}

// ComputeMetrics folds entries (any order) into Metrics.
func ComputeMetrics(entries []Entry) (Metrics, error) {
	m := Metrics{
		Head:             Genesis,
		ByAction:         make(map[Action]int),
		AlertsBySeverity: make(map[string]int),
		Agents:           []string{},
	}
	payers := make(map[string]struct{})
	agents := make(map[string]struct{})

	for _, e := range entries {
		m.Entries++
		m.ByAction[e.Action]++
		agents[e.AgentID] = struct{}{}
		if e.Seq > m.LastSeq {
			m.LastSeq = e.Seq
			m.Head = e.Hash
		}

		var err error
		switch e.Action {
		case ActionPaymentAccepted:
			m.AcceptedCount++
			if m.AcceptedTotal, err = m.AcceptedTotal.Add(e.Amount); err != nil {
				return Metrics{}, fmt.Errorf("accepted total at entry %d: %w", e.Seq, err)
			}
			if p := e.Details.String("payer"); p != "" {
				payers[p] = struct{}{}
			}
		case ActionPaymentSent:
			if m.SentTotal, err = m.SentTotal.Add(e.Amount); err != nil {
				return Metrics{}, fmt.Errorf("sent total at entry %d: %w", e.Seq, err)
			}
		case ActionAlertTriggered:
			sev := e.Details.String("severity")
			if sev == "" {
				sev = "unknown"
			}
			m.AlertsBySeverity[sev]++
		}
	}

	m.UniquePayers = len(payers)
	for a := range agents {
		m.Agents = append(m.Agents, a)
	}
	sort.Strings(m.Agents)
	return m, nil
}

// Recompute reads the full log from s and derives Metrics.
func Recompute(ctx context.Context, s Store) (Metrics, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return Metrics{}, err
	}
	return ComputeMetrics(entries)
}
