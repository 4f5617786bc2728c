// Package sentinel is the audit loop: it scans the most recent ledger
// entries with deterministic rules, records an alert per finding and can
// stop the whole system.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/control"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/observability"
)

// Control is the slice of the control plane the sentinel needs.
type Control interface {
	State(ctx context.Context) (control.State, error)
	Stop(ctx context.Context, by, reason string) (control.State, error)
}

// Config tunes the audit loop.
type Config struct {
	AgentID  string
	Interval time.Duration
	// Window is how many recent entries each cycle reads.
	Window             int
	HighValueThreshold amount.Amount
	// HaltSeverity stops the system when a finding reaches it. Empty disables.
	HaltSeverity Severity
}

const (
	DefaultInterval = 10 * time.Second
	DefaultWindow   = 50
)

// DefaultThreshold is the high-value limit used when none is configured.
var DefaultThreshold = amount.MustParse("0.05")

// Report summarises one cycle.
type Report struct {
	Scanned  int       `json:"scanned"`
	Findings []Finding `json:"findings"`
	Alerts   int       `json:"alerts"`
	Halted   bool      `json:"halted"`
}

// Sentinel runs rules over the ledger.
type Sentinel struct {
	cfg     Config
	ledger  ledger.Store
	control Control
	rules   []Rule
	watcher ledger.Watcher
	obs     *observability.Provider
	logger  *slog.Logger

	// alerted maps rule|entry_id to the entry's seq; pruned below the window.
	alerted map[string]uint64
}

// New creates a sentinel. The built-in rules (high value, then anonymity)
// run first, followed by detectors in the given order.
func New(lg ledger.Store, ctrl Control, cfg Config, detectors ...Rule) *Sentinel {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.HighValueThreshold.IsZero() {
		cfg.HighValueThreshold = DefaultThreshold
	}
	rules := []Rule{
		HighValueRule{Threshold: cfg.HighValueThreshold, Severity: SeverityHigh},
		AnonymityRule{Severity: SeverityMedium},
	}
	rules = append(rules, detectors...)
	return &Sentinel{
		cfg:     cfg,
		ledger:  lg,
		control: ctrl,
		rules:   rules,
		obs:     observability.Disabled(),
		logger:  slog.Default().With("component", "sentinel"),
		alerted: make(map[string]uint64),
	}
}

// WithWatcher lets ledger appends wake the loop before the interval ends.
func (s *Sentinel) WithWatcher(w ledger.Watcher) *Sentinel {
	s.watcher = w
	return s
}

// WithObservability attaches a telemetry provider.
func (s *Sentinel) WithObservability(p *observability.Provider) *Sentinel {
	if p != nil {
		s.obs = p
	}
	return s
}

// Rules returns the rule names in evaluation order.
func (s *Sentinel) Rules() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.Name()
	}
	return names
}

// Run loops until the control state is stopped, a finding halts the
// system, or ctx ends. A stop observed at the top of the loop returns nil.
func (s *Sentinel) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if s.watcher != nil {
		ch, err := s.watcher.Watch(ctx)
		if err != nil {
			s.logger.Warn("ledger watch unavailable, polling only", "error", err)
		} else {
			wake = ch
		}
	}
	s.logger.Info("sentinel started", "interval", s.cfg.Interval, "window", s.cfg.Window, "rules", s.Rules())

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		st, err := s.control.State(ctx)
		if err != nil {
			s.logger.Warn("control state unreadable, retrying", "error", err)
			timer.Reset(s.cfg.Interval)
			continue
		}
		if st.Stopped() {
			s.logger.Info("system stopped, sentinel halting", "by", st.UpdatedBy, "reason", st.Reason)
			return nil
		}

		report, err := s.Cycle(ctx)
		if err != nil {
			s.logger.Warn("audit cycle failed", "error", err)
		} else if report.Halted {
			return nil
		}
		timer.Reset(s.cfg.Interval)
	}
}

// Cycle performs one scan. Every rule sees the window oldest first, with
// alerts left out; findings are recorded as ALERT_TRIGGERED ordered by their
// entry and then by rule.
func (s *Sentinel) Cycle(ctx context.Context) (rep Report, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "sentinel", "cycle")
	defer func() { done(err) }()

	entries, err := s.ledger.Recent(ctx, s.cfg.Window, ledger.Filter{})
	if err != nil {
		return Report{}, fmt.Errorf("read window: %w", err)
	}
	rep.Scanned = len(entries)
	if len(entries) == 0 {
		s.logger.Debug("empty window")
		return rep, nil
	}

	// Alerts already in the window count as seen.
	for _, e := range entries {
		if e.Action != ledger.ActionAlertTriggered {
			continue
		}
		if id := e.Details.String("entry_id"); id != "" {
			s.alerted[alertKey(e.Details.String("rule"), id)] = e.Seq
		}
	}
	s.prune(entries[len(entries)-1].Seq)

	window := make([]ledger.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action != ledger.ActionAlertTriggered {
			window = append(window, entries[i])
		}
	}

	type ranked struct {
		f    Finding
		rule int
	}
	var found []ranked
	for i, r := range s.rules {
		fs, err := r.Check(window)
		if err != nil {
			s.logger.Warn("rule failed", "rule", r.Name(), "error", err)
		}
		for _, f := range fs {
			if f.EntryID == "" {
				s.logger.Warn("finding without an entry dropped", "rule", r.Name(), "reason", f.Reason)
				continue
			}
			if f.Rule == "" {
				f.Rule = r.Name()
			}
			found = append(found, ranked{f: f, rule: i})
		}
	}
	// Oldest entry first, then rule order.
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].f.Seq != found[j].f.Seq {
			return found[i].f.Seq < found[j].f.Seq
		}
		return found[i].rule < found[j].rule
	})

	for _, x := range found {
		f := x.f
		key := alertKey(f.Rule, f.EntryID)
		if _, dup := s.alerted[key]; dup {
			continue
		}
		rep.Findings = append(rep.Findings, f)

		if err := s.raise(ctx, f); err != nil {
			s.logger.Warn("alert not recorded, will retry next cycle", "rule", f.Rule, "entry_id", f.EntryID, "error", err)
			continue
		}
		s.alerted[key] = f.Seq
		rep.Alerts++

		if f.Severity.AtLeast(s.cfg.HaltSeverity) {
			reason := fmt.Sprintf("%s finding %s on entry %s", f.Severity, f.Rule, f.EntryID)
			if _, err := s.control.Stop(ctx, s.cfg.AgentID, reason); err != nil {
				return rep, fmt.Errorf("halt system: %w", err)
			}
			s.logger.Warn("system halted by sentinel", "reason", reason)
			rep.Halted = true
			return rep, nil
		}
	}
	return rep, nil
}

func (s *Sentinel) raise(ctx context.Context, f Finding) error {
	_, err := s.ledger.Append(ctx, ledger.Entry{
		AgentID: s.cfg.AgentID,
		Action:  ledger.ActionAlertTriggered,
		Details: ledger.Details{
			"severity": string(f.Severity),
			"reason":   f.Reason,
			"target":   f.Target,
			"entry_id": f.EntryID,
			"rule":     f.Rule,
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info("alert triggered", "rule", f.Rule, "severity", f.Severity, "target", f.Target, "entry_id", f.EntryID)
	return nil
}

// prune forgets alerts for entries older than the window.
func (s *Sentinel) prune(oldest uint64) {
	for k, seq := range s.alerted {
		if seq < oldest {
			delete(s.alerted, k)
		}
	}
}

func alertKey(rule, entryID string) string { return rule + "|" + entryID }
