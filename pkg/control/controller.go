package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/ledger"
)

// Controller applies stop/resume transitions and records each one in the
// ledger.
type Controller struct {
	store   Store
	ledger  ledger.Store
	agentID string
	clock   func() time.Time
	logger  *slog.Logger
}

// NewController creates a controller. lg may be nil when transitions should
// not be recorded.
func NewController(store Store, lg ledger.Store, agentID string) *Controller {
	return &Controller{
		store:   store,
		ledger:  lg,
		agentID: agentID,
		clock:   time.Now,
		logger:  slog.Default().With("component", "control"),
	}
}

// WithClock overrides clock for testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// State returns the current control record.
func (c *Controller) State(ctx context.Context) (State, error) {
	return c.store.Get(ctx)
}

// Stop sets the flag to stopped. Every polling agent halts at its next loop top.
func (c *Controller) Stop(ctx context.Context, by, reason string) (State, error) {
	return c.transition(ctx, StatusStopped, by, reason)
}

// Resume sets the flag back to running.
func (c *Controller) Resume(ctx context.Context, by, reason string) (State, error) {
	return c.transition(ctx, StatusRunning, by, reason)
}

// transition is a compare-and-set: of concurrent callers asking for the same
// status, exactly one changes the record and writes the ledger entry.
func (c *Controller) transition(ctx context.Context, to Status, by, reason string) (State, error) {
	next := State{Status: to, UpdatedAt: c.clock().UTC(), UpdatedBy: by, Reason: reason}
	changed, err := c.store.Swap(ctx, next)
	if err != nil {
		return State{}, err
	}
	if !changed {
		return c.store.Get(ctx)
	}
	from := StatusRunning
	if to == StatusRunning {
		from = StatusStopped
	}
	c.logger.Info("control state changed", "from", from, "to", to, "by", by, "reason", reason)

	if c.ledger != nil {
		action := ledger.ActionSystemResumed
		if to == StatusStopped {
			action = ledger.ActionSystemStopped
		}
		_, err := c.ledger.Append(ctx, ledger.Entry{
			AgentID: c.agentID,
			Action:  action,
			Details: ledger.Details{
				"from":   string(from),
				"to":     string(to),
				"by":     by,
				"reason": reason,
			},
		})
		if err != nil {
			// The flag is authoritative; a missing audit row must not undo a stop.
			c.logger.Warn("control transition not recorded", "to", to, "error", err)
		}
	}
	return next, nil
}
