package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/control"
)

// StateReader reports the current control state.
type StateReader interface {
	State(ctx context.Context) (control.State, error)
}

// TopUp runs EnsureFunds on a cron schedule while the system is running.
type TopUp struct {
	agent    *Agent
	control  StateReader
	min      amount.Amount
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewTopUp validates schedule (standard five-field cron syntax or a
// descriptor such as "@every 10m").
func NewTopUp(agent *Agent, ctrl StateReader, schedule string, min amount.Amount) (*TopUp, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("top-up schedule %q: %w", schedule, err)
	}
	return &TopUp{
		agent:    agent,
		control:  ctrl,
		min:      min,
		schedule: schedule,
		timeout:  time.Minute,
		logger:   slog.Default().With("component", "treasury-topup"),
	}, nil
}

// RunOnce performs one top-up check. It does nothing while stopped.
func (t *TopUp) RunOnce(ctx context.Context) error {
	if t.control != nil {
		st, err := t.control.State(ctx)
		if err != nil {
			return fmt.Errorf("read control state: %w", err)
		}
		if st.Stopped() {
			t.logger.Info("system stopped, skipping top-up")
			return nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	bal, err := t.agent.EnsureFunds(ctx, t.min)
	if err != nil {
		return err
	}
	t.logger.Debug("top-up check done", "balance", bal, "min", t.min)
	return nil
}

// Start schedules RunOnce and blocks until ctx is cancelled, then waits for
// a running check to finish.
func (t *TopUp) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(t.schedule, func() {
		if err := t.RunOnce(ctx); err != nil {
			t.logger.Warn("scheduled top-up failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule top-up: %w", err)
	}
	c.Start()
	t.logger.Info("top-up scheduled", "schedule", t.schedule, "min", t.min)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
