// Package control holds the process-wide running/stopped flag that every
// long-lived agent polls at the top of its loop.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidStatus = errors.New("control: invalid status")
	ErrUnavailable   = errors.New("control: state unavailable")
)

// Status is the value of the control flag.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// ParseStatus validates s as a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusRunning, StatusStopped:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// State is the single live control record.
type State struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Stopped reports whether agents must halt.
func (s State) Stopped() bool { return s.Status == StatusStopped }

// Store persists the control record. Implementations keep exactly one record.
type Store interface {
	Get(ctx context.Context) (State, error)
	Set(ctx context.Context, st State) error
	// Swap writes st only if the stored status differs from st.Status, as one
	// atomic step. It reports whether the record changed.
	Swap(ctx context.Context, st State) (bool, error)
}
