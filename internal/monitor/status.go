package monitor

import (
	"context"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/lease"
)

// Status is what control surfaces display about the monitor
type Status struct {
	LocalRunning bool                `json:"local_running"`
	Lease        *domain.LeaseRecord `json:"lease,omitempty"`
	Live         bool                `json:"live"`
}

// Running reports whether a monitor loop is active in this or another process
func (s Status) Running() bool {
	return s.LocalRunning || s.Live
}

// ReadStatus builds a Status from the stored lease
func ReadStatus(ctx context.Context, coord *lease.Coordinator, localRunning bool) (Status, error) {
	rec, err := coord.Lease(ctx)
	if err != nil {
		return Status{LocalRunning: localRunning}, err
	}
	return Status{
		LocalRunning: localRunning,
		Lease:        rec,
		Live:         coord.Live(rec),
	}, nil
}
