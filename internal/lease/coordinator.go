// Package lease implements the cross-process execution lease that keeps at
// most one monitor loop scanning at a time. Every operation is a single
// atomic read-modify-write through store.LeaseStore; a rejected operation
// rolls back and leaves the stored record untouched.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

// DefaultStaleness is how long a heartbeat keeps an owner live
const DefaultStaleness = 60 * time.Second

var (
	// ErrHeld means a live lease belongs to another owner
	ErrHeld = errors.New("lease held by another live owner")
	// ErrNotOwner means the caller does not hold the active lease
	ErrNotOwner = errors.New("lease not owned by caller")
	// ErrStopRequested means a stop was requested for the running owner
	ErrStopRequested = errors.New("stop requested")
)

// NewOwner builds the identity of this process' worker
func NewOwner() domain.Owner {
	pid := os.Getpid()
	return domain.Owner{
		ProcessID: pid,
		WorkerID:  fmt.Sprintf("worker-%d-%s", pid, uuid.NewString()),
	}
}

// Coordinator acquires, renews and releases the lease
type Coordinator struct {
	store     store.LeaseStore
	staleness time.Duration
	now       func() time.Time
}

// NewCoordinator creates a coordinator. staleness <= 0 uses DefaultStaleness.
func NewCoordinator(st store.LeaseStore, staleness time.Duration) *Coordinator {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Coordinator{
		store:     st,
		staleness: staleness,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Staleness returns the liveness window
func (c *Coordinator) Staleness() time.Duration {
	return c.staleness
}

// Acquire takes the lease for owner. It returns false without error when a
// live lease is held by someone else.
func (c *Coordinator) Acquire(ctx context.Context, owner domain.Owner) (bool, error) {
	now := c.now()

	_, err := c.store.UpdateLease(ctx, func(rec *domain.LeaseRecord) error {
		if rec.Live(now, c.staleness) && !rec.OwnedBy(owner) {
			return ErrHeld
		}
		rec.ID = domain.LeaseID
		rec.Owner = owner
		rec.Active = true
		rec.StopRequested = false
		rec.HeartbeatAt = now
		started := now
		rec.StartedAt = &started
		return nil
	})
	if errors.Is(err, ErrHeld) {
		log.Debug().
			Str("owner", owner.String()).
			Msg("Lease held by another live owner")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	log.Info().
		Str("owner", owner.String()).
		Msg("Lease acquired")
	return true, nil
}

// Renew refreshes the heartbeat. It returns false when the loop must stop:
// a stop was requested, or the lease no longer belongs to owner.
func (c *Coordinator) Renew(ctx context.Context, owner domain.Owner) (bool, error) {
	now := c.now()

	_, err := c.store.UpdateLease(ctx, func(rec *domain.LeaseRecord) error {
		if rec.StopRequested {
			return ErrStopRequested
		}
		if !rec.Active || !rec.OwnedBy(owner) {
			return ErrNotOwner
		}
		rec.HeartbeatAt = now
		return nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrStopRequested):
		log.Info().Str("owner", owner.String()).Msg("Stop requested, not renewing lease")
		return false, nil
	case errors.Is(err, ErrNotOwner):
		log.Warn().Str("owner", owner.String()).Msg("Lease lost to another owner")
		return false, nil
	default:
		return false, fmt.Errorf("renew lease: %w", err)
	}
}

// RequestStop flags the lease for stopping. Any process may call it.
func (c *Coordinator) RequestStop(ctx context.Context) error {
	now := c.now()

	_, err := c.store.UpdateLease(ctx, func(rec *domain.LeaseRecord) error {
		rec.ID = domain.LeaseID
		rec.StopRequested = true
		rec.HeartbeatAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("request stop: %w", err)
	}

	log.Info().Msg("Stop requested")
	return nil
}

// Release deactivates the lease if owner still holds it. ErrNotOwner is
// returned, with nothing changed, when another owner has taken over.
func (c *Coordinator) Release(ctx context.Context, owner domain.Owner) error {
	now := c.now()

	_, err := c.store.UpdateLease(ctx, func(rec *domain.LeaseRecord) error {
		if !rec.OwnedBy(owner) {
			return ErrNotOwner
		}
		rec.Active = false
		rec.StopRequested = false
		stopped := now
		rec.StoppedAt = &stopped
		return nil
	})
	if errors.Is(err, ErrNotOwner) {
		return err
	}
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	log.Info().
		Str("owner", owner.String()).
		Msg("Lease released")
	return nil
}

// StopRequested re-reads the stop flag without locking
func (c *Coordinator) StopRequested(ctx context.Context) (bool, error) {
	rec, err := c.Lease(ctx)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.StopRequested, nil
}

// Lease returns the stored record, or nil if none was ever written
func (c *Coordinator) Lease(ctx context.Context) (*domain.LeaseRecord, error) {
	rec, err := c.store.GetLease(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	return rec, nil
}

// Live reports whether rec has a live owner right now
func (c *Coordinator) Live(rec *domain.LeaseRecord) bool {
	return rec.Live(c.now(), c.staleness)
}
