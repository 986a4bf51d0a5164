// Package store defines persistence for folder policies, file tail state,
// the execution lease and tracking events.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

var ErrNotFound = errors.New("not found")

// LeaseMutation edits the lease inside a store transaction. rec is never nil:
// a missing lease is presented as a fresh inactive record. Returning an error
// rolls the transaction back and leaves the stored lease untouched.
type LeaseMutation func(rec *domain.LeaseRecord) error

// LeaseStore holds the singleton lease record
type LeaseStore interface {
	// UpdateLease applies fn as one atomic read-modify-write and returns the stored result
	UpdateLease(ctx context.Context, fn LeaseMutation) (*domain.LeaseRecord, error)

	// GetLease reads the lease without locking. ErrNotFound if never created.
	GetLease(ctx context.Context) (*domain.LeaseRecord, error)
}

// PolicyStore holds folder policies
type PolicyStore interface {
	ActivePolicies(ctx context.Context) ([]domain.FolderPolicy, error)
	ListPolicies(ctx context.Context) ([]domain.FolderPolicy, error)

	// UpsertPolicy inserts or updates by path and sets p.ID. LastRunAt is preserved.
	UpsertPolicy(ctx context.Context, p *domain.FolderPolicy) error
	MarkRun(ctx context.Context, folderID int64, at time.Time) error
}

// FileStateStore holds per-file tail state
type FileStateStore interface {
	// GetFileState returns ErrNotFound when the file has never been seen
	GetFileState(ctx context.Context, folderID int64, path string) (*domain.FileTailState, error)
	SaveFileState(ctx context.Context, state *domain.FileTailState) error
	DeleteFileState(ctx context.Context, folderID int64, path string) error
	ListFileStates(ctx context.Context, folderID int64) ([]domain.FileTailState, error)
}

// EventStore holds tracking events
type EventStore interface {
	// InsertBatch stores, in one transaction, every event whose key is not
	// already present and returns the newly stored ones. On error nothing
	// from the batch is kept.
	InsertBatch(ctx context.Context, events []domain.TrackingEvent) ([]domain.TrackingEvent, error)
	CountEvents(ctx context.Context) (int, error)
}

// Store is the complete persistence surface used by the monitor
type Store interface {
	LeaseStore
	PolicyStore
	FileStateStore
	EventStore
	Close() error
}

// WithLease returns base with its lease operations served by lease
func WithLease(base Store, lease LeaseStore) Store {
	return &leaseOverride{Store: base, lease: lease}
}

type leaseOverride struct {
	Store
	lease LeaseStore
}

func (s *leaseOverride) UpdateLease(ctx context.Context, fn LeaseMutation) (*domain.LeaseRecord, error) {
	return s.lease.UpdateLease(ctx, fn)
}

func (s *leaseOverride) GetLease(ctx context.Context) (*domain.LeaseRecord, error) {
	return s.lease.GetLease(ctx)
}

func (s *leaseOverride) Close() error {
	err := s.Store.Close()
	if c, ok := s.lease.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
