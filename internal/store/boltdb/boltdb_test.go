package boltdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpdateLease_RollbackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetLease(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for fresh store, got %v", err)
	}

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.UpdateLease(ctx, func(rec *domain.LeaseRecord) error {
		rec.Active = true
		rec.HeartbeatAt = now
		rec.Owner = domain.Owner{ProcessID: 1, WorkerID: "w1"}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateLease() error: %v", err)
	}

	boom := errors.New("boom")
	_, err = s.UpdateLease(ctx, func(rec *domain.LeaseRecord) error {
		rec.Owner = domain.Owner{ProcessID: 2, WorkerID: "w2"}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}

	rec, err := s.GetLease(ctx)
	if err != nil {
		t.Fatalf("GetLease() error: %v", err)
	}
	if rec.Owner.WorkerID != "w1" || !rec.HeartbeatAt.Equal(now) {
		t.Errorf("failed mutation must not change the lease, got %+v", rec)
	}
}

func TestPolicies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &domain.FolderPolicy{Path: "/tmp/a", PollingInterval: 5, MaxFiles: 2, Active: true}
	b := &domain.FolderPolicy{Path: "/tmp/b", PollingInterval: 5, MaxFiles: 2, Active: false}
	for _, p := range []*domain.FolderPolicy{a, b} {
		if err := s.UpsertPolicy(ctx, p); err != nil {
			t.Fatalf("UpsertPolicy() error: %v", err)
		}
	}

	runAt := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.MarkRun(ctx, a.ID, runAt); err != nil {
		t.Fatalf("MarkRun() error: %v", err)
	}

	// re-seeding keeps id and last run
	again := &domain.FolderPolicy{Path: "/tmp/a", PollingInterval: 7, MaxFiles: 2, Active: true}
	if err := s.UpsertPolicy(ctx, again); err != nil {
		t.Fatalf("UpsertPolicy() error: %v", err)
	}
	if again.ID != a.ID {
		t.Errorf("expected id %d to be reused, got %d", a.ID, again.ID)
	}

	active, err := s.ActivePolicies(ctx)
	if err != nil {
		t.Fatalf("ActivePolicies() error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active policy, got %d", len(active))
	}
	if active[0].PollingInterval != 7 || active[0].LastRunAt == nil || !active[0].LastRunAt.Equal(runAt) {
		t.Errorf("unexpected stored policy %+v", active[0])
	}

	if err := s.MarkRun(ctx, 999, runAt); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown folder, got %v", err)
	}
}

func TestFileStates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, st := range []*domain.FileTailState{
		{FolderID: 1, Path: "/logs/a.log", LastOffset: 10, Generation: 1},
		{FolderID: 1, Path: "/logs/b.log", LastOffset: 20, Generation: 2},
		{FolderID: 256, Path: "/other/c.log", Generation: 1},
	} {
		if err := s.SaveFileState(ctx, st); err != nil {
			t.Fatalf("SaveFileState() error: %v", err)
		}
	}

	got, err := s.GetFileState(ctx, 1, "/logs/b.log")
	if err != nil {
		t.Fatalf("GetFileState() error: %v", err)
	}
	if got.LastOffset != 20 || got.Generation != 2 {
		t.Errorf("unexpected state %+v", got)
	}

	states, err := s.ListFileStates(ctx, 1)
	if err != nil {
		t.Fatalf("ListFileStates() error: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("expected 2 states for folder 1, got %d", len(states))
	}

	if err := s.DeleteFileState(ctx, 1, "/logs/a.log"); err != nil {
		t.Fatalf("DeleteFileState() error: %v", err)
	}
	if _, err := s.GetFileState(ctx, 1, "/logs/a.log"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestInsertBatch_Deduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	ev, _ := domain.NewTrackingEvent("A1234567890", "DELIVERED", "app.log", ts, ts)
	other, _ := domain.NewTrackingEvent("A1234567890", "IN_TRANSIT", "app.log", ts, ts)

	inserted, err := s.InsertBatch(ctx, []domain.TrackingEvent{*ev, *ev, *other})
	if err != nil {
		t.Fatalf("InsertBatch() error: %v", err)
	}
	if len(inserted) != 2 {
		t.Errorf("expected 2 new events, got %d", len(inserted))
	}

	inserted, err = s.InsertBatch(ctx, []domain.TrackingEvent{*ev})
	if err != nil {
		t.Fatalf("InsertBatch() error: %v", err)
	}
	if len(inserted) != 0 {
		t.Errorf("expected duplicate to be a no-op, got %d inserted", len(inserted))
	}

	n, err := s.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 stored events, got %d", n)
	}
}
