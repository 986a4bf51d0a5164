// Package boltdb implements the monitor store on an embedded BoltDB file.
// BoltDB holds an exclusive file lock, so this backend serves a single host
// process; use the postgres backend when several processes share a store.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

var (
	bucketPolicies    = []byte("folder_policies")
	bucketPolicyPaths = []byte("folder_policy_paths")
	bucketFileStates  = []byte("file_tail_states")
	bucketLease       = []byte("lease")
	bucketEvents      = []byte("tracking_events")
)

// Store implements store.Store using BoltDB
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the BoltDB file at dbPath
func Open(dbPath string) (*Store, error) {
	// Try to open with short timeout
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A held lock means another process owns the file
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPolicies, bucketPolicyPaths, bucketFileStates, bucketLease, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB store initialized")

	return &Store{db: db}, nil
}

// Close closes the BoltDB database
func (s *Store) Close() error {
	log.Info().Msg("Closing BoltDB store")
	return s.db.Close()
}

// UpdateLease applies fn to the lease inside a single write transaction
func (s *Store) UpdateLease(ctx context.Context, fn store.LeaseMutation) (*domain.LeaseRecord, error) {
	var result domain.LeaseRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLease)
		rec := domain.LeaseRecord{ID: domain.LeaseID}
		if val := b.Get([]byte(domain.LeaseID)); val != nil {
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("failed to decode lease: %w", err)
			}
		}

		if err := fn(&rec); err != nil {
			return err
		}

		val, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to encode lease: %w", err)
		}
		result = rec
		return b.Put([]byte(domain.LeaseID), val)
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// GetLease reads the lease
func (s *Store) GetLease(ctx context.Context) (*domain.LeaseRecord, error) {
	var rec *domain.LeaseRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketLease).Get([]byte(domain.LeaseID))
		if val == nil {
			return store.ErrNotFound
		}
		rec = &domain.LeaseRecord{}
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// ActivePolicies returns active folder policies ordered by id
func (s *Store) ActivePolicies(ctx context.Context) ([]domain.FolderPolicy, error) {
	all, err := s.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}

	active := all[:0]
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// ListPolicies returns every folder policy ordered by id
func (s *Store) ListPolicies(ctx context.Context) ([]domain.FolderPolicy, error) {
	var policies []domain.FolderPolicy

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var p domain.FolderPolicy
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to decode policy %d: %w", binary.BigEndian.Uint64(k), err)
			}
			policies = append(policies, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}

	return policies, nil
}

// UpsertPolicy stores p keyed by its path
func (s *Store) UpsertPolicy(ctx context.Context, p *domain.FolderPolicy) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		policies := tx.Bucket(bucketPolicies)
		paths := tx.Bucket(bucketPolicyPaths)

		if idVal := paths.Get([]byte(p.Path)); idVal != nil {
			p.ID = int64(binary.BigEndian.Uint64(idVal))
			var existing domain.FolderPolicy
			if val := policies.Get(idVal); val != nil {
				if err := json.Unmarshal(val, &existing); err == nil {
					p.LastRunAt = existing.LastRunAt
				}
			}
		} else {
			seq, err := policies.NextSequence()
			if err != nil {
				return err
			}
			p.ID = int64(seq)
			if err := paths.Put([]byte(p.Path), itob(p.ID)); err != nil {
				return err
			}
		}

		val, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return policies.Put(itob(p.ID), val)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}

	return nil
}

// MarkRun records the last run time of a folder
func (s *Store) MarkRun(ctx context.Context, folderID int64, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		val := b.Get(itob(folderID))
		if val == nil {
			return store.ErrNotFound
		}

		var p domain.FolderPolicy
		if err := json.Unmarshal(val, &p); err != nil {
			return fmt.Errorf("failed to decode policy: %w", err)
		}
		p.LastRunAt = &at

		val, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put(itob(folderID), val)
	})
}

// GetFileState returns the state of one file
func (s *Store) GetFileState(ctx context.Context, folderID int64, path string) (*domain.FileTailState, error) {
	var state *domain.FileTailState

	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketFileStates).Get(fileKey(folderID, path))
		if val == nil {
			return store.ErrNotFound
		}
		state = &domain.FileTailState{}
		return json.Unmarshal(val, state)
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

// SaveFileState writes the state of one file
func (s *Store) SaveFileState(ctx context.Context, state *domain.FileTailState) error {
	val, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode file state: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileStates).Put(fileKey(state.FolderID, state.Path), val)
	})
	if err != nil {
		return fmt.Errorf("failed to save file state: %w", err)
	}

	log.Debug().
		Int64("folder_id", state.FolderID).
		Str("file_path", state.Path).
		Int64("offset", state.LastOffset).
		Int64("generation", state.Generation).
		Msg("File state updated")

	return nil
}

// DeleteFileState removes the state of one file
func (s *Store) DeleteFileState(ctx context.Context, folderID int64, path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileStates).Delete(fileKey(folderID, path))
	})
	if err != nil {
		return fmt.Errorf("failed to delete file state: %w", err)
	}
	return nil
}

// ListFileStates returns all states of a folder
func (s *Store) ListFileStates(ctx context.Context, folderID int64) ([]domain.FileTailState, error) {
	var states []domain.FileTailState
	prefix := itob(folderID)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFileStates).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var st domain.FileTailState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("failed to decode file state %q: %w", k[len(prefix):], err)
			}
			states = append(states, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list file states: %w", err)
	}

	return states, nil
}

// InsertBatch stores new events keyed by the hash of their uniqueness key
func (s *Store) InsertBatch(ctx context.Context, events []domain.TrackingEvent) ([]domain.TrackingEvent, error) {
	var inserted []domain.TrackingEvent

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, ev := range events {
			key := []byte(ev.Key().Hash())
			if b.Get(key) != nil {
				continue
			}
			val, err := json.Marshal(&ev)
			if err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			if err := b.Put(key, val); err != nil {
				return err
			}
			inserted = append(inserted, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert event batch: %w", err)
	}

	return inserted, nil
}

// CountEvents returns the number of stored events
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// ListEvents returns every stored event. Intended for tooling and tests.
func (s *Store) ListEvents(ctx context.Context) ([]domain.TrackingEvent, error) {
	var events []domain.TrackingEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var ev domain.TrackingEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// fileKey is the folder id prefix followed by the path
func fileKey(folderID int64, path string) []byte {
	return append(itob(folderID), path...)
}
