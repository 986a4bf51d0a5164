// Package postgres implements the monitor store on PostgreSQL. The lease row
// is locked with SELECT ... FOR UPDATE so several processes can share it.
// All timestamps are written as UTC wall clock into TIMESTAMP columns.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/retry"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

//go:embed migrations/001_init.sql
var migrationSQL string

// Store implements store.Store using a pgx connection pool
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects, pings with retry and applies the schema
func Open(ctx context.Context, databaseURL string, retryCfg retry.Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("Connected to PostgreSQL")
	return s, nil
}

// New wraps an existing pool
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("run migration: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *Store) Close() error {
	log.Info().Msg("Closing PostgreSQL store")
	s.pool.Close()
	return nil
}

const selectLeaseSQL = `SELECT id, active, stop_requested, process_id, worker_id,
	heartbeat_at, started_at, stopped_at
	FROM monitor_instance WHERE id = $1`

// UpdateLease locks the lease row, applies fn and commits. The row is created
// on first use inside the same transaction.
func (s *Store) UpdateLease(ctx context.Context, fn store.LeaseMutation) (*domain.LeaseRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO monitor_instance (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		domain.LeaseID,
	); err != nil {
		return nil, fmt.Errorf("ensure lease row: %w", err)
	}

	rec, err := scanLease(tx.QueryRow(ctx, selectLeaseSQL+` FOR UPDATE`, domain.LeaseID))
	if err != nil {
		return nil, fmt.Errorf("lock lease row: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE monitor_instance SET
			active = $2,
			stop_requested = $3,
			process_id = $4,
			worker_id = $5,
			heartbeat_at = $6,
			started_at = $7,
			stopped_at = $8
		WHERE id = $1`,
		domain.LeaseID, rec.Active, rec.StopRequested,
		nullInt(rec.Owner.ProcessID), nullString(rec.Owner.WorkerID),
		nullTime(rec.HeartbeatAt), utcPtr(rec.StartedAt), utcPtr(rec.StoppedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("update lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return rec, nil
}

// GetLease reads the lease row without locking
func (s *Store) GetLease(ctx context.Context) (*domain.LeaseRecord, error) {
	rec, err := scanLease(s.pool.QueryRow(ctx, selectLeaseSQL, domain.LeaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rec, err
}

func scanLease(row pgx.Row) (*domain.LeaseRecord, error) {
	var (
		rec       domain.LeaseRecord
		processID *int32
		workerID  *string
		heartbeat *time.Time
	)
	err := row.Scan(&rec.ID, &rec.Active, &rec.StopRequested, &processID, &workerID,
		&heartbeat, &rec.StartedAt, &rec.StoppedAt)
	if err != nil {
		return nil, err
	}
	if processID != nil {
		rec.Owner.ProcessID = int(*processID)
	}
	rec.Owner.WorkerID = domain.Deref(workerID)
	if heartbeat != nil {
		rec.HeartbeatAt = *heartbeat
	}
	return &rec, nil
}

const selectPolicySQL = `SELECT id, path, include_patterns, exclude_patterns, polling_interval,
	max_files, access_mode, rotation_base, rotation_max, schedule_enabled,
	schedule_every_minutes, active, last_run_at
	FROM monitored_folders`

// ActivePolicies returns active folder policies ordered by id
func (s *Store) ActivePolicies(ctx context.Context) ([]domain.FolderPolicy, error) {
	return s.queryPolicies(ctx, selectPolicySQL+` WHERE active ORDER BY id`)
}

// ListPolicies returns all folder policies ordered by id
func (s *Store) ListPolicies(ctx context.Context) ([]domain.FolderPolicy, error) {
	return s.queryPolicies(ctx, selectPolicySQL+` ORDER BY id`)
}

func (s *Store) queryPolicies(ctx context.Context, query string) ([]domain.FolderPolicy, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []domain.FolderPolicy
	for rows.Next() {
		var (
			p            domain.FolderPolicy
			rotationBase *string
		)
		if err := rows.Scan(&p.ID, &p.Path, &p.IncludePatterns, &p.ExcludePatterns,
			&p.PollingInterval, &p.MaxFiles, &p.AccessMode, &rotationBase, &p.RotationMax,
			&p.ScheduleEnabled, &p.ScheduleEveryMinutes, &p.Active, &p.LastRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.RotationBase = domain.Deref(rotationBase)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// UpsertPolicy inserts or updates a policy by path
func (s *Store) UpsertPolicy(ctx context.Context, p *domain.FolderPolicy) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO monitored_folders
			(path, include_patterns, exclude_patterns, polling_interval, max_files,
			 access_mode, rotation_base, rotation_max, schedule_enabled,
			 schedule_every_minutes, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (path) DO UPDATE SET
			include_patterns = EXCLUDED.include_patterns,
			exclude_patterns = EXCLUDED.exclude_patterns,
			polling_interval = EXCLUDED.polling_interval,
			max_files = EXCLUDED.max_files,
			access_mode = EXCLUDED.access_mode,
			rotation_base = EXCLUDED.rotation_base,
			rotation_max = EXCLUDED.rotation_max,
			schedule_enabled = EXCLUDED.schedule_enabled,
			schedule_every_minutes = EXCLUDED.schedule_every_minutes,
			active = EXCLUDED.active,
			updated_at = (now() AT TIME ZONE 'utc')
		 RETURNING id, last_run_at`,
		p.Path, nonNil(p.IncludePatterns), nonNil(p.ExcludePatterns), p.PollingInterval,
		p.MaxFiles, p.AccessMode, nullString(p.RotationBase), p.RotationMax,
		p.ScheduleEnabled, p.ScheduleEveryMinutes, p.Active,
	).Scan(&p.ID, &p.LastRunAt)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// MarkRun records the last run time of a folder
func (s *Store) MarkRun(ctx context.Context, folderID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitored_folders SET last_run_at = $2 WHERE id = $1`,
		folderID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark folder run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectFileStateSQL = `SELECT folder_id, path, inode, last_size, last_offset, generation,
	last_mtime, last_seen, last_error, records_processed
	FROM monitored_file_states`

// GetFileState returns the state of one file
func (s *Store) GetFileState(ctx context.Context, folderID int64, path string) (*domain.FileTailState, error) {
	st, err := scanFileState(s.pool.QueryRow(ctx,
		selectFileStateSQL+` WHERE folder_id = $1 AND path = $2`, folderID, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file state: %w", err)
	}
	return st, nil
}

// SaveFileState upserts the state of one file
func (s *Store) SaveFileState(ctx context.Context, st *domain.FileTailState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitored_file_states
			(folder_id, path, inode, last_size, last_offset, generation,
			 last_mtime, last_seen, last_error, records_processed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (folder_id, path) DO UPDATE SET
			inode = EXCLUDED.inode,
			last_size = EXCLUDED.last_size,
			last_offset = EXCLUDED.last_offset,
			generation = EXCLUDED.generation,
			last_mtime = EXCLUDED.last_mtime,
			last_seen = EXCLUDED.last_seen,
			last_error = EXCLUDED.last_error,
			records_processed = EXCLUDED.records_processed`,
		st.FolderID, st.Path, nullInode(st.Identity), st.LastSize, st.LastOffset, st.Generation,
		nullTime(st.LastMtime), st.LastSeen.UTC(), nullString(st.LastError), st.RecordsProcessed,
	)
	if err != nil {
		return fmt.Errorf("save file state: %w", err)
	}
	return nil
}

// DeleteFileState removes the state of one file
func (s *Store) DeleteFileState(ctx context.Context, folderID int64, path string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM monitored_file_states WHERE folder_id = $1 AND path = $2`,
		folderID, path,
	)
	if err != nil {
		return fmt.Errorf("delete file state: %w", err)
	}
	return nil
}

// ListFileStates returns all states of a folder
func (s *Store) ListFileStates(ctx context.Context, folderID int64) ([]domain.FileTailState, error) {
	rows, err := s.pool.Query(ctx, selectFileStateSQL+` WHERE folder_id = $1 ORDER BY path`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list file states: %w", err)
	}
	defer rows.Close()

	var states []domain.FileTailState
	for rows.Next() {
		st, err := scanFileState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file state: %w", err)
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func scanFileState(row pgx.Row) (*domain.FileTailState, error) {
	var (
		st        domain.FileTailState
		inode     *int64
		lastMtime *time.Time
		lastError *string
	)
	err := row.Scan(&st.FolderID, &st.Path, &inode, &st.LastSize, &st.LastOffset, &st.Generation,
		&lastMtime, &st.LastSeen, &lastError, &st.RecordsProcessed)
	if err != nil {
		return nil, err
	}
	if inode != nil {
		st.Identity = uint64(*inode)
	}
	if lastMtime != nil {
		st.LastMtime = *lastMtime
	}
	st.LastError = domain.Deref(lastError)
	return &st, nil
}

const insertEventSQL = `INSERT INTO reflix_tracking
	(reference_number, shipping_unit_ref, status, description, timestamp,
	 location, log_file_name, log_timestamp, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (reference_number, status, timestamp, log_file_name) DO NOTHING`

// InsertBatch inserts the events in one transaction, skipping existing keys
func (s *Store) InsertBatch(ctx context.Context, events []domain.TrackingEvent) ([]domain.TrackingEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin event batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(insertEventSQL,
			ev.ReferenceNumber, ev.ShippingUnitRef, ev.Status, ev.Description,
			ev.Timestamp.UTC(), ev.Location, ev.LogFileName, ev.LogTimestamp.UTC(),
			ev.CreatedAt.UTC(),
		)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted []domain.TrackingEvent
	for _, ev := range events {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("insert event %s: %w", ev.ReferenceNumber, err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, ev)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close event batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event batch: %w", err)
	}
	return inserted, nil
}

// CountEvents returns the number of stored events
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reflix_tracking`).Scan(&n)
	return n, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v int) *int32 {
	if v == 0 {
		return nil
	}
	n := int32(v)
	return &n
}

func nullInode(v uint64) *int64 {
	if v == 0 {
		return nil
	}
	n := int64(v)
	return &n
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
