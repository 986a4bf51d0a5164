// Package monitor runs the scanning loop. A Scheduler holds the execution
// lease while running, walks the active folder policies each iteration and
// tails their files one after another.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/extract"
	"github.com/SteelMorgan/refliv-monitor/internal/fileset"
	"github.com/SteelMorgan/refliv-monitor/internal/lease"
	"github.com/SteelMorgan/refliv-monitor/internal/observability"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
	"github.com/SteelMorgan/refliv-monitor/internal/tail"
)

const tracerName = "refliv-monitor/monitor"

// ErrAlreadyRunning is returned by Start when the loop already runs here
var ErrAlreadyRunning = errors.New("monitor already running")

// errStop ends the loop without counting as a failure
var errStop = errors.New("monitor stopping")

// Store is the persistence the scheduler reads and writes directly
type Store interface {
	store.PolicyStore
	store.FileStateStore
}

// Options tunes loop timing
type Options struct {
	IdleInterval time.Duration // sleep when no folder is active
	ErrorBackoff time.Duration // sleep after a failed iteration
	StopTimeout  time.Duration // how long Stop waits for the loop
	PollUnit     time.Duration // duration of one polling-interval unit, normally a second
}

// DefaultOptions returns production timing
func DefaultOptions() Options {
	return Options{
		IdleInterval: 10 * time.Second,
		ErrorBackoff: 10 * time.Second,
		StopTimeout:  10 * time.Second,
		PollUnit:     time.Second,
	}
}

// Scheduler is the monitor service object. One is built per process.
type Scheduler struct {
	store     Store
	coord     *lease.Coordinator
	tailer    *tail.Tailer
	buffers   *extract.BufferTable
	retention *Retention
	opts      Options
	now       func() time.Time
	newOwner  func() domain.Owner

	mu      sync.Mutex
	current *run
}

// run is one ownership tenure of the loop
type run struct {
	owner  domain.Owner
	stopCh chan struct{}
	done   chan struct{}
}

// NewScheduler wires a scheduler. Zero option fields take their defaults.
func NewScheduler(st Store, coord *lease.Coordinator, tailer *tail.Tailer, buffers *extract.BufferTable, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = def.IdleInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = def.ErrorBackoff
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.PollUnit <= 0 {
		opts.PollUnit = def.PollUnit
	}

	return &Scheduler{
		store:     st,
		coord:     coord,
		tailer:    tailer,
		buffers:   buffers,
		retention: NewRetention(st, buffers),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		newOwner:  lease.NewOwner,
	}
}

// Owner returns the lease identity of the running loop, zero when stopped
func (s *Scheduler) Owner() domain.Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Owner{}
	}
	return s.current.owner
}

// Start acquires the lease under a fresh worker identity and launches the
// loop. It returns lease.ErrHeld when another live owner is scanning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return ErrAlreadyRunning
	}

	owner := s.newOwner()
	ok, err := s.coord.Acquire(ctx, owner)
	if err != nil {
		return err
	}
	if !ok {
		return lease.ErrHeld
	}

	// Buffers never survive an ownership change
	s.buffers.Clear()

	r := &run{
		owner:  owner,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.current = r
	go s.loop(context.WithoutCancel(ctx), r)

	log.Info().
		Str("owner", owner.String()).
		Msg("Monitor started")
	return nil
}

// Stop requests a stop through the lease, which also reaches loops in other
// processes, then waits up to StopTimeout for the local loop. On timeout the
// lease is released anyway.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.coord.RequestStop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to request stop")
	}

	s.mu.Lock()
	r := s.current
	if r == nil {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	s.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-time.After(s.opts.StopTimeout):
	case <-ctx.Done():
	}

	log.Warn().
		Dur("timeout", s.opts.StopTimeout).
		Msg("Monitor loop did not stop in time, releasing lease")

	s.clear(r)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.coord.Release(releaseCtx, r.owner); err != nil && !errors.Is(err, lease.ErrNotOwner) {
		return fmt.Errorf("force release: %w", err)
	}
	return nil
}

// Status reports the local flag and the stored lease
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	return ReadStatus(ctx, s.coord, s.LocalRunning())
}

// Running reports whether this or another process runs the loop
func (s *Scheduler) Running(ctx context.Context) bool {
	st, err := s.Status(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read monitor status")
	}
	return st.Running()
}

// LocalRunning reports whether the loop runs in this process
func (s *Scheduler) LocalRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// clear forgets r if it is still the current run
func (s *Scheduler) clear(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == r {
		s.current = nil
	}
}

func (s *Scheduler) loop(ctx context.Context, r *run) {
	defer s.finish(ctx, r)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		sleep, err := s.runIteration(ctx, r)
		if errors.Is(err, errStop) {
			return
		}
		if err != nil {
			log.Error().
				Err(err).
				Dur("backoff", s.opts.ErrorBackoff).
				Msg("Monitor iteration failed")
			sleep = s.opts.ErrorBackoff
		}

		if !s.sleep(ctx, r, sleep) {
			return
		}
	}
}

// sleep waits for d, checking the local stop channel and, once per poll
// unit, the cross-process stop flag. It returns false when a stop arrived.
func (s *Scheduler) sleep(ctx context.Context, r *run, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(s.opts.PollUnit)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			stop, err := s.coord.StopRequested(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to check stop flag")
				continue
			}
			if stop {
				log.Info().Msg("Stop requested while idle")
				return false
			}
		}
	}
}

// finish releases the lease held by the run and marks it stopped
func (s *Scheduler) finish(ctx context.Context, r *run) {
	if err := s.coord.Release(ctx, r.owner); err != nil && !errors.Is(err, lease.ErrNotOwner) {
		log.Error().Err(err).Msg("Failed to release lease on loop exit")
	}

	s.clear(r)
	close(r.done)

	log.Info().Str("owner", r.owner.String()).Msg("Monitor stopped")
}

// runIteration runs one pass and turns a panic into an error
func (s *Scheduler) runIteration(ctx context.Context, r *run) (sleep time.Duration, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in monitor iteration: %v", rec)
		}
	}()
	return s.iterate(ctx, r)
}

// iterate renews the lease, processes every due folder and returns how long
// to sleep before the next pass
func (s *Scheduler) iterate(ctx context.Context, r *run) (_ time.Duration, err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "monitor.iteration")
	defer func() {
		if errors.Is(err, errStop) {
			observability.EndSpan(span, nil)
			return
		}
		observability.EndSpan(span, err)
	}()

	ok, err := s.coord.Renew(ctx, r.owner)
	if err != nil {
		log.Error().Err(err).Msg("Failed to renew lease, stopping")
		return 0, errStop
	}
	if !ok {
		return 0, errStop
	}

	policies, err := s.store.ActivePolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active policies: %w", err)
	}
	span.SetAttributes(attribute.Int("folders", len(policies)))

	for i := range policies {
		p := &policies[i]

		select {
		case <-r.stopCh:
			return 0, errStop
		default:
		}
		stop, err := s.coord.StopRequested(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to check stop flag")
		} else if stop {
			log.Info().Msg("Stop requested, ending iteration")
			return 0, errStop
		}

		now := s.now()
		if !p.Due(now) {
			log.Debug().
				Str("folder", p.Path).
				Time("next_run", p.NextRun()).
				Msg("Folder not due yet")
			continue
		}

		s.processFolder(ctx, p, r.stopCh)

		if err := s.store.MarkRun(ctx, p.ID, now); err != nil {
			log.Warn().Err(err).Str("folder", p.Path).Msg("Failed to update folder last run")
		}

		// A long folder pass must not let the heartbeat go stale
		ok, err := s.coord.Renew(ctx, r.owner)
		if err != nil {
			log.Error().Err(err).Msg("Failed to renew lease, stopping")
			return 0, errStop
		}
		if !ok {
			return 0, errStop
		}
	}

	return s.pollInterval(policies), nil
}

// processFolder resolves, trims and tails the files of one folder. File
// errors are recorded on their state and do not stop the folder.
func (s *Scheduler) processFolder(ctx context.Context, p *domain.FolderPolicy, stopCh <-chan struct{}) {
	ctx, span := observability.StartSpan(ctx, tracerName, "monitor.folder",
		attribute.String("folder", p.Path),
		attribute.Int64("folder_id", p.ID),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	// An unreachable folder leaves its file states alone; an empty resolve
	// would otherwise let retention forget every offset.
	info, err := os.Stat(p.Path)
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("%s is not a directory", p.Path)
	}
	if err != nil {
		log.Warn().Err(err).Str("folder", p.Path).Msg("Folder unavailable, skipping")
		return
	}

	files, err := fileset.Resolve(p)
	if err != nil {
		log.Error().Err(err).Str("folder", p.Path).Msg("Failed to resolve folder files")
		return
	}

	kept := s.retention.Enforce(ctx, p, files)
	span.SetAttributes(attribute.Int("files", len(kept)))

	saved := 0
	for _, path := range kept {
		select {
		case <-stopCh:
			return
		default:
		}

		res, ferr := s.tailer.Process(ctx, p, path)
		if ferr != nil {
			log.Warn().Err(ferr).Str("file", path).Msg("Tail pass failed")
			continue
		}
		saved += res.Saved
	}

	log.Debug().
		Str("folder", p.Path).
		Int("files", len(kept)).
		Int("saved", saved).
		Msg("Folder processed")
}

// pollInterval is max(1, min polling interval) units, or the idle interval
func (s *Scheduler) pollInterval(policies []domain.FolderPolicy) time.Duration {
	if len(policies) == 0 {
		return s.opts.IdleInterval
	}

	shortest := policies[0].PollingInterval
	for _, p := range policies[1:] {
		if p.PollingInterval < shortest {
			shortest = p.PollingInterval
		}
	}
	if shortest < 1 {
		shortest = 1
	}
	return time.Duration(shortest) * s.opts.PollUnit
}
