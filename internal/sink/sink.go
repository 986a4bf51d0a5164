// Package sink persists extracted tracking events in deduplicating batches
// and fans newly stored events out to observers.
package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

// DefaultBatchSize is the number of events committed per transaction
const DefaultBatchSize = 100

// Observer receives events after their batch has been committed
type Observer interface {
	Name() string
	EventsStored(ctx context.Context, events []domain.TrackingEvent) error
}

// Sink writes events to an EventStore
type Sink struct {
	store     store.EventStore
	batchSize int
	observers []Observer
	now       func() time.Time
}

// New creates a sink. batchSize <= 0 uses DefaultBatchSize.
func New(st store.EventStore, batchSize int, observers ...Observer) *Sink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sink{
		store:     st,
		batchSize: batchSize,
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddObserver registers an observer for newly stored events
func (s *Sink) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Persist stores events batch by batch and returns how many were new.
// A failed batch is rolled back by the store and contributes nothing;
// the remaining batches are still attempted.
func (s *Sink) Persist(ctx context.Context, events []domain.TrackingEvent) int {
	saved := 0

	for start := 0; start < len(events); start += s.batchSize {
		end := start + s.batchSize
		if end > len(events) {
			end = len(events)
		}

		batch := make([]domain.TrackingEvent, end-start)
		copy(batch, events[start:end])
		now := s.now()
		for i := range batch {
			if batch[i].CreatedAt.IsZero() {
				batch[i].CreatedAt = now
			}
		}

		inserted, err := s.store.InsertBatch(ctx, batch)
		if err != nil {
			log.Error().
				Err(err).
				Int("batch_start", start).
				Int("batch_size", len(batch)).
				Msg("Failed to commit event batch, rolled back")
			continue
		}

		saved += len(inserted)
		log.Debug().
			Int("batch_size", len(batch)).
			Int("inserted", len(inserted)).
			Msg("Committed event batch")

		if len(inserted) > 0 {
			s.notify(ctx, inserted)
		}
	}

	return saved
}

func (s *Sink) notify(ctx context.Context, events []domain.TrackingEvent) {
	for _, o := range s.observers {
		if err := o.EventsStored(ctx, events); err != nil {
			log.Warn().
				Err(err).
				Str("observer", o.Name()).
				Int("events", len(events)).
				Msg("Observer failed to handle stored events")
		}
	}
}
