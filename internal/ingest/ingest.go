// Package ingest parses whole log files in one shot, independent of the
// tail offsets kept by the monitor.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/extract"
)

// Persister stores events and returns how many were new
type Persister interface {
	Persist(ctx context.Context, events []domain.TrackingEvent) int
}

// Result summarises one ingested file
type Result struct {
	File      string
	Extracted int
	Saved     int
	Duration  time.Duration
}

// Service ingests whole files through the record sink. Duplicates are
// detected with the same full key as the monitor.
type Service struct {
	sink Persister
	now  func() time.Time
}

// NewService creates an ingestion service
func NewService(sink Persister) *Service {
	return &Service{
		sink: sink,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// IngestFile parses the whole file at path and stores its events
func (s *Service) IngestFile(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	res := Result{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", path, err)
	}

	events := extract.ParseDocument(string(data), filepath.Base(path), s.now())
	res.Extracted = len(events)
	if len(events) > 0 {
		res.Saved = s.sink.Persist(ctx, events)
	}
	res.Duration = time.Since(start)

	log.Info().
		Str("file", path).
		Int("extracted", res.Extracted).
		Int("saved", res.Saved).
		Dur("duration", res.Duration).
		Msg("File ingested")

	return res, nil
}
