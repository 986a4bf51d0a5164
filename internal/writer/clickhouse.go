package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

// ClickHouse DateTime64 valid range: 1925-01-01 to 2283-11-11
var (
	minClickHouseDateTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxClickHouseDateTime = time.Date(2283, 11, 11, 23, 59, 59, 999999999, time.UTC)
)

// ensureValidDateTime clamps zero or out-of-range values to the minimum
func ensureValidDateTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(minClickHouseDateTime) || t.After(maxClickHouseDateTime) {
		return minClickHouseDateTime
	}
	return t
}

const (
	insertEventsQuery   = "INSERT INTO tracking_events"
	insertProgressQuery = "INSERT INTO file_reading_progress"
)

// ClickHouseWriter mirrors events and reading progress into ClickHouse.
// It serves as a sink observer and as the tailer's progress reporter.
type ClickHouseWriter struct {
	rows RowInserter
}

var _ MirrorWriter = (*ClickHouseWriter)(nil)

// NewClickHouseWriter creates a writer on top of rows
func NewClickHouseWriter(rows RowInserter) *ClickHouseWriter {
	return &ClickHouseWriter{rows: rows}
}

// Name identifies the writer in logs
func (w *ClickHouseWriter) Name() string {
	return "clickhouse"
}

// WriteEvents inserts events as one batch
func (w *ClickHouseWriter) WriteEvents(ctx context.Context, events []domain.TrackingEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for i := range events {
		ev := &events[i]
		rows = append(rows, []any{
			ev.Key().Hash(),
			ev.ReferenceNumber,
			ev.ShippingUnitRef,
			ev.Status,
			ev.Description,
			ensureValidDateTime(ev.Timestamp),
			ev.Location,
			ev.LogFileName,
			ensureValidDateTime(ev.LogTimestamp),
			ensureValidDateTime(ev.CreatedAt),
		})
	}

	start := time.Now()
	if err := w.rows.InsertRows(ctx, insertEventsQuery, rows); err != nil {
		return fmt.Errorf("failed to mirror events: %w", err)
	}

	log.Debug().
		Int("events", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Events mirrored to ClickHouse")
	return nil
}

// WriteFileReadingProgress inserts one progress snapshot
func (w *ClickHouseWriter) WriteFileReadingProgress(ctx context.Context, p *domain.FileReadingProgress) error {
	row := []any{
		ensureValidDateTime(p.Timestamp),
		p.FolderPath,
		p.FilePath,
		p.FileName,
		p.Generation,
		p.FileSizeBytes,
		p.OffsetBytes,
		p.RecordsSaved,
		p.RecordsTotal,
		p.LastError,
	}
	if err := w.rows.InsertRows(ctx, insertProgressQuery, [][]any{row}); err != nil {
		return fmt.Errorf("failed to mirror reading progress: %w", err)
	}
	return nil
}

// EventsStored implements sink.Observer
func (w *ClickHouseWriter) EventsStored(ctx context.Context, events []domain.TrackingEvent) error {
	return w.WriteEvents(ctx, events)
}

// ReportProgress implements tail.ProgressReporter
func (w *ClickHouseWriter) ReportProgress(ctx context.Context, p domain.FileReadingProgress) error {
	return w.WriteFileReadingProgress(ctx, &p)
}
