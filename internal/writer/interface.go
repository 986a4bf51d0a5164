package writer

import (
	"context"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

// MirrorWriter copies stored events and reading progress to an analytics store
type MirrorWriter interface {
	// WriteEvents writes newly stored tracking events
	WriteEvents(ctx context.Context, events []domain.TrackingEvent) error

	// WriteFileReadingProgress mirrors the file state after a tail pass
	// with extra metadata for monitoring
	WriteFileReadingProgress(ctx context.Context, progress *domain.FileReadingProgress) error
}

// RowInserter sends rows for an INSERT statement as one batch
type RowInserter interface {
	InsertRows(ctx context.Context, query string, rows [][]any) error
}
