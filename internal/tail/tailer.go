// Package tail reads monitored files incrementally. Each pass resumes at the
// persisted byte offset, detects rotation by identity or shrinking size, and
// feeds new bytes through the file's parse buffer into the record sink.
package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/extract"
	"github.com/SteelMorgan/refliv-monitor/internal/observability"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

const tracerName = "refliv-monitor/tail"

// Persister stores extracted events and returns how many were new
type Persister interface {
	Persist(ctx context.Context, events []domain.TrackingEvent) int
}

// ProgressReporter receives a snapshot after every tail pass
type ProgressReporter interface {
	ReportProgress(ctx context.Context, p domain.FileReadingProgress) error
}

// Result summarises one tail pass
type Result struct {
	Rotated   bool
	BytesRead int64
	Extracted int
	Saved     int
}

// Tailer runs tail passes over individual files
type Tailer struct {
	states    store.FileStateStore
	buffers   *extract.BufferTable
	sink      Persister
	progress  ProgressReporter
	chunkSize int
	now       func() time.Time
}

// NewTailer creates a tailer. chunkSize is the read size per step and
// normally matches the buffer target size.
func NewTailer(states store.FileStateStore, buffers *extract.BufferTable, sink Persister, chunkSize int) *Tailer {
	if chunkSize <= 0 {
		chunkSize = extract.DefaultTargetSize
	}
	return &Tailer{
		states:    states,
		buffers:   buffers,
		sink:      sink,
		chunkSize: chunkSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetProgressReporter registers where pass snapshots are sent
func (t *Tailer) SetProgressReporter(r ProgressReporter) {
	t.progress = r
}

// Process runs one tail pass over path for folder. I/O failures are recorded
// on the file state and returned; the state is still saved.
func (t *Tailer) Process(ctx context.Context, folder *domain.FolderPolicy, path string) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "tail.Process",
		attribute.String("file", path),
		attribute.Int64("folder_id", folder.ID),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int64("bytes_read", res.BytesRead),
			attribute.Int("saved", res.Saved),
		)
		observability.EndSpan(span, err)
	}()

	state, err := t.states.GetFileState(ctx, folder.ID, path)
	if errors.Is(err, store.ErrNotFound) {
		state = domain.NewFileTailState(folder.ID, path)
	} else if err != nil {
		return res, fmt.Errorf("load file state: %w", err)
	}

	now := t.now()
	info, statErr := os.Stat(path)
	if statErr != nil {
		state.LastError = statErr.Error()
		state.LastSeen = now
		if err := t.states.SaveFileState(ctx, state); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to save file state")
		}
		return res, fmt.Errorf("stat %s: %w", path, statErr)
	}

	size := info.Size()
	identity := fileIdentity(info)

	if (state.Identity != 0 && identity != 0 && identity != state.Identity) || size < state.LastSize {
		log.Info().
			Str("file", path).
			Uint64("old_identity", state.Identity).
			Uint64("new_identity", identity).
			Int64("old_size", state.LastSize).
			Int64("new_size", size).
			Int64("generation", state.Generation+1).
			Msg("File rotation detected")
		state.Rotate()
		t.buffers.Reset(path)
		res.Rotated = true
	}

	state.Identity = identity
	state.LastMtime = info.ModTime().UTC()
	state.LastSeen = now

	var readErr error
	if size > state.LastOffset {
		var events []domain.TrackingEvent
		var consumed int64
		events, consumed, readErr = t.read(path, state.LastOffset, size)

		res.BytesRead = consumed
		res.Extracted = len(events)
		if len(events) > 0 {
			res.Saved = t.sink.Persist(ctx, events)
		}

		state.LastOffset += consumed
		state.RecordsProcessed += int64(res.Saved)

		if readErr != nil {
			state.LastError = readErr.Error()
			log.Error().
				Err(readErr).
				Str("file", path).
				Int64("offset", state.LastOffset).
				Msg("Failed to read file tail")
		} else {
			state.LastError = ""
			if res.Saved > 0 {
				log.Info().
					Str("file", path).
					Int("saved", res.Saved).
					Int64("offset", state.LastOffset).
					Msg("Processed new records")
			}
		}
	}
	state.LastSize = size

	if err := t.states.SaveFileState(ctx, state); err != nil {
		return res, fmt.Errorf("save file state: %w", err)
	}

	t.report(ctx, folder, state, res)
	return res, readErr
}

// read feeds bytes [offset, size) through the file's buffer in chunks and
// returns the extracted events and how many bytes were consumed
func (t *Tailer) read(path string, offset, size int64) ([]domain.TrackingEvent, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek to %d: %w", offset, err)
	}

	buf := t.buffers.Get(path)
	fileName := filepath.Base(path)
	chunk := make([]byte, t.chunkSize)

	var events []domain.TrackingEvent
	var consumed int64
	for consumed < size-offset {
		want := size - offset - consumed
		if want > int64(len(chunk)) {
			want = int64(len(chunk))
		}

		n, err := io.ReadFull(f, chunk[:want])
		if n > 0 {
			events = append(events, buf.Feed(chunk[:n], fileName)...)
			consumed += int64(n)
		}
		if err != nil {
			return events, consumed, fmt.Errorf("read at %d: %w", offset+consumed, err)
		}
	}

	return events, consumed, nil
}

func (t *Tailer) report(ctx context.Context, folder *domain.FolderPolicy, state *domain.FileTailState, res Result) {
	if t.progress == nil {
		return
	}

	p := domain.FileReadingProgress{
		Timestamp:     state.LastSeen,
		FolderPath:    folder.Path,
		FilePath:      state.Path,
		FileName:      filepath.Base(state.Path),
		Generation:    state.Generation,
		FileSizeBytes: state.LastSize,
		OffsetBytes:   state.LastOffset,
		RecordsSaved:  int64(res.Saved),
		RecordsTotal:  state.RecordsProcessed,
		LastError:     state.LastError,
	}
	if err := t.progress.ReportProgress(ctx, p); err != nil {
		log.Warn().Err(err).Str("file", state.Path).Msg("Failed to report reading progress")
	}
}
