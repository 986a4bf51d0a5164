package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

type fakeInserter struct {
	queries []string
	rows    [][][]any
	err     error
}

func (f *fakeInserter) InsertRows(ctx context.Context, query string, rows [][]any) error {
	f.queries = append(f.queries, query)
	f.rows = append(f.rows, rows)
	return f.err
}

func TestEnsureValidDateTime(t *testing.T) {
	valid := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"zero", time.Time{}, minClickHouseDateTime},
		{"too old", time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), minClickHouseDateTime},
		{"too new", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), minClickHouseDateTime},
		{"valid", valid, valid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ensureValidDateTime(tt.in); !got.Equal(tt.want) {
				t.Errorf("ensureValidDateTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteEvents(t *testing.T) {
	ins := &fakeInserter{}
	w := NewClickHouseWriter(ins)
	ts := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)

	ev, err := domain.NewTrackingEvent("A1234567890", "DELIVERED", "app.log", ts, ts)
	if err != nil {
		t.Fatal(err)
	}
	ev.Location = domain.StringPtr("Rotterdam")

	if err := w.EventsStored(context.Background(), []domain.TrackingEvent{*ev}); err != nil {
		t.Fatalf("EventsStored() error = %v", err)
	}
	if len(ins.queries) != 1 || ins.queries[0] != insertEventsQuery {
		t.Fatalf("queries = %v", ins.queries)
	}
	row := ins.rows[0][0]
	if len(row) != 10 {
		t.Fatalf("row has %d columns, want 10", len(row))
	}
	if row[0] != ev.Key().Hash() || row[1] != "A1234567890" || row[3] != "DELIVERED" {
		t.Errorf("row = %v", row)
	}
	// CreatedAt was never set and is clamped
	if got := row[9].(time.Time); !got.Equal(minClickHouseDateTime) {
		t.Errorf("created_at = %v", got)
	}
}

func TestWriteEvents_Empty(t *testing.T) {
	ins := &fakeInserter{}
	if err := NewClickHouseWriter(ins).WriteEvents(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(ins.queries) != 0 {
		t.Errorf("InsertRows called for empty batch")
	}
}

func TestReportProgress(t *testing.T) {
	ins := &fakeInserter{err: errors.New("clickhouse down")}
	w := NewClickHouseWriter(ins)

	err := w.ReportProgress(context.Background(), domain.FileReadingProgress{
		Timestamp:   time.Now().UTC(),
		FolderPath:  "/var/log/app",
		FilePath:    "/var/log/app/app.log",
		FileName:    "app.log",
		Generation:  2,
		OffsetBytes: 512,
	})
	if err == nil {
		t.Fatal("ReportProgress() expected error from inserter")
	}
	if ins.queries[0] != insertProgressQuery {
		t.Errorf("query = %q", ins.queries[0])
	}
	row := ins.rows[0][0]
	if row[4] != int64(2) || row[6] != int64(512) {
		t.Errorf("row = %v", row)
	}
}
