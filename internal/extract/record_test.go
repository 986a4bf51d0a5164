package extract

import (
	"errors"
	"testing"
	"time"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

func responseXML(title, timestamp string) string {
	xml := `<root><requestedData><stateData>`
	if title != "" {
		xml += `<title>` + title + `</title>`
	}
	xml += `<descriptionText>Shipment update</descriptionText>`
	if timestamp != "" {
		xml += `<timestamp>` + timestamp + `</timestamp>`
	}
	xml += `<location>Basel</location></stateData></requestedData></root>`
	return xml
}

func TestExtractRecord(t *testing.T) {
	callTime := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		block   string
		wantErr error
		anyErr  bool
		checks  func(t *testing.T, ev *domain.TrackingEvent)
	}{
		{
			name:  "utc marker timestamp",
			block: responseXML("DELIVERED", "2025-01-01T10:05:00.000Z"),
			checks: func(t *testing.T, ev *domain.TrackingEvent) {
				want := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
				if !ev.Timestamp.Equal(want) {
					t.Errorf("expected Timestamp=%v, got %v", want, ev.Timestamp)
				}
				if ev.Status != "DELIVERED" {
					t.Errorf("expected Status=DELIVERED, got %s", ev.Status)
				}
				if domain.Deref(ev.Description) != "Shipment update" {
					t.Errorf("unexpected description %q", domain.Deref(ev.Description))
				}
				if domain.Deref(ev.Location) != "Basel" {
					t.Errorf("unexpected location %q", domain.Deref(ev.Location))
				}
				if !ev.LogTimestamp.Equal(callTime) {
					t.Errorf("expected LogTimestamp=%v, got %v", callTime, ev.LogTimestamp)
				}
			},
		},
		{
			name:  "numeric offset keeps wall clock",
			block: responseXML("IN_TRANSIT", "2025-01-01T12:30:00+02:00"),
			checks: func(t *testing.T, ev *domain.TrackingEvent) {
				want := time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC)
				if !ev.Timestamp.Equal(want) {
					t.Errorf("expected Timestamp=%v, got %v", want, ev.Timestamp)
				}
			},
		},
		{
			name:  "missing timestamp falls back to call time",
			block: responseXML("DELIVERED", ""),
			checks: func(t *testing.T, ev *domain.TrackingEvent) {
				if !ev.Timestamp.Equal(callTime) {
					t.Errorf("expected call time fallback, got %v", ev.Timestamp)
				}
			},
		},
		{
			name:  "unparsable timestamp falls back to call time",
			block: responseXML("DELIVERED", "yesterday"),
			checks: func(t *testing.T, ev *domain.TrackingEvent) {
				if !ev.Timestamp.Equal(callTime) {
					t.Errorf("expected call time fallback, got %v", ev.Timestamp)
				}
			},
		},
		{
			name:    "missing title",
			block:   responseXML("", "2025-01-01T10:05:00Z"),
			wantErr: domain.ErrMissingStatus,
		},
		{
			name:    "no overall status node",
			block:   `<root><other><stateData><title>X</title></stateData></other></root>`,
			wantErr: ErrNoStatusNode,
		},
		{
			name:   "malformed xml",
			block:  `<root><requestedData><stateData><title>X</title></requestedData></root>`,
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ExtractRecord([]byte(tt.block), "A1234567890", "app.log", callTime)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ExtractRecord() error = %v, want %v", err, tt.wantErr)
				}
				return
			case tt.anyErr:
				if err == nil {
					t.Fatal("ExtractRecord() expected error")
				}
				return
			case err != nil:
				t.Fatalf("ExtractRecord() unexpected error: %v", err)
			}
			if ev.ReferenceNumber != "A1234567890" {
				t.Errorf("expected reference A1234567890, got %s", ev.ReferenceNumber)
			}
			if tt.checks != nil {
				tt.checks(t, ev)
			}
		})
	}
}

func TestExtractRecord_OnlyOverallStatus(t *testing.T) {
	block := `<root><requestedData>
		<stateData><title>IN_TRANSIT</title></stateData>
		<units><unit><requestedData><stateData><title>UNIT_SCANNED</title></stateData></requestedData></unit></units>
	</requestedData></root>`

	ev, err := ExtractRecord([]byte(block), "A1234567890", "app.log", time.Now())
	if err != nil {
		t.Fatalf("ExtractRecord() unexpected error: %v", err)
	}
	if ev.Status != "IN_TRANSIT" {
		t.Errorf("expected overall status IN_TRANSIT, got %s", ev.Status)
	}
}

func TestExtractRecord_EmptyOptionalFields(t *testing.T) {
	tests := []struct {
		name  string
		inner string
	}{
		{"empty elements", `<descriptionText/><location></location>`},
		{"whitespace only", `<descriptionText>  </descriptionText><location>
		</location>`},
		{"absent", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := `<root><requestedData><stateData><title>DELIVERED</title>` + tt.inner +
				`</stateData></requestedData></root>`
			ev, err := ExtractRecord([]byte(block), "A1234567890", "app.log", time.Now())
			if err != nil {
				t.Fatalf("ExtractRecord() unexpected error: %v", err)
			}
			if ev.Description != nil {
				t.Errorf("expected nil Description, got %q", *ev.Description)
			}
			if ev.Location != nil {
				t.Errorf("expected nil Location, got %q", *ev.Location)
			}
		})
	}
}

func TestParseISOTimestamp(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{raw: "2025-09-01T14:00:00.448Z", want: time.Date(2025, 9, 1, 14, 0, 0, 448000000, time.UTC)},
		{raw: "2025-09-01T14:00:00", want: time.Date(2025, 9, 1, 14, 0, 0, 0, time.UTC)},
		{raw: "2025-09-01 14:00:00", want: time.Date(2025, 9, 1, 14, 0, 0, 0, time.UTC)},
		{raw: "2025-09-01", want: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)},
		{raw: "01/09/2025", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseISOTimestamp(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseISOTimestamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseISOTimestamp() = %v, want %v", got, tt.want)
			}
		})
	}
}
