package extract

import (
	"testing"
	"time"
)

func TestParseDocument(t *testing.T) {
	now := time.Date(2025, 9, 9, 0, 0, 0, 0, time.UTC)
	content := `2025-09-08 10:26:48.955 INFO  Client:77 - [main] Call for REFLIV A1234567890
2025-09-08 10:26:49.001 DEBUG Client:80 - [main] waiting for response
2025-09-08 10:26:49.086 INFO  ResponseHandler:489 - [main] <root>
2025-09-08 10:26:49.086 INFO  ResponseHandler:489 - [main] <requestedData><stateData>
2025-09-08 10:26:49.086 INFO  ResponseHandler:489 - [main] <title>IN_TRANSIT</title>
2025-09-08 10:26:49.086 INFO  ResponseHandler:489 - [main] <timestamp>2025-09-01T14:00:00.448Z</timestamp>
2025-09-08 10:26:49.086 INFO  ResponseHandler:489 - [main] </stateData></requestedData>
2025-09-08 10:26:49.086 INFO  ResponseHandler:489 - [main] </root>
Call for REFLIV B0000000002 without a response
`

	events := ParseDocument(content, "upload.log", now)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.ReferenceNumber != "A1234567890" {
		t.Errorf("expected reference A1234567890, got %s", ev.ReferenceNumber)
	}
	if ev.Status != "IN_TRANSIT" {
		t.Errorf("expected status IN_TRANSIT, got %s", ev.Status)
	}
	if want := time.Date(2025, 9, 8, 10, 26, 48, 955000000, time.UTC); !ev.LogTimestamp.Equal(want) {
		t.Errorf("expected call timestamp %v, got %v", want, ev.LogTimestamp)
	}
	if want := time.Date(2025, 9, 1, 14, 0, 0, 448000000, time.UTC); !ev.Timestamp.Equal(want) {
		t.Errorf("expected event timestamp %v, got %v", want, ev.Timestamp)
	}
}

func TestParseDocument_CallWithoutPrefixUsesNow(t *testing.T) {
	now := time.Date(2025, 9, 9, 8, 0, 0, 0, time.UTC)
	content := "Call for REFLIV Z9999999999\n<root><requestedData><stateData><title>CREATED</title></stateData></requestedData></root>\n"

	events := ParseDocument(content, "upload.log", now)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if !events[0].LogTimestamp.Equal(now) {
		t.Errorf("expected call timestamp %v, got %v", now, events[0].LogTimestamp)
	}
}

func TestCleanLogLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{line: "2025-09-08 10:26:49.086 INFO  ResponseHandler:489 - [main] <title>X</title>", want: "<title>X</title>"},
		{line: "  <title>X</title>  ", want: "<title>X</title>"},
		{line: "", want: ""},
	}

	for _, tt := range tests {
		if got := cleanLogLine(tt.line); got != tt.want {
			t.Errorf("cleanLogLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
