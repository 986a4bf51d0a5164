package extract

import (
	"strings"
	"testing"
	"time"
)

const deliveredLog = "2025-01-01 10:00:00.120 INFO Client:12 - [main] Call for REFLIV <A1234567890> at 2025-01-01 10:00:00\n" +
	"2025-01-01 10:00:01.004 INFO ResponseHandler:489 - [main] " +
	"<root><requestedData><stateData><title>DELIVERED</title>" +
	"<timestamp>2025-01-01T10:05:00.000Z</timestamp></stateData></requestedData></root>\n"

func TestBufferFeed_SingleResponse(t *testing.T) {
	buf := NewBuffer(1024)
	events := buf.Feed([]byte(deliveredLog), "app.log")

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ReferenceNumber != "A1234567890" {
		t.Errorf("expected reference A1234567890, got %s", ev.ReferenceNumber)
	}
	if ev.Status != "DELIVERED" {
		t.Errorf("expected status DELIVERED, got %s", ev.Status)
	}
	if want := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC); !ev.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, ev.Timestamp)
	}
	if want := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC); !ev.LogTimestamp.Equal(want) {
		t.Errorf("expected call timestamp %v, got %v", want, ev.LogTimestamp)
	}
	if buf.Len() != 1 {
		t.Errorf("expected only the trailing newline to remain, got %d bytes", buf.Len())
	}
}

func TestBufferFeed_SplitAcrossChunks(t *testing.T) {
	buf := NewBuffer(1024)
	cut := strings.Index(deliveredLog, "<timestamp>")

	if events := buf.Feed([]byte(deliveredLog[:cut]), "app.log"); len(events) != 0 {
		t.Fatalf("expected no events for a partial block, got %d", len(events))
	}
	if buf.Len() != cut {
		t.Errorf("expected partial content to stay buffered, got %d bytes", buf.Len())
	}

	events := buf.Feed([]byte(deliveredLog[cut:]), "app.log")
	if len(events) != 1 {
		t.Fatalf("expected 1 event after completing the block, got %d", len(events))
	}
}

func TestBufferFeed_UnattributedBlockIsConsumed(t *testing.T) {
	buf := NewBuffer(1024)
	orphan := "<root><requestedData><stateData><title>LOST</title></stateData></requestedData></root>"

	if events := buf.Feed([]byte(orphan+"\ntail"), "app.log"); len(events) != 0 {
		t.Fatalf("expected no events without call marker, got %d", len(events))
	}
	if got := buf.Len(); got != len("\ntail") {
		t.Errorf("expected buffer trimmed past the orphan block, got %d bytes", got)
	}
}

func TestBufferFeed_UsesMostRecentCall(t *testing.T) {
	text := "Call for REFLIV <A0000000001> at 2025-01-01 09:00:00\n" +
		"Call for REFLIV <B0000000002> at 2025-01-01 09:30:00\n" +
		"<root><requestedData><stateData><title>PICKED_UP</title></stateData></requestedData></root>\n" +
		"Call for REFLIV <C0000000003> at 2025-01-01 09:45:00\n" +
		"<root><requestedData><stateData><title>DELIVERED</title></stateData></requestedData></root>\n"

	events := NewBuffer(4096).Feed([]byte(text), "app.log")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ReferenceNumber != "B0000000002" || events[0].Status != "PICKED_UP" {
		t.Errorf("unexpected first event %s/%s", events[0].ReferenceNumber, events[0].Status)
	}
	if events[1].ReferenceNumber != "C0000000003" || events[1].Status != "DELIVERED" {
		t.Errorf("unexpected second event %s/%s", events[1].ReferenceNumber, events[1].Status)
	}
	// no timestamp node: falls back to the call time
	if want := time.Date(2025, 1, 1, 9, 45, 0, 0, time.UTC); !events[1].Timestamp.Equal(want) {
		t.Errorf("expected fallback timestamp %v, got %v", want, events[1].Timestamp)
	}
}

func TestBufferFeed_MalformedBlockDoesNotAbortScan(t *testing.T) {
	text := "Call for REFLIV <A0000000001> at 2025-01-01 09:00:00\n" +
		"<root><requestedData><stateData><title>BROKEN</requestedData></root>\n" +
		"Call for REFLIV <A0000000002> at 2025-01-01 09:10:00\n" +
		"<root><requestedData><stateData><title>OK</title></stateData></requestedData></root>\n"

	events := NewBuffer(4096).Feed([]byte(text), "app.log")
	if len(events) != 1 || events[0].Status != "OK" {
		t.Fatalf("expected only the well-formed block, got %+v", events)
	}
}

func TestBufferFeed_CapsAtTwiceTarget(t *testing.T) {
	buf := NewBuffer(16)
	buf.Feed([]byte(strings.Repeat("x", 100)), "app.log")

	if buf.Len() != 32 {
		t.Errorf("expected buffer capped at 32 bytes, got %d", buf.Len())
	}
}

func TestBufferTable(t *testing.T) {
	table := NewBufferTable(64)

	a := table.Get("/logs/a.log")
	a.Feed([]byte("partial"), "a.log")
	if table.Get("/logs/a.log") != a {
		t.Fatal("expected Get to return the same buffer for a path")
	}

	table.Reset("/logs/a.log")
	if a.Len() != 0 {
		t.Errorf("expected reset buffer to be empty, got %d bytes", a.Len())
	}

	table.Get("/logs/b.log")
	table.Drop("/logs/a.log")
	if table.Has("/logs/a.log") || !table.Has("/logs/b.log") {
		t.Error("expected only b.log to remain after drop")
	}

	table.Clear()
	if table.Len() != 0 {
		t.Errorf("expected empty table after clear, got %d", table.Len())
	}
}
