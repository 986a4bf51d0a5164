package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func testEvent(t *testing.T) domain.TrackingEvent {
	t.Helper()
	ts := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	ev, err := domain.NewTrackingEvent("A1234567890", "DELIVERED", "app.log", ts, ts.Add(-5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	return *ev
}

func TestNewMessage(t *testing.T) {
	ev := testEvent(t)
	m, err := NewMessage(&ev)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if string(m.Key) != "A1234567890" {
		t.Errorf("Key = %q", m.Key)
	}

	var payload Message
	if err := json.Unmarshal(m.Value, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Status != "DELIVERED" || payload.Type != EventType || payload.Key != ev.Key().Hash() {
		t.Errorf("payload = %+v", payload)
	}
	if payload.ID == "" {
		t.Error("payload ID is empty")
	}
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w, topic: "refliv"}

	if err := p.EventsStored(context.Background(), []domain.TrackingEvent{testEvent(t), testEvent(t)}); err != nil {
		t.Fatalf("EventsStored() error = %v", err)
	}
	if len(w.msgs) != 2 {
		t.Errorf("published %d messages, want 2", len(w.msgs))
	}

	w.err = errors.New("broker unavailable")
	if err := p.Publish(context.Background(), []domain.TrackingEvent{testEvent(t)}); err == nil {
		t.Error("Publish() expected error")
	}
	if err := p.Publish(context.Background(), nil); err != nil {
		t.Errorf("Publish(nil) error = %v", err)
	}
}
