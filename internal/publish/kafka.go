// Package publish fans newly stored tracking events out to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

const (
	// EventType is sent in the event-type header of every message
	EventType = "refliv.tracking_event"
	source    = "refliv-monitor"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON payload of a published event
type Message struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	ReferenceNumber string    `json:"reference_number"`
	ShippingUnitRef *string   `json:"shipping_unit_ref,omitempty"`
	Status          string    `json:"status"`
	Description     *string   `json:"description,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Location        *string   `json:"location,omitempty"`
	LogFileName     string    `json:"log_file_name"`
	LogTimestamp    time.Time `json:"log_timestamp"`
	CreatedAt       time.Time `json:"created_at"`
	Key             string    `json:"key"`
}

// Publisher writes events to one topic, keyed by reference number so all
// updates of a shipment land in the same partition
type Publisher struct {
	writer messageWriter
	topic  string
}

// NewPublisher creates a publisher for brokers and topic
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

// Name identifies the publisher in logs
func (p *Publisher) Name() string {
	return "kafka"
}

// EventsStored implements sink.Observer
func (p *Publisher) EventsStored(ctx context.Context, events []domain.TrackingEvent) error {
	return p.Publish(ctx, events)
}

// Publish sends events in one WriteMessages call
func (p *Publisher) Publish(ctx context.Context, events []domain.TrackingEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for i := range events {
		m, err := NewMessage(&events[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(msgs), err)
	}

	log.Debug().
		Int("events", len(msgs)).
		Str("topic", p.topic).
		Msg("Events published")
	return nil
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// NewMessage encodes one event as a Kafka message
func NewMessage(ev *domain.TrackingEvent) (kafka.Message, error) {
	payload := Message{
		ID:              uuid.NewString(),
		Type:            EventType,
		ReferenceNumber: ev.ReferenceNumber,
		ShippingUnitRef: ev.ShippingUnitRef,
		Status:          ev.Status,
		Description:     ev.Description,
		Timestamp:       ev.Timestamp,
		Location:        ev.Location,
		LogFileName:     ev.LogFileName,
		LogTimestamp:    ev.LogTimestamp,
		CreatedAt:       ev.CreatedAt,
		Key:             ev.Key().Hash(),
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(ev.ReferenceNumber),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventType)},
			{Key: "source", Value: []byte(source)},
		},
	}, nil
}
