package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMissingReference = errors.New("tracking event: reference number is required")
	ErrMissingStatus    = errors.New("tracking event: status is required")
	ErrMissingFileName  = errors.New("tracking event: log file name is required")
)

// TrackingEvent is one status observation extracted from a REFLIV response
type TrackingEvent struct {
	ReferenceNumber string
	ShippingUnitRef *string
	Status          string
	Description     *string
	Timestamp       time.Time // Event time, tz-naive (stored as UTC wall clock)
	Location        *string
	LogFileName     string
	LogTimestamp    time.Time // When the originating call was issued
	CreatedAt       time.Time
}

// TrackingKey is the logical uniqueness key of a TrackingEvent
type TrackingKey struct {
	ReferenceNumber string
	Status          string
	Timestamp       time.Time
	LogFileName     string
}

// NewTrackingEvent builds an event, rejecting records without required fields
func NewTrackingEvent(reference, status, logFileName string, timestamp, logTimestamp time.Time) (*TrackingEvent, error) {
	reference = strings.TrimSpace(reference)
	status = strings.TrimSpace(status)
	switch {
	case reference == "":
		return nil, ErrMissingReference
	case status == "":
		return nil, ErrMissingStatus
	case logFileName == "":
		return nil, ErrMissingFileName
	}

	return &TrackingEvent{
		ReferenceNumber: reference,
		Status:          status,
		Timestamp:       timestamp,
		LogFileName:     logFileName,
		LogTimestamp:    logTimestamp,
	}, nil
}

// Key returns the logical uniqueness key
func (e *TrackingEvent) Key() TrackingKey {
	return TrackingKey{
		ReferenceNumber: e.ReferenceNumber,
		Status:          e.Status,
		Timestamp:       e.Timestamp.UTC(),
		LogFileName:     e.LogFileName,
	}
}

// Hash returns a stable hex SHA256 of the uniqueness key
func (k TrackingKey) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|", k.ReferenceNumber)
	fmt.Fprintf(h, "%s|", k.Status)
	fmt.Fprintf(h, "%s|", k.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(h, "%s|", k.LogFileName)
	return hex.EncodeToString(h.Sum(nil))
}

// StringPtr returns nil for empty strings
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
