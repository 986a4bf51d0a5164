// Package extract turns raw REFLIV log text into tracking events.
package extract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

// statusNodePath selects the overall order status. Per-unit stateData nodes
// live deeper in the document and are not extracted.
const statusNodePath = ".//requestedData/stateData"

// CallTimeLayout is the timestamp format of call marker lines
const CallTimeLayout = "2006-01-02 15:04:05"

// ErrNoStatusNode is returned for a well-formed block without an overall status
var ErrNoStatusNode = errors.New("response has no overall status node")

var isoLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ExtractRecord parses one response block attributed to reference.
// callTime is used when the block carries no usable timestamp.
func ExtractRecord(block []byte, reference, fileName string, callTime time.Time) (*domain.TrackingEvent, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(strings.ToValidUTF8(string(block), "")); err != nil {
		return nil, fmt.Errorf("failed to parse response xml: %w", err)
	}

	state := doc.FindElement(statusNodePath)
	if state == nil {
		return nil, ErrNoStatusNode
	}

	status := childText(state, "title")
	timestamp := callTime
	if raw := childText(state, "timestamp"); raw != "" {
		if ts, err := ParseISOTimestamp(raw); err == nil {
			timestamp = ts
		}
	}

	event, err := domain.NewTrackingEvent(reference, status, fileName, timestamp, callTime)
	if err != nil {
		return nil, err
	}
	event.Description = domain.StringPtr(childText(state, "descriptionText"))
	event.Location = domain.StringPtr(childText(state, "location"))

	return event, nil
}

// ParseISOTimestamp parses an ISO-8601 timestamp. A trailing Z is treated as
// +00:00 and any offset is dropped, keeping the wall clock as a UTC value.
func ParseISOTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "Z") {
		raw = strings.TrimSuffix(raw, "Z") + "+00:00"
	}

	for _, layout := range isoLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return naive(ts), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", raw)
}

// ParseCallTime parses the timestamp captured from a call marker
func ParseCallTime(raw string) (time.Time, error) {
	return time.Parse(CallTimeLayout, raw)
}

func naive(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
}

func childText(el *etree.Element, tag string) string {
	child := el.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}
