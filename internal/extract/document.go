package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

const (
	lineTimeLayout = "2006-01-02 15:04:05.000"
	// responseLookahead is how many lines after a call the response may start in
	responseLookahead = 100
	mainThreadPrefix  = " - [main] "
)

var (
	looseCallPattern = regexp.MustCompile(`Call for REFLIV\s+([A-Z]\d{10})`)
	linePrefixTime   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3})`)
)

// ParseDocument extracts events from a complete log file in one pass,
// independent of any tail offsets. now is used for call lines without a
// timestamp prefix.
func ParseDocument(content, fileName string, now time.Time) []domain.TrackingEvent {
	var events []domain.TrackingEvent
	lines := strings.Split(content, "\n")

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		match := looseCallPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		reference := match[1]
		callTime := lineTimestamp(line, now)

		block := findResponse(lines, i)
		if block == "" {
			continue
		}

		event, err := ExtractRecord([]byte(block), reference, fileName, callTime)
		if err != nil {
			logSkippedBlock(err, fileName, reference)
			continue
		}
		events = append(events, *event)
	}

	log.Debug().
		Str("file", fileName).
		Int("lines", len(lines)).
		Int("records", len(events)).
		Msg("Parsed log document")

	return events
}

func lineTimestamp(line string, now time.Time) time.Time {
	if m := linePrefixTime.FindStringSubmatch(line); m != nil {
		if ts, err := time.Parse(lineTimeLayout, m[1]); err == nil {
			return ts
		}
		log.Warn().Str("line", line[:min(len(line), 100)]).Msg("Could not parse line timestamp")
	}
	return naive(now)
}

// findResponse collects the <root> block starting within the lookahead window
func findResponse(lines []string, start int) string {
	var parts []string
	inXML := false

	end := min(start+responseLookahead, len(lines))
	for i := start; i < end; i++ {
		line := strings.TrimSpace(lines[i])

		if idx := strings.Index(line, "<root>"); idx >= 0 {
			inXML = true
			part := line[idx:]
			parts = append(parts, part)
			if strings.Contains(part, "</root>") {
				break
			}
			continue
		}
		if !inXML {
			continue
		}
		if clean := cleanLogLine(line); clean != "" {
			parts = append(parts, clean)
		}
		if strings.Contains(line, "</root>") {
			break
		}
	}

	if !inXML {
		return ""
	}
	doc := strings.Join(parts, "\n")
	if !strings.Contains(doc, "<root>") || !strings.Contains(doc, "</root>") {
		return ""
	}
	return doc
}

// cleanLogLine strips the "<time> INFO Handler:1 - [main] " prefix of a continuation line
func cleanLogLine(line string) string {
	if _, rest, ok := strings.Cut(line, mainThreadPrefix); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(line)
}
