package extract

import (
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

// DefaultTargetSize is the default sliding buffer target, the hard cap is twice this
const DefaultTargetSize = 256 * 1024

var (
	callPattern  = regexp.MustCompile(`Call for REFLIV <([^>]+)> at (\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`)
	blockPattern = regexp.MustCompile(`(?s)<root[^>]*>.*?</root>`)
)

// Buffer accumulates unconsumed bytes of one file between tail passes
type Buffer struct {
	target int
	data   []byte
}

// NewBuffer creates a buffer capped at twice target bytes
func NewBuffer(target int) *Buffer {
	if target <= 0 {
		target = DefaultTargetSize
	}
	return &Buffer{target: target}
}

// Len returns the number of buffered bytes
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset drops everything buffered
func (b *Buffer) Reset() {
	b.data = nil
}

// Feed appends chunk, extracts every complete response block and trims the
// buffer past the last block found. Blocks with no preceding call marker are
// consumed without producing an event.
func (b *Buffer) Feed(chunk []byte, fileName string) []domain.TrackingEvent {
	b.data = append(b.data, chunk...)

	if limit := 2 * b.target; len(b.data) > limit {
		dropped := len(b.data) - limit
		b.data = append([]byte(nil), b.data[dropped:]...)
		log.Warn().
			Str("file", fileName).
			Int("dropped_bytes", dropped).
			Msg("Parse buffer over limit, discarding oldest bytes")
	}

	blocks := blockPattern.FindAllIndex(b.data, -1)
	if len(blocks) == 0 {
		return nil
	}
	calls := callPattern.FindAllSubmatchIndex(b.data, -1)

	var events []domain.TrackingEvent
	for _, block := range blocks {
		// last call marker ending at or before the block start
		i := sort.Search(len(calls), func(i int) bool { return calls[i][1] > block[0] }) - 1
		if i < 0 {
			log.Debug().
				Str("file", fileName).
				Int("block_start", block[0]).
				Msg("Response block without preceding call marker, skipping")
			continue
		}
		call := calls[i]
		reference := string(b.data[call[2]:call[3]])

		callTime, err := ParseCallTime(string(b.data[call[4]:call[5]]))
		if err != nil {
			log.Warn().Err(err).Str("reference", reference).Msg("Failed to parse call timestamp, skipping block")
			continue
		}

		event, err := ExtractRecord(b.data[block[0]:block[1]], reference, fileName, callTime)
		if err != nil {
			logSkippedBlock(err, fileName, reference)
			continue
		}
		events = append(events, *event)
	}

	consumed := blocks[len(blocks)-1][1]
	b.data = append([]byte(nil), b.data[consumed:]...)

	return events
}

func logSkippedBlock(err error, fileName, reference string) {
	if errors.Is(err, ErrNoStatusNode) || errors.Is(err, domain.ErrMissingStatus) {
		log.Debug().Err(err).Str("file", fileName).Str("reference", reference).Msg("Response block has no status, skipping")
		return
	}
	log.Warn().Err(err).Str("file", fileName).Str("reference", reference).Msg("Failed to extract response block, skipping")
}

// BufferTable owns the per-file buffers of the active scheduler, keyed by path
type BufferTable struct {
	mu      sync.Mutex
	target  int
	buffers map[string]*Buffer
}

// NewBufferTable creates an empty table whose buffers use target as their size
func NewBufferTable(target int) *BufferTable {
	return &BufferTable{
		target:  target,
		buffers: make(map[string]*Buffer),
	}
}

// Get returns the buffer for path, creating it on first use
func (t *BufferTable) Get(path string) *Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, ok := t.buffers[path]
	if !ok {
		buf = NewBuffer(t.target)
		t.buffers[path] = buf
		log.Debug().Str("file", path).Msg("Created parse buffer")
	}
	return buf
}

// Reset empties the buffer for path if one exists
func (t *BufferTable) Reset(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if buf, ok := t.buffers[path]; ok {
		buf.Reset()
	}
}

// Drop removes the buffer for path
func (t *BufferTable) Drop(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.buffers[path]; ok {
		delete(t.buffers, path)
		log.Debug().Str("file", path).Msg("Dropped parse buffer")
	}
}

// Clear removes every buffer. Called when a new ownership tenure starts.
func (t *BufferTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffers = make(map[string]*Buffer)
}

// Len returns the number of tracked buffers
func (t *BufferTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffers)
}

// Has reports whether a buffer exists for path
func (t *BufferTable) Has(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.buffers[path]
	return ok
}
