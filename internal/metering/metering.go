// Package metering records token usage per operation. The core is only
// responsible for accurate counts; cost derivation happens outside, against
// unit-price tables.
package metering

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"reposcope/internal/logging"
)

// EventKind names a metered operation.
type EventKind string

const (
	EventIndexed      EventKind = "indexed"
	EventQuestion     EventKind = "question"
	EventPRReview     EventKind = "pr_review"
	EventSnippetFetch EventKind = "snippet_fetch"
)

// Event is one usage record.
type Event struct {
	Kind            EventKind         `json:"event"`
	InputTokens     int               `json:"input_tokens"`
	OutputTokens    int               `json:"output_tokens"`
	EmbeddingTokens int               `json:"embedding_tokens"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Sink consumes usage events.
type Sink interface {
	Record(event Event)
}

// NopSink discards events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) {}

// =============================================================================
// FILE-BACKED SINK
// =============================================================================

// Counts aggregates token totals.
type Counts struct {
	Events          int `json:"events"`
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	EmbeddingTokens int `json:"embedding_tokens"`
}

func (c *Counts) add(e Event) {
	c.Events++
	c.InputTokens += e.InputTokens
	c.OutputTokens += e.OutputTokens
	c.EmbeddingTokens += e.EmbeddingTokens
}

// usageData is the persisted aggregate.
type usageData struct {
	Version string               `json:"version"`
	Total   Counts               `json:"total"`
	ByKind  map[EventKind]Counts `json:"by_kind"`
}

// FileSink aggregates usage and persists it to a JSON file in the
// workspace, with debounced auto-save.
type FileSink struct {
	mu       sync.Mutex
	data     usageData
	filePath string
	dirty    bool
}

// NewFileSink creates a sink persisting under <workspace>/.reposcope/usage.json.
func NewFileSink(workspacePath string) (*FileSink, error) {
	dir := filepath.Join(workspacePath, ".reposcope")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .reposcope dir: %w", err)
	}

	s := &FileSink{
		filePath: filepath.Join(dir, "usage.json"),
		data: usageData{
			Version: "1.0",
			ByKind:  make(map[EventKind]Counts),
		},
	}
	if err := s.load(); err != nil {
		logging.Get(logging.CategoryMetering).Warn("Could not load usage file: %v", err)
	}
	return s, nil
}

func (s *FileSink) load() error {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &s.data); err != nil {
		return err
	}
	if s.data.ByKind == nil {
		s.data.ByKind = make(map[EventKind]Counts)
	}
	return nil
}

// Record implements Sink.
func (s *FileSink) Record(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Total.add(event)
	kindCounts := s.data.ByKind[event.Kind]
	kindCounts.add(event)
	s.data.ByKind[event.Kind] = kindCounts

	logging.MeteringDebug("Recorded %s: input=%d output=%d embedding=%d",
		event.Kind, event.InputTokens, event.OutputTokens, event.EmbeddingTokens)

	if !s.dirty {
		s.dirty = true
		time.AfterFunc(5*time.Second, func() {
			_ = s.Save()
			s.mu.Lock()
			s.dirty = false
			s.mu.Unlock()
		})
	}
}

// Save writes the aggregate to disk.
func (s *FileSink) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0644)
}

// Stats returns a copy of the aggregated counts.
func (s *FileSink) Stats() (Counts, map[EventKind]Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind := make(map[EventKind]Counts, len(s.data.ByKind))
	for k, v := range s.data.ByKind {
		byKind[k] = v
	}
	return s.data.Total, byKind
}

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of text for embedding accounting.
// The embedding API reports no usage, so a cl100k estimate stands in; on
// encoder failure a chars/4 heuristic keeps the counts plausible.
func CountTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logging.Get(logging.CategoryMetering).Warn("tiktoken unavailable: %v", err)
			return
		}
		encoder = enc
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}
