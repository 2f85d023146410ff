package metering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkAggregates(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	sink.Record(Event{Kind: EventQuestion, InputTokens: 1200, OutputTokens: 300})
	sink.Record(Event{Kind: EventQuestion, InputTokens: 800, OutputTokens: 150})
	sink.Record(Event{Kind: EventIndexed, EmbeddingTokens: 5000})

	total, byKind := sink.Stats()
	assert.Equal(t, 3, total.Events)
	assert.Equal(t, 2000, total.InputTokens)
	assert.Equal(t, 450, total.OutputTokens)
	assert.Equal(t, 5000, total.EmbeddingTokens)

	assert.Equal(t, 2, byKind[EventQuestion].Events)
	assert.Equal(t, 1, byKind[EventIndexed].Events)
	assert.Equal(t, 5000, byKind[EventIndexed].EmbeddingTokens)
}

func TestFileSinkPersistence(t *testing.T) {
	dir := t.TempDir()

	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	sink.Record(Event{Kind: EventPRReview, InputTokens: 400, OutputTokens: 100})
	require.NoError(t, sink.Save())

	reloaded, err := NewFileSink(dir)
	require.NoError(t, err)
	total, byKind := reloaded.Stats()
	assert.Equal(t, 1, total.Events)
	assert.Equal(t, 400, byKind[EventPRReview].InputTokens)
}

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens(""))

	short := CountTokens("public function handle($request)")
	long := CountTokens("public function handle($request) { return $next($request); } // plus more text here")
	assert.Positive(t, short)
	assert.Greater(t, long, short)
}

func TestNopSink(t *testing.T) {
	var sink Sink = NopSink{}
	sink.Record(Event{Kind: EventSnippetFetch})
}
