package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposcope/internal/types"
)

var testRepo = types.RepoKey{Owner: "acme", Name: "shop"}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func chunk(file string, start, end int, name string) Chunk {
	return Chunk{
		Key:           Key{Repo: testRepo, File: file, StartLine: start, EndLine: end},
		Kind:          types.SymbolClass,
		QualifiedName: name,
		Text:          name,
	}
}

func TestUpsertAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("a.php", 1, 20, "Alpha"),
		chunk("b.php", 1, 30, "Beta"),
		chunk("c.php", 5, 40, "Gamma"),
	}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.9, 0.1, 0},
	}
	require.NoError(t, store.UpsertVectors(ctx, chunks, vectors))

	hits, err := store.Search(ctx, testRepo, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "a.php", hits[0].Key.File)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "c.php", hits[1].Key.File)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "Gamma", hits[1].QualifiedName)
}

func TestSearchScopedToRepo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	other := Chunk{
		Key:  Key{Repo: types.RepoKey{Owner: "other", Name: "repo"}, File: "x.php", StartLine: 1, EndLine: 10},
		Text: "Other",
	}
	require.NoError(t, store.UpsertVectors(ctx, []Chunk{chunk("a.php", 1, 20, "Alpha"), other},
		[][]float32{{1, 0, 0}, {1, 0, 0}}))

	hits, err := store.Search(ctx, testRepo, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.php", hits[0].Key.File)
}

func TestMixedDimensionsRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertVectors(ctx, []Chunk{chunk("a.php", 1, 20, "Alpha")}, [][]float32{{1, 0, 0}}))

	err := store.UpsertVectors(ctx, []Chunk{chunk("b.php", 1, 20, "Beta")}, [][]float32{{1, 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixed embedding dimensions")

	_, err = store.Search(ctx, testRepo, []float32{1, 0}, 5)
	require.Error(t, err)
}

func TestUpsertIsIdempotentPerKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := chunk("a.php", 1, 20, "Alpha")
	require.NoError(t, store.UpsertVectors(ctx, []Chunk{c}, [][]float32{{1, 0, 0}}))
	require.NoError(t, store.UpsertVectors(ctx, []Chunk{c}, [][]float32{{0, 1, 0}}))

	hits, err := store.Search(ctx, testRepo, []float32{0, 1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "same key must overwrite, not duplicate")
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestDeleteRepo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertVectors(ctx, []Chunk{chunk("a.php", 1, 20, "Alpha")}, [][]float32{{1, 0, 0}}))
	require.NoError(t, store.DeleteRepo(ctx, testRepo))

	hits, err := store.Search(ctx, testRepo, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// =============================================================================
// CHUNKER
// =============================================================================

func symbol(file string, start, end int, name string) types.Symbol {
	return types.Symbol{
		Repo: testRepo, File: file, Name: name, QualifiedName: name,
		Kind: types.SymbolClass, StartLine: start, EndLine: end,
	}
}

func TestChunkSymbolsThreshold(t *testing.T) {
	cfg := ChunkerConfig{Threshold: 12, WindowLines: 40, OverlapLines: 10}

	chunks := ChunkSymbols([]types.Symbol{
		symbol("small.php", 1, 5, "Small"),   // below threshold
		symbol("mid.php", 1, 20, "Mid"),      // one chunk
		symbol("exact.php", 1, 12, "Twelve"), // exactly at threshold
	}, cfg)

	require.Len(t, chunks, 2)
	assert.Equal(t, "mid.php", chunks[0].Key.File)
	assert.Equal(t, 1, chunks[0].Key.StartLine)
	assert.Equal(t, 20, chunks[0].Key.EndLine)
	assert.Equal(t, "exact.php", chunks[1].Key.File)
}

func TestChunkSymbolsSlidingWindows(t *testing.T) {
	cfg := ChunkerConfig{Threshold: 12, WindowLines: 40, OverlapLines: 10}

	chunks := ChunkSymbols([]types.Symbol{symbol("big.php", 1, 100, "Big")}, cfg)
	require.NotEmpty(t, chunks)

	// Windows step by 30 (40 minus 10 overlap) and cover the full span.
	assert.Equal(t, 1, chunks[0].Key.StartLine)
	assert.Equal(t, 40, chunks[0].Key.EndLine)
	assert.Equal(t, 31, chunks[1].Key.StartLine)
	last := chunks[len(chunks)-1]
	assert.Equal(t, 100, last.Key.EndLine)

	// Chunk keys are unique.
	seen := make(map[Key]bool)
	for _, c := range chunks {
		assert.False(t, seen[c.Key], "duplicate key %v", c.Key)
		seen[c.Key] = true
	}
}

// =============================================================================
// ANN PATH (requires the sqlite_vec build tag; skipped otherwise)
// =============================================================================

func requireVecExt(t *testing.T, store *SQLiteStore) {
	t.Helper()
	if !store.vectorExt {
		t.Skip("sqlite-vec extension not available; ANN path not built in")
	}
}

func TestANNSearchUsesVecTable(t *testing.T) {
	store := newTestStore(t)
	requireVecExt(t, store)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("a.php", 1, 20, "Alpha"),
		chunk("b.php", 1, 30, "Beta"),
	}
	require.NoError(t, store.UpsertVectors(ctx, chunks, [][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.True(t, store.vecTable, "upsert must create the ANN table")

	hits, err := store.searchVec(ctx, testRepo, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a.php", hits[0].Key.File)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.Equal(t, "Alpha", hits[0].QualifiedName)
	assert.Equal(t, 20, hits[0].Key.EndLine)
}

// The ANN path and the brute-force path must agree on ordering and scores.
func TestANNSearchMatchesBruteForce(t *testing.T) {
	store := newTestStore(t)
	requireVecExt(t, store)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("a.php", 1, 20, "Alpha"),
		chunk("b.php", 1, 30, "Beta"),
		chunk("c.php", 5, 40, "Gamma"),
	}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.9, 0.1, 0},
	}
	require.NoError(t, store.UpsertVectors(ctx, chunks, vectors))

	ann, err := store.searchVec(ctx, testRepo, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	brute, err := store.searchBrute(ctx, testRepo, []float32{1, 0, 0}, 3)
	require.NoError(t, err)

	require.Equal(t, len(brute), len(ann))
	for i := range brute {
		assert.Equal(t, brute[i].Key, ann[i].Key)
		assert.InDelta(t, brute[i].Score, ann[i].Score, 1e-5)
	}
}

func TestNormalizeCosine(t *testing.T) {
	assert.Equal(t, 1.0, normalizeCosine(1))
	assert.Equal(t, 0.5, normalizeCosine(0))
	assert.Equal(t, 0.0, normalizeCosine(-1))
}
