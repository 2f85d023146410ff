package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposcope/internal/index"
	"reposcope/internal/snippet"
	"reposcope/internal/source"
	"reposcope/internal/types"
	"reposcope/internal/vector"
)

var testRepo = types.RepoKey{Owner: "acme", Name: "shop"}

const testCommit = "0123456789abcdef0123456789abcdef01234567"

// fakeEngine embeds everything to a fixed vector.
type fakeEngine struct{}

func (fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (fakeEngine) Dimensions() int { return 3 }
func (fakeEngine) Name() string    { return "fake" }

// fakeVectorStore returns scripted hits.
type fakeVectorStore struct {
	hits []vector.Hit
}

func (s *fakeVectorStore) UpsertVectors(ctx context.Context, chunks []vector.Chunk, vectors [][]float32) error {
	return nil
}
func (s *fakeVectorStore) Search(ctx context.Context, repo types.RepoKey, queryVector []float32, k int) ([]vector.Hit, error) {
	if len(s.hits) > k {
		return s.hits[:k], nil
	}
	return s.hits, nil
}
func (s *fakeVectorStore) DeleteRepo(ctx context.Context, repo types.RepoKey) error { return nil }
func (s *fakeVectorStore) Close() error                                             { return nil }

// fakeProvider serves one file with numbered lines.
type fakeProvider struct{ files map[string]string }

func (p *fakeProvider) ListFiles(ctx context.Context, repo types.RepoKey, commit string) ([]source.FileInfo, error) {
	return nil, nil
}
func (p *fakeProvider) GetFile(ctx context.Context, repo types.RepoKey, commit, path string) ([]byte, error) {
	content, ok := p.files[path]
	if !ok {
		return nil, source.NewProviderError(source.KindNotFound, "get_file", path, "missing")
	}
	return []byte(content), nil
}
func (p *fakeProvider) GetDiff(ctx context.Context, repo types.RepoKey, prID string) (*source.Diff, error) {
	return nil, nil
}

func newTestRetriever(t *testing.T, vectorHits []vector.Hit, files map[string]string) *Retriever {
	t.Helper()

	store, err := index.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertRepo(context.Background(), types.Repository{
		Owner: testRepo.Owner, Name: testRepo.Name, DefaultBranch: "main",
	}))
	require.NoError(t, store.ReplaceAllForRepo(context.Background(), testRepo, testCommit, index.GenerationPayload{
		Symbols: []types.Symbol{
			{ID: "s1", Repo: testRepo, File: "app/Auth.php", Name: "Authenticate",
				QualifiedName: `App\Authenticate`, Kind: types.SymbolClass, StartLine: 1, EndLine: 25},
			{ID: "s2", Repo: testRepo, File: "app/Order.php", Name: "Order",
				QualifiedName: `App\Order`, Kind: types.SymbolClass, StartLine: 1, EndLine: 30},
		},
	}))

	fetcher := snippet.NewFetcher(&fakeProvider{files: files}, snippet.Config{TTL: time.Minute})
	return New(store, &fakeVectorStore{hits: vectorHits}, fakeEngine{}, fetcher, Config{})
}

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"How does authentication work?", []string{"authentication"}},
		{"Where is the Order model defined?", []string{"order", "model", "defined"}},
		{"a an it", nil},
		{"one two three four five six seven eight", []string{"one", "two", "three", "four", "five"}},
	}
	for _, tt := range tests {
		got := ExtractKeywords(tt.query)
		if tt.want == nil {
			assert.Empty(t, got, "query %q", tt.query)
		} else {
			assert.Equal(t, tt.want, got, "query %q", tt.query)
		}
	}
}

func TestRetrieveMergesLegs(t *testing.T) {
	vectorHits := []vector.Hit{
		// Same location as the trigram hit for Authenticate: becomes "both".
		{Key: vector.Key{Repo: testRepo, File: "app/Auth.php", StartLine: 1, EndLine: 25},
			QualifiedName: `App\Authenticate`, Score: 0.9},
		// Vector-only hit.
		{Key: vector.Key{Repo: testRepo, File: "app/Jobs/SendEmail.php", StartLine: 5, EndLine: 45},
			QualifiedName: `App\Jobs\SendEmail`, Score: 0.7},
	}
	files := map[string]string{
		"app/Auth.php":           "class Authenticate {}\n",
		"app/Order.php":          "class Order {}\n",
		"app/Jobs/SendEmail.php": "class SendEmail {}\n",
	}

	r := newTestRetriever(t, vectorHits, files)
	sources, err := r.Retrieve(context.Background(), testRepo, testCommit, "How does Authenticate work?")
	require.NoError(t, err)
	require.NotEmpty(t, sources)

	// Indices are 1-based and dense.
	for i, s := range sources {
		assert.Equal(t, i+1, s.Index)
	}

	bySymbol := make(map[string]types.Source)
	for _, s := range sources {
		bySymbol[s.SymbolName] = s
	}

	auth := bySymbol[`App\Authenticate`]
	assert.Equal(t, types.SourceBoth, auth.Type, "overlapping hit keeps both legs")
	assert.Equal(t, "class Authenticate {}", auth.Content)

	email := bySymbol[`App\Jobs\SendEmail`]
	assert.Equal(t, types.SourceVector, email.Type)
}

func TestRetrieveDeterministicOrdering(t *testing.T) {
	vectorHits := []vector.Hit{
		{Key: vector.Key{Repo: testRepo, File: "b.php", StartLine: 1, EndLine: 10}, Score: 0.5},
		{Key: vector.Key{Repo: testRepo, File: "a.php", StartLine: 5, EndLine: 15}, Score: 0.5},
		{Key: vector.Key{Repo: testRepo, File: "a.php", StartLine: 1, EndLine: 4}, Score: 0.5},
	}
	files := map[string]string{"a.php": "x\n", "b.php": "y\n"}

	r := newTestRetriever(t, vectorHits, files)

	first, err := r.Retrieve(context.Background(), testRepo, testCommit, "zzzz")
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), testRepo, testCommit, "zzzz")
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].File, second[i].File)
		assert.Equal(t, first[i].StartLine, second[i].StartLine)
		assert.Equal(t, first[i].Index, second[i].Index)
	}

	// Equal scores: lexicographic file, then start line.
	var tied []types.Source
	for _, s := range first {
		if s.Type == types.SourceVector {
			tied = append(tied, s)
		}
	}
	require.Len(t, tied, 3)
	assert.Equal(t, "a.php", tied[0].File)
	assert.Equal(t, 1, tied[0].StartLine)
	assert.Equal(t, "a.php", tied[1].File)
	assert.Equal(t, 5, tied[1].StartLine)
	assert.Equal(t, "b.php", tied[2].File)
}

func TestHydrationFailureYieldsPlaceholder(t *testing.T) {
	vectorHits := []vector.Hit{
		{Key: vector.Key{Repo: testRepo, File: "gone.php", StartLine: 1, EndLine: 10}, Score: 0.8},
	}
	r := newTestRetriever(t, vectorHits, map[string]string{})

	sources, err := r.Retrieve(context.Background(), testRepo, testCommit, "zzzz")
	require.NoError(t, err)

	var goneSource *types.Source
	for i := range sources {
		if sources[i].File == "gone.php" {
			goneSource = &sources[i]
		}
	}
	require.NotNil(t, goneSource, "failed hydration must not drop the slot")
	assert.Contains(t, goneSource.Content, "[Could not fetch:")
}

func TestFinalKLimit(t *testing.T) {
	var vectorHits []vector.Hit
	files := make(map[string]string)
	for i := 0; i < 30; i++ {
		file := string(rune('a'+i%26)) + ".php"
		vectorHits = append(vectorHits, vector.Hit{
			Key:   vector.Key{Repo: testRepo, File: file, StartLine: i + 1, EndLine: i + 10},
			Score: 0.9,
		})
		files[file] = "content\n"
	}

	store := newTestRetriever(t, vectorHits, files)
	sources, err := store.Retrieve(context.Background(), testRepo, testCommit, "zzzz")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sources), 15)
}
