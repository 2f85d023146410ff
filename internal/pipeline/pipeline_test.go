package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposcope/internal/index"
	"reposcope/internal/source"
	"reposcope/internal/types"
	"reposcope/internal/vector"
)

var testRepo = types.RepoKey{Owner: "acme", Name: "shop"}

const testCommit = "0123456789abcdef0123456789abcdef01234567"

// fakeEngine produces deterministic per-text vectors.
type fakeEngine struct{}

func (fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedText(text), nil
}
func (fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = embedText(text)
	}
	return out, nil
}
func (fakeEngine) Dimensions() int { return 3 }
func (fakeEngine) Name() string    { return "fake" }

func embedText(text string) []float32 {
	var sum float32
	for _, r := range text {
		sum += float32(r)
	}
	return []float32{sum, float32(len(text)), 1}
}

var checkoutFiles = map[string]string{
	"routes/api.php": `<?php
Route::middleware(['auth'])->prefix('api')->group(function () {
    Route::apiResource('posts', PostController::class);
});
`,
	"app/Http/Middleware/Authenticate.php": `<?php
namespace App\Http\Middleware;

class Authenticate
{
    public function handle($request, $next)
    {
        if (! $request->user()) {
            abort(401);
        }
        if ($request->wantsJson()) {
            return response()->json(['error' => 'unauthenticated'], 401);
        }
        return $next($request);
    }
}
`,
	"database/migrations/2024_01_15_drop_legacy.php": `<?php
return new class extends Migration {
    public function up(): void
    {
        Schema::table('orders', function (Blueprint $table) {
            $table->dropColumn('legacy_id');
        });
    }
};
`,
	"vendor/autoload.php": `<?php // generated`,
	"composer.json":       `{"name": "acme/shop"}`,
}

func writeCheckout(t *testing.T, root, commit string) {
	t.Helper()
	for path, content := range checkoutFiles {
		full := filepath.Join(root, testRepo.Owner, testRepo.Name, commit, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func newTestStores(t *testing.T) (*index.Store, *vector.SQLiteStore) {
	t.Helper()

	store, err := index.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertRepo(context.Background(), types.Repository{
		Owner: testRepo.Owner, Name: testRepo.Name, DefaultBranch: "main",
	}))

	vectors, err := vector.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	return store, vectors
}

func newTestPipeline(t *testing.T) (*Pipeline, *index.Store, *vector.SQLiteStore) {
	t.Helper()

	root := t.TempDir()
	writeCheckout(t, root, testCommit)

	store, vectors := newTestStores(t)
	p := New(source.NewFSProvider(root), store, vectors, fakeEngine{}, nil, Config{})
	return p, store, vectors
}

func TestIndexEndToEnd(t *testing.T) {
	p, store, vectors := newTestPipeline(t)
	ctx := context.Background()

	result, err := p.Index(ctx, testRepo, testCommit)
	require.NoError(t, err)

	assert.Empty(t, result.ParseErrors)
	assert.Equal(t, 5, result.Routes, "apiResource expands to 5 routes")
	assert.Equal(t, 1, result.Migrations)
	assert.Positive(t, result.Symbols)

	repo, err := store.GetRepo(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, types.RepoReady, repo.Status)
	assert.Equal(t, testCommit, repo.LastIndexedCommit)

	routes, err := store.ListRoutes(ctx, testRepo, index.RouteFilter{})
	require.NoError(t, err)
	require.Len(t, routes, 5)
	for _, r := range routes {
		assert.Equal(t, []string{"auth"}, r.Middleware)
		assert.Contains(t, []string{"/api/posts", "/api/posts/{id}"}, r.FullURI)
	}

	migrations, err := store.ListMigrations(ctx, testRepo)
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.True(t, migrations[0].IsDestructive)
	assert.Equal(t, types.MigrationDrop, migrations[0].Operation)

	// The Authenticate.handle method spans enough lines to be chunked.
	hits, err := vectors.Search(ctx, testRepo, embedText("anything"), 50)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestSkiplistHonored(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Index(ctx, testRepo, testCommit)
	require.NoError(t, err)

	symbols, err := store.TrigramSearch(ctx, testRepo, "autoload", 10)
	require.NoError(t, err)
	assert.Empty(t, symbols, "vendor/ files must not be indexed")
}

func TestReindexSameCommitIsDeterministic(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Index(ctx, testRepo, testCommit)
	require.NoError(t, err)
	firstRoutes, err := store.ListRoutes(ctx, testRepo, index.RouteFilter{})
	require.NoError(t, err)

	_, err = p.Index(ctx, testRepo, testCommit)
	require.NoError(t, err)
	secondRoutes, err := store.ListRoutes(ctx, testRepo, index.RouteFilter{})
	require.NoError(t, err)

	if diff := cmp.Diff(firstRoutes, secondRoutes); diff != "" {
		t.Errorf("generations differ between identical runs (-first +second):\n%s", diff)
	}
}

func TestIndexHeldLeaseRefused(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, testRepo, testCommit)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = p.Index(ctx, testRepo, testCommit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestFailureLeavesPreviousGeneration(t *testing.T) {
	root := t.TempDir()
	writeCheckout(t, root, testCommit)

	store, vectors := newTestStores(t)
	provider := source.NewFSProvider(root)

	// First run succeeds.
	p := New(provider, store, vectors, fakeEngine{}, nil, Config{})
	_, err := p.Index(context.Background(), testRepo, testCommit)
	require.NoError(t, err)

	// Second run against a missing commit fails before any swap.
	_, err = p.Index(context.Background(), testRepo, "ffffffffffffffffffffffffffffffffffffffff")
	require.Error(t, err)

	repo, err := store.GetRepo(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, types.RepoFailed, repo.Status)
	assert.NotEmpty(t, repo.LastError)
	// The readable generation is the successful one.
	assert.Equal(t, testCommit, repo.LastIndexedCommit)

	routes, err := store.ListRoutes(context.Background(), testRepo, index.RouteFilter{})
	require.NoError(t, err)
	assert.Len(t, routes, 5)
}

// failingEngine errors on batch embedding, after the tree has been parsed
// but before either store is touched.
type failingEngine struct{ fakeEngine }

func (failingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("embedding quota exceeded")
}

const secondCommit = "89abcdef0123456789abcdef0123456789abcdef"

// An embedding failure happens before any store mutation: both the index
// generation and the vector set stay on the previous successful run.
func TestEmbedFailureLeavesBothStoresUntouched(t *testing.T) {
	root := t.TempDir()
	writeCheckout(t, root, testCommit)
	writeCheckout(t, root, secondCommit)

	store, vectors := newTestStores(t)
	provider := source.NewFSProvider(root)
	ctx := context.Background()

	p := New(provider, store, vectors, fakeEngine{}, nil, Config{})
	_, err := p.Index(ctx, testRepo, testCommit)
	require.NoError(t, err)

	before, err := vectors.Search(ctx, testRepo, embedText("anything"), 50)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	failing := New(provider, store, vectors, failingEngine{}, nil, Config{})
	_, err = failing.Index(ctx, testRepo, secondCommit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding quota exceeded")

	repo, err := store.GetRepo(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, types.RepoFailed, repo.Status)
	assert.Equal(t, testCommit, repo.LastIndexedCommit, "index generation untouched")

	after, err := vectors.Search(ctx, testRepo, embedText("anything"), 50)
	require.NoError(t, err)
	assert.Equal(t, before, after, "vector store untouched by the failed run")
}

// orderedVectorStore asserts that the index swap has already committed by
// the time the vector store is first mutated.
type orderedVectorStore struct {
	vector.Store
	t          *testing.T
	store      *index.Store
	wantCommit string
}

func (o *orderedVectorStore) DeleteRepo(ctx context.Context, repo types.RepoKey) error {
	o.checkSwapped(ctx, repo)
	return o.Store.DeleteRepo(ctx, repo)
}

func (o *orderedVectorStore) UpsertVectors(ctx context.Context, chunks []vector.Chunk, vectors [][]float32) error {
	o.checkSwapped(ctx, chunks[0].Key.Repo)
	return o.Store.UpsertVectors(ctx, chunks, vectors)
}

func (o *orderedVectorStore) checkSwapped(ctx context.Context, repo types.RepoKey) {
	o.t.Helper()
	rec, err := o.store.GetRepo(ctx, repo)
	require.NoError(o.t, err)
	assert.Equal(o.t, o.wantCommit, rec.LastIndexedCommit,
		"vector store mutated before the index generation swap committed")
}

func TestVectorSwapFollowsIndexSwap(t *testing.T) {
	root := t.TempDir()
	writeCheckout(t, root, testCommit)

	store, vectors := newTestStores(t)
	ordered := &orderedVectorStore{Store: vectors, t: t, store: store, wantCommit: testCommit}

	p := New(source.NewFSProvider(root), store, ordered, fakeEngine{}, nil, Config{})
	_, err := p.Index(context.Background(), testRepo, testCommit)
	require.NoError(t, err)
}

// failingVectorStore rejects the vector swap itself.
type failingVectorStore struct {
	vector.Store
}

func (f *failingVectorStore) DeleteRepo(ctx context.Context, repo types.RepoKey) error {
	return errors.New("vector db unavailable")
}

// A failure inside the vector swap marks the run failed; the committed
// index generation stays readable and a retry can finish the job.
func TestVectorSwapFailureMarksRunFailed(t *testing.T) {
	root := t.TempDir()
	writeCheckout(t, root, testCommit)

	store, vectors := newTestStores(t)
	ctx := context.Background()

	p := New(source.NewFSProvider(root), store, &failingVectorStore{Store: vectors}, fakeEngine{}, nil, Config{})
	_, err := p.Index(ctx, testRepo, testCommit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector db unavailable")

	repo, err := store.GetRepo(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, types.RepoFailed, repo.Status)

	// Retrying with a healthy vector store completes the run.
	retry := New(source.NewFSProvider(root), store, vectors, fakeEngine{}, nil, Config{})
	_, err = retry.Index(ctx, testRepo, testCommit)
	require.NoError(t, err)

	repo, err = store.GetRepo(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, types.RepoReady, repo.Status)
}
