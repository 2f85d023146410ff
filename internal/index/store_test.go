package index

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposcope/internal/types"
)

var testRepo = types.RepoKey{Owner: "acme", Name: "shop"}

const testCommit = "0123456789abcdef0123456789abcdef01234567"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertRepo(context.Background(), types.Repository{
		Owner: testRepo.Owner, Name: testRepo.Name, DefaultBranch: "main",
	}))
	return store
}

func testPayload() GenerationPayload {
	return GenerationPayload{
		Files: []types.File{
			{Repo: testRepo, Path: "app/Http/Middleware/Authenticate.php", BlobSHA: "aaa", Language: "php", SizeBytes: 640},
			{Repo: testRepo, Path: "routes/api.php", BlobSHA: "bbb", Language: "php", SizeBytes: 1200},
		},
		Symbols: []types.Symbol{
			{ID: "s1", Repo: testRepo, File: "app/Http/Middleware/Authenticate.php", Name: "Authenticate",
				QualifiedName: `App\Http\Middleware\Authenticate`, Kind: types.SymbolClass, StartLine: 1, EndLine: 25},
			{ID: "s2", Repo: testRepo, File: "app/Http/Middleware/Authenticate.php", Name: "handle",
				QualifiedName: `App\Http\Middleware\Authenticate::handle`, Kind: types.SymbolMethod,
				StartLine: 10, EndLine: 24, ParentSymbol: "s1", Visibility: "public"},
			{ID: "s3", Repo: testRepo, File: "app/Models/User.php", Name: "User",
				QualifiedName: `App\Models\User`, Kind: types.SymbolClass, StartLine: 1, EndLine: 80},
		},
		Routes: []types.Route{
			{ID: "r1", Repo: testRepo, Method: types.MethodGet, URI: "/users", FullURI: "/api/users",
				Name: "users.index", HandlerType: types.HandlerController, Controller: "UserController",
				Action: "index", Middleware: []string{"auth"}, SourceFile: "routes/api.php", StartLine: 4},
			{ID: "r2", Repo: testRepo, Method: types.MethodDelete, URI: "/users/{id}", FullURI: "/api/users/{id}",
				HandlerType: types.HandlerController, Controller: "UserController",
				Action: "destroy", Middleware: []string{"auth", "admin"}, SourceFile: "routes/api.php", StartLine: 9},
		},
		Migrations: []types.Migration{
			{ID: "m1", Repo: testRepo, FilePath: "database/migrations/2024_01_01_drop_legacy.php",
				TableName: "legacy_orders", Operation: types.MigrationDrop, IsDestructive: true,
				DestructiveOperations: []types.DestructiveOp{{Op: "drop_table", Target: "legacy_orders", Line: 12}}},
		},
	}
}

func TestReplaceAllForRepo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))

	repo, err := store.GetRepo(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, types.RepoReady, repo.Status)
	assert.Equal(t, testCommit, repo.LastIndexedCommit)

	routes, err := store.ListRoutes(ctx, testRepo, RouteFilter{})
	require.NoError(t, err)
	assert.Len(t, routes, 2)

	migrations, err := store.ListMigrations(ctx, testRepo)
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.True(t, migrations[0].IsDestructive)
	assert.Equal(t, "legacy_orders", migrations[0].DestructiveOperations[0].Target)
}

// A reader between swaps sees either the full old or the full new
// generation, never a mix.
func TestGenerationSwapReplacesWholesale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))

	second := GenerationPayload{
		Symbols: []types.Symbol{
			{ID: "s9", Repo: testRepo, File: "app/Models/Order.php", Name: "Order",
				QualifiedName: `App\Models\Order`, Kind: types.SymbolClass, StartLine: 1, EndLine: 40},
		},
	}
	newCommit := "fedcba9876543210fedcba9876543210fedcba98"
	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, newCommit, second))

	symbols, err := store.currentSymbols(ctx, testRepo)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, `App\Models\Order`, symbols[0].QualifiedName)

	// Old routes are gone with the old generation.
	routes, err := store.ListRoutes(ctx, testRepo, RouteFilter{})
	require.NoError(t, err)
	assert.Empty(t, routes)
}

// Re-indexing the same commit twice yields the same readable rows.
func TestReindexDeterminism(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))
	first, err := store.currentSymbols(ctx, testRepo)
	require.NoError(t, err)
	firstRoutes, err := store.ListRoutes(ctx, testRepo, RouteFilter{})
	require.NoError(t, err)

	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))
	second, err := store.currentSymbols(ctx, testRepo)
	require.NoError(t, err)
	secondRoutes, err := store.ListRoutes(ctx, testRepo, RouteFilter{})
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("symbol generations differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(firstRoutes, secondRoutes); diff != "" {
		t.Errorf("route generations differ (-first +second):\n%s", diff)
	}
}

func TestTrigramSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))

	hits, err := store.TrigramSearch(ctx, testRepo, "authenticate", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, `App\Http\Middleware\Authenticate`, hits[0].Symbol.QualifiedName)
	assert.Greater(t, hits[0].Score, 0.0)

	// Stability: equal query twice gives identical ordering.
	again, err := store.TrigramSearch(ctx, testRepo, "authenticate", 10)
	require.NoError(t, err)
	require.Equal(t, len(hits), len(again))
	for i := range hits {
		assert.Equal(t, hits[i].Symbol.ID, again[i].Symbol.ID)
	}
}

func TestTrigramSearchEmptyQuery(t *testing.T) {
	store := newTestStore(t)
	hits, err := store.TrigramSearch(context.Background(), testRepo, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLookupSymbolByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))

	sym, err := store.LookupSymbolByName(ctx, testRepo, `App\Http\Middleware\Authenticate::handle`)
	require.NoError(t, err)
	assert.Equal(t, "handle", sym.Name)
	assert.Equal(t, "s1", sym.ParentSymbol)

	_, err = store.LookupSymbolByName(ctx, testRepo, `App\Missing`)
	assert.Error(t, err)
}

func TestListRoutesFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))

	routes, err := store.ListRoutes(ctx, testRepo, RouteFilter{Method: types.MethodDelete})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "/api/users/{id}", routes[0].FullURI)
	assert.Equal(t, []string{"auth", "admin"}, routes[0].Middleware)

	routes, err = store.ListRoutes(ctx, testRepo, RouteFilter{URIContains: "{id}"})
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}

func TestLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, testRepo, testCommit)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLease(ctx, testRepo, testCommit)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while lease is held")

	require.NoError(t, store.ReleaseLease(ctx, testRepo, testCommit))

	ok, err = store.AcquireLease(ctx, testRepo, testCommit)
	require.NoError(t, err)
	assert.True(t, ok, "lease is reacquirable after release")
}

func TestSetRepoStatusPreservesGeneration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceAllForRepo(ctx, testRepo, testCommit, testPayload()))

	require.NoError(t, store.SetRepoStatus(ctx, testRepo, types.RepoFailed, "embed quota exceeded"))

	repo, err := store.GetRepo(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, types.RepoFailed, repo.Status)
	assert.Equal(t, "embed quota exceeded", repo.LastError)

	// The previous generation stays readable.
	symbols, err := store.currentSymbols(ctx, testRepo)
	require.NoError(t, err)
	assert.Len(t, symbols, 3)
}

func TestTrigramMetric(t *testing.T) {
	a := trigramSet("Authenticate")
	assert.Equal(t, 1.0, trigramSimilarity(a, trigramSet("authenticate")), "case-insensitive identity")
	assert.Greater(t, trigramSimilarity(a, trigramSet("authentication")), trigramSimilarity(a, trigramSet("order")))
	assert.Zero(t, trigramSimilarity(a, trigramSet("")))
}
