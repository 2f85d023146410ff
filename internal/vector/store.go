// Package vector implements the embedding store: symbol chunks embedded and
// persisted keyed by (repo, file, start_line, end_line), with top-k nearest
// neighbor search. Two backends share one interface: SQLite with the
// sqlite-vec extension (default) and a Qdrant collection.
package vector

import (
	"context"
	"fmt"

	"reposcope/internal/types"
)

// Key uniquely addresses one chunk.
type Key struct {
	Repo      types.RepoKey
	File      string
	StartLine int
	EndLine   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d-%d", k.Repo, k.File, k.StartLine, k.EndLine)
}

// Chunk is one embeddable unit of a symbol, carrying the symbol kind and
// qualified name for post-hoc inspection.
type Chunk struct {
	Key           Key
	Kind          types.SymbolKind
	QualifiedName string
	Text          string
}

// Hit is one nearest-neighbor result with a normalized score in [0, 1].
type Hit struct {
	Key           Key
	Kind          types.SymbolKind
	QualifiedName string
	Score         float64
}

// Store persists embedding vectors and answers nearest-neighbor queries.
// Implementations reject vectors whose dimension differs from the first
// vector stored.
type Store interface {
	// UpsertVectors stores chunks with their embedding vectors; the two
	// slices are parallel.
	UpsertVectors(ctx context.Context, chunks []Chunk, vectors [][]float32) error

	// Search returns the top-k chunks of a repository nearest to the query
	// vector, sorted by score descending.
	Search(ctx context.Context, repo types.RepoKey, queryVector []float32, k int) ([]Hit, error)

	// DeleteRepo removes every chunk of a repository.
	DeleteRepo(ctx context.Context, repo types.RepoKey) error

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend: "sqlite" or "qdrant"
	Backend string

	// SQLite backend
	DatabasePath string

	// Qdrant backend
	QdrantHost     string
	QdrantPort     int
	QdrantAPIKey   string
	CollectionName string
	Dimensions     int
}

// NewStore creates the configured backend.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return NewSQLiteStore(cfg.DatabasePath)
	case "qdrant":
		return NewQdrantStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s (use 'sqlite' or 'qdrant')", cfg.Backend)
	}
}

// normalizeCosine maps a cosine similarity in [-1, 1] to [0, 1] so scores
// are comparable with the trigram leg.
func normalizeCosine(cos float64) float64 {
	score := (cos + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
