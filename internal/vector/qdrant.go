package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"reposcope/internal/logging"
	"reposcope/internal/types"
)

// QdrantStore persists vectors in a Qdrant collection. Chunk identity maps
// to a deterministic point id derived from the key; the repo key rides in
// the payload for filtered search.
type QdrantStore struct {
	client         *qdrant.Client
	collectionName string
	dimensions     int
}

// NewQdrantStore connects to Qdrant and ensures the collection exists.
func NewQdrantStore(cfg Config) (*QdrantStore, error) {
	timer := logging.StartTimer(logging.CategoryVector, "NewQdrantStore")
	defer timer.Stop()

	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant backend requires a fixed embedding dimension")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStore{
		client:         client,
		collectionName: cfg.CollectionName,
		dimensions:     cfg.Dimensions,
	}
	if err := s.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, err
	}

	logging.Vector("Qdrant store ready: collection=%s dim=%d", cfg.CollectionName, cfg.Dimensions)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.collectionName, err)
	}
	return nil
}

// UpsertVectors stores chunks with their embeddings as Qdrant points.
func (s *QdrantStore) UpsertVectors(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	timer := logging.StartTimer(logging.CategoryVector, "Qdrant.UpsertVectors")
	defer timer.Stop()

	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors length mismatch: %d != %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		if len(vectors[i]) != s.dimensions {
			return fmt.Errorf("mixed embedding dimensions: got %d, store holds %d", len(vectors[i]), s.dimensions)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(chunk.Key)),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"repo":           chunk.Key.Repo.String(),
				"file":           chunk.Key.File,
				"start_line":     int64(chunk.Key.StartLine),
				"end_line":       int64(chunk.Key.EndLine),
				"kind":           string(chunk.Kind),
				"qualified_name": chunk.QualifiedName,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert of %d points failed: %w", len(points), err)
	}

	logging.Vector("Qdrant upserted %d points", len(points))
	return nil
}

// Search returns the top-k chunks of a repository nearest to the query
// vector.
func (s *QdrantStore) Search(ctx context.Context, repo types.RepoKey, queryVector []float32, k int) ([]Hit, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Qdrant.Search")
	defer timer.Stop()

	if k <= 0 {
		k = 15
	}
	if len(queryVector) != s.dimensions {
		return nil, fmt.Errorf("query vector dimension %d does not match store dimension %d", len(queryVector), s.dimensions)
	}

	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("repo", repo.String()),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query failed: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, point := range scored {
		payload := point.GetPayload()
		if payload == nil {
			continue
		}
		hit := Hit{
			Key: Key{
				Repo:      repo,
				File:      payload["file"].GetStringValue(),
				StartLine: int(payload["start_line"].GetIntegerValue()),
				EndLine:   int(payload["end_line"].GetIntegerValue()),
			},
			Kind:          types.SymbolKind(payload["kind"].GetStringValue()),
			QualifiedName: payload["qualified_name"].GetStringValue(),
			Score:         normalizeCosine(float64(point.GetScore())),
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteRepo removes every chunk of a repository from the collection.
func (s *QdrantStore) DeleteRepo(ctx context.Context, repo types.RepoKey) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("repo", repo.String()),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete for %s failed: %w", repo, err)
	}
	return nil
}

// Close closes the client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
