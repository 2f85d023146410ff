package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"reposcope/internal/embedding"
	"reposcope/internal/logging"
	"reposcope/internal/types"
)

// SQLiteStore persists vectors in SQLite. When the sqlite-vec extension is
// present a vec0 virtual table serves ANN queries via vec_distance_cosine;
// otherwise search falls back to brute-force cosine over the plain chunks
// table, which stays acceptable for repository-sized corpora.
type SQLiteStore struct {
	db         *sql.DB
	mu         sync.RWMutex
	dimensions int
	vectorExt  bool
	vecTable   bool // vec_chunks created (requires a known dimension)
}

// chunkMeta is the JSON payload stored alongside each ANN row so hits can
// be rebuilt without joining back to the chunks table.
type chunkMeta struct {
	File          string `json:"file"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Kind          string `json:"kind"`
	QualifiedName string `json:"qualified_name"`
}

// NewSQLiteStore opens the vector database at the given path.
// Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryVector, "NewSQLiteStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.VectorDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.VectorDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()

	if s.vectorExt {
		logging.Vector("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryVector).Warn("sqlite-vec extension not available; using brute-force cosine search")
	}

	return s, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			file TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			qualified_name TEXT NOT NULL DEFAULT '',
			embedding TEXT NOT NULL,
			PRIMARY KEY (owner, name, file, start_line, end_line)
		)`)
	if err != nil {
		return fmt.Errorf("vector schema init: %w", err)
	}
	return nil
}

// detectVecExtension probes for the vec0 virtual table module. The real
// table is created lazily once the deployment's dimension is known.
func (s *SQLiteStore) detectVecExtension() {
	if _, err := s.db.Exec(`CREATE VIRTUAL TABLE vec_probe USING vec0(embedding float[4])`); err != nil {
		logging.VectorDebug("vec0 probe failed: %v", err)
		s.vectorExt = false
		return
	}
	_, _ = s.db.Exec(`DROP TABLE vec_probe`)
	s.vectorExt = true
}

// ensureVecTable creates vec_chunks at the store's dimension.
// Caller holds the write lock.
func (s *SQLiteStore) ensureVecTable() error {
	if s.vecTable {
		return nil
	}
	query := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
		embedding float[%d], chunk_key TEXT, owner TEXT, name TEXT, metadata TEXT)`, s.dimensions)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create vec_chunks: %w", err)
	}
	s.vecTable = true
	return nil
}

// UpsertVectors stores chunks with their embeddings in one transaction.
func (s *SQLiteStore) UpsertVectors(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	timer := logging.StartTimer(logging.CategoryVector, "UpsertVectors")
	defer timer.Stop()

	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors length mismatch: %d != %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, vec := range vectors {
		if s.dimensions == 0 {
			s.dimensions = len(vec)
		} else if len(vec) != s.dimensions {
			return fmt.Errorf("mixed embedding dimensions: got %d, store holds %d", len(vec), s.dimensions)
		}
	}

	if s.vectorExt {
		if err := s.ensureVecTable(); err != nil {
			logging.Get(logging.CategoryVector).Warn("ANN index disabled: %v", err)
			s.vectorExt = false
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO chunks (owner, name, file, start_line, end_line, kind, qualified_name, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var vecDelStmt, vecInsStmt *sql.Stmt
	if s.vectorExt {
		vecDelStmt, err = tx.Prepare(`DELETE FROM vec_chunks WHERE chunk_key = ?`)
		if err != nil {
			return err
		}
		defer vecDelStmt.Close()
		vecInsStmt, err = tx.Prepare(`INSERT INTO vec_chunks (embedding, chunk_key, owner, name, metadata) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer vecInsStmt.Close()
	}

	for i, chunk := range chunks {
		embeddingJSON, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("serialize embedding: %w", err)
		}
		key := chunk.Key
		if _, err := stmt.Exec(key.Repo.Owner, key.Repo.Name, key.File, key.StartLine, key.EndLine,
			string(chunk.Kind), chunk.QualifiedName, string(embeddingJSON)); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", key, err)
		}
		if s.vectorExt {
			meta, err := json.Marshal(chunkMeta{
				File:          key.File,
				StartLine:     key.StartLine,
				EndLine:       key.EndLine,
				Kind:          string(chunk.Kind),
				QualifiedName: chunk.QualifiedName,
			})
			if err != nil {
				return fmt.Errorf("serialize chunk metadata: %w", err)
			}
			if _, err := vecDelStmt.Exec(key.String()); err != nil {
				return fmt.Errorf("refresh ANN row %s: %w", key, err)
			}
			if _, err := vecInsStmt.Exec(encodeFloat32Slice(vectors[i]), key.String(),
				key.Repo.Owner, key.Repo.Name, string(meta)); err != nil {
				return fmt.Errorf("index ANN row %s: %w", key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.Vector("Upserted %d vectors (dim=%d, ann=%v)", len(chunks), s.dimensions, s.vectorExt)
	return nil
}

// Search returns the top-k chunks of a repository nearest to the query
// vector: ANN via vec_distance_cosine when the extension is present,
// brute-force cosine otherwise. An ANN query failure degrades to the
// brute-force path rather than an empty result.
func (s *SQLiteStore) Search(ctx context.Context, repo types.RepoKey, queryVector []float32, k int) ([]Hit, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if k <= 0 {
		k = 15
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimensions != 0 && len(queryVector) != s.dimensions {
		return nil, fmt.Errorf("query vector dimension %d does not match store dimension %d", len(queryVector), s.dimensions)
	}

	if s.vectorExt && s.vecTable {
		hits, err := s.searchVec(ctx, repo, queryVector, k)
		if err == nil {
			return hits, nil
		}
		logging.Get(logging.CategoryVector).Warn("ANN search failed, falling back to brute force: %v", err)
	}

	return s.searchBrute(ctx, repo, queryVector, k)
}

// searchVec issues the sqlite-vec ANN query. Distance is cosine distance;
// similarity is 1 - dist, normalized like the brute-force path.
func (s *SQLiteStore) searchVec(ctx context.Context, repo types.RepoKey, queryVector []float32, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metadata, vec_distance_cosine(embedding, ?) AS dist
		FROM vec_chunks
		WHERE owner = ? AND name = ?
		ORDER BY dist ASC
		LIMIT ?`,
		encodeFloat32Slice(queryVector), repo.Owner, repo.Name, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var metaJSON string
		var dist float64
		if err := rows.Scan(&metaJSON, &dist); err != nil {
			return nil, err
		}
		var meta chunkMeta
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			logging.VectorDebug("Skipping ANN row with corrupt metadata: %v", err)
			continue
		}
		hits = append(hits, Hit{
			Key: Key{
				Repo:      repo,
				File:      meta.File,
				StartLine: meta.StartLine,
				EndLine:   meta.EndLine,
			},
			Kind:          types.SymbolKind(meta.Kind),
			QualifiedName: meta.QualifiedName,
			Score:         normalizeCosine(1 - dist),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortHits(hits)
	logging.VectorDebug("ANN search returned %d hits", len(hits))
	return hits, nil
}

// searchBrute scans the repo's chunks and ranks by cosine similarity. This
// is the reference behavior the ANN path must agree with.
func (s *SQLiteStore) searchBrute(ctx context.Context, repo types.RepoKey, queryVector []float32, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file, start_line, end_line, kind, qualified_name, embedding
		FROM chunks WHERE owner = ? AND name = ?
		ORDER BY file, start_line`,
		repo.Owner, repo.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var kind, embeddingJSON string
		hit.Key.Repo = repo
		if err := rows.Scan(&hit.Key.File, &hit.Key.StartLine, &hit.Key.EndLine, &kind, &hit.QualifiedName, &embeddingJSON); err != nil {
			return nil, err
		}
		hit.Kind = types.SymbolKind(kind)

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			logging.VectorDebug("Skipping chunk with corrupt embedding: %s", hit.Key)
			continue
		}
		cos, err := embedding.CosineSimilarity(queryVector, vec)
		if err != nil {
			continue
		}
		hit.Score = normalizeCosine(cos)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// sortHits applies the deterministic ordering both search paths share:
// score descending, then file, then start line.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Key.File != hits[j].Key.File {
			return hits[i].Key.File < hits[j].Key.File
		}
		return hits[i].Key.StartLine < hits[j].Key.StartLine
	})
}

// DeleteRepo removes every chunk of a repository.
func (s *SQLiteStore) DeleteRepo(ctx context.Context, repo types.RepoKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE owner = ? AND name = ?`, repo.Owner, repo.Name); err != nil {
		return err
	}
	if s.vectorExt && s.vecTable {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_chunks WHERE owner = ? AND name = ?`, repo.Owner, repo.Name); err != nil {
			return fmt.Errorf("clear ANN rows for %s: %w", repo, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
