// Package index implements the relational index store: repositories, files,
// symbols, routes and migrations in SQLite. No source bodies are stored;
// symbols point at line ranges and text is fetched on demand. Each indexing
// run writes a complete generation which is swapped in atomically.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"reposcope/internal/logging"
	"reposcope/internal/types"
)

// Store is the SQLite-backed index store. The indexing pipeline is the only
// writer; readers always observe one complete generation per repository.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore opens (and initializes) the index database at the given path.
// Use ":memory:" for tests.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "NewStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.IndexDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.IndexDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.IndexDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Index("Index store initialized at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS repos (
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			last_indexed_commit TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			current_generation INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner, name)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			blob_sha TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			generation INTEGER NOT NULL,
			PRIMARY KEY (owner, name, path, generation)
		)`,
		`CREATE TABLE IF NOT EXISTS symbols (
			id TEXT NOT NULL,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			file TEXT NOT NULL,
			sym_name TEXT NOT NULL,
			qualified_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			docstring TEXT NOT NULL DEFAULT '',
			parent_symbol TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL DEFAULT '',
			is_static INTEGER NOT NULL DEFAULT 0,
			search_text TEXT NOT NULL DEFAULT '',
			generation INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_repo_gen ON symbols(owner, name, generation)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_qualified ON symbols(owner, name, qualified_name)`,
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT NOT NULL,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			method TEXT NOT NULL,
			uri TEXT NOT NULL,
			full_uri TEXT NOT NULL,
			route_name TEXT NOT NULL DEFAULT '',
			handler_type TEXT NOT NULL,
			controller TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			middleware TEXT NOT NULL DEFAULT '[]',
			source_file TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			generation INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_repo_gen ON routes(owner, name, generation)`,
		`CREATE TABLE IF NOT EXISTS migrations (
			id TEXT NOT NULL,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			file_path TEXT NOT NULL,
			table_name TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL,
			is_destructive INTEGER NOT NULL DEFAULT 0,
			destructive_ops TEXT NOT NULL DEFAULT '[]',
			generation INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_repo_gen ON migrations(owner, name, generation)`,
		`CREATE TABLE IF NOT EXISTS leases (
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			acquired_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (owner, name, commit_sha)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}
	return nil
}

// =============================================================================
// REPOSITORIES
// =============================================================================

// UpsertRepo registers a repository or refreshes its branch.
func (s *Store) UpsertRepo(ctx context.Context, repo types.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repos (owner, name, default_branch, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, name) DO UPDATE SET default_branch = excluded.default_branch`,
		repo.Owner, repo.Name, repo.DefaultBranch, string(types.RepoPending))
	return err
}

// GetRepo loads a repository record.
func (s *Store) GetRepo(ctx context.Context, key types.RepoKey) (*types.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT owner, name, default_branch, last_indexed_commit, status, last_error
		FROM repos WHERE owner = ? AND name = ?`, key.Owner, key.Name)

	var r types.Repository
	var status string
	if err := row.Scan(&r.Owner, &r.Name, &r.DefaultBranch, &r.LastIndexedCommit, &status, &r.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("repository %s not found", key)
		}
		return nil, err
	}
	r.Status = types.RepoStatus(status)
	return &r, nil
}

// SetRepoStatus transitions a repository's status, recording the error for
// failed runs. The readable generation is never touched here.
func (s *Store) SetRepoStatus(ctx context.Context, key types.RepoKey, status types.RepoStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE repos SET status = ?, last_error = ? WHERE owner = ? AND name = ?`,
		string(status), lastError, key.Owner, key.Name)
	return err
}

// =============================================================================
// LEASES
// =============================================================================

// AcquireLease serializes indexing runs per (repo, commit). Returns false
// when another run already holds the lease.
func (s *Store) AcquireLease(ctx context.Context, key types.RepoKey, commit string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (owner, name, commit_sha) VALUES (?, ?, ?)`,
		key.Owner, key.Name, commit)
	if err != nil {
		// Unique constraint violation means the lease is held.
		return false, nil
	}
	return true, nil
}

// ReleaseLease releases an indexing lease.
func (s *Store) ReleaseLease(ctx context.Context, key types.RepoKey, commit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE owner = ? AND name = ? AND commit_sha = ?`,
		key.Owner, key.Name, commit)
	return err
}

// =============================================================================
// GENERATION SWAP
// =============================================================================

// GenerationPayload is the complete record set produced by one indexing run.
type GenerationPayload struct {
	Files      []types.File
	Symbols    []types.Symbol
	Routes     []types.Route
	Migrations []types.Migration
}

// ReplaceAllForRepo atomically replaces every file, symbol, route and
// migration for a repository with the new generation. The new rows and the
// repos.current_generation flip commit in one transaction; a concurrent
// reader observes either the entire old or the entire new generation. Rows
// of prior generations are deleted after the swap is durable.
func (s *Store) ReplaceAllForRepo(ctx context.Context, key types.RepoKey, commit string, payload GenerationPayload) error {
	timer := logging.StartTimer(logging.CategoryIndex, "ReplaceAllForRepo")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT current_generation FROM repos WHERE owner = ? AND name = ?`,
		key.Owner, key.Name).Scan(&current)
	if err != nil {
		return fmt.Errorf("load repo generation: %w", err)
	}
	next := current + 1

	for _, f := range payload.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (owner, name, path, blob_sha, language, size_bytes, generation)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key.Owner, key.Name, f.Path, f.BlobSHA, f.Language, f.SizeBytes, next); err != nil {
			return fmt.Errorf("insert file %s: %w", f.Path, err)
		}
	}

	for _, sym := range payload.Symbols {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO symbols (id, owner, name, file, sym_name, qualified_name, kind,
				start_line, end_line, signature, docstring, parent_symbol, visibility, is_static, search_text, generation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sym.ID, key.Owner, key.Name, sym.File, sym.Name, sym.QualifiedName, string(sym.Kind),
			sym.StartLine, sym.EndLine, sym.Signature, sym.Docstring, sym.ParentSymbol,
			sym.Visibility, boolToInt(sym.IsStatic), sym.SearchText(), next); err != nil {
			return fmt.Errorf("insert symbol %s: %w", sym.QualifiedName, err)
		}
	}

	for _, r := range payload.Routes {
		middleware, err := json.Marshal(r.Middleware)
		if err != nil {
			return fmt.Errorf("marshal middleware: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO routes (id, owner, name, method, uri, full_uri, route_name,
				handler_type, controller, action, middleware, source_file, start_line, generation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, key.Owner, key.Name, string(r.Method), r.URI, r.FullURI, r.Name,
			string(r.HandlerType), r.Controller, r.Action, string(middleware),
			r.SourceFile, r.StartLine, next); err != nil {
			return fmt.Errorf("insert route %s %s: %w", r.Method, r.FullURI, err)
		}
	}

	for _, m := range payload.Migrations {
		ops, err := json.Marshal(m.DestructiveOperations)
		if err != nil {
			return fmt.Errorf("marshal destructive ops: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO migrations (id, owner, name, file_path, table_name, operation, is_destructive, destructive_ops, generation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, key.Owner, key.Name, m.FilePath, m.TableName, string(m.Operation),
			boolToInt(m.IsDestructive), string(ops), next); err != nil {
			return fmt.Errorf("insert migration %s: %w", m.FilePath, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE repos SET current_generation = ?, last_indexed_commit = ?, status = ?, last_error = ''
		WHERE owner = ? AND name = ?`,
		next, commit, string(types.RepoReady), key.Owner, key.Name); err != nil {
		return fmt.Errorf("flip generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}

	// Old generations are unreachable once the flip is durable; deletion is
	// cleanup, not correctness.
	s.pruneOldGenerations(key, next)

	logging.Index("Generation %d live for %s at %s (%d symbols, %d routes, %d migrations)",
		next, key, commit, len(payload.Symbols), len(payload.Routes), len(payload.Migrations))
	return nil
}

func (s *Store) pruneOldGenerations(key types.RepoKey, keep int) {
	for _, table := range []string{"files", "symbols", "routes", "migrations"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE owner = ? AND name = ? AND generation < ?`, table)
		if _, err := s.db.Exec(query, key.Owner, key.Name, keep); err != nil {
			logging.Get(logging.CategoryIndex).Warn("Prune %s failed for %s: %v", table, key, err)
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
