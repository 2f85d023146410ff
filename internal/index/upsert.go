package index

import (
	"context"
	"encoding/json"
	"fmt"

	"reposcope/internal/types"
)

// Row-level upserts refresh records inside the repository's current
// generation. Full indexing runs go through ReplaceAllForRepo; these serve
// targeted refreshes (a single re-parsed file) between runs.

func (s *Store) currentGeneration(ctx context.Context, key types.RepoKey) (int, error) {
	var gen int
	err := s.db.QueryRowContext(ctx,
		`SELECT current_generation FROM repos WHERE owner = ? AND name = ?`,
		key.Owner, key.Name).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("load generation for %s: %w", key, err)
	}
	return gen, nil
}

// UpsertFile creates or refreshes one file record.
func (s *Store) UpsertFile(ctx context.Context, f types.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.currentGeneration(ctx, f.Repo)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (owner, name, path, blob_sha, language, size_bytes, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, name, path, generation) DO UPDATE SET
			blob_sha = excluded.blob_sha,
			language = excluded.language,
			size_bytes = excluded.size_bytes`,
		f.Repo.Owner, f.Repo.Name, f.Path, f.BlobSHA, f.Language, f.SizeBytes, gen)
	return err
}

// UpsertSymbol creates or refreshes one symbol record by id.
func (s *Store) UpsertSymbol(ctx context.Context, sym types.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.currentGeneration(ctx, sym.Repo)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM symbols WHERE owner = ? AND name = ? AND id = ? AND generation = ?`,
		sym.Repo.Owner, sym.Repo.Name, sym.ID, gen); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO symbols (id, owner, name, file, sym_name, qualified_name, kind,
			start_line, end_line, signature, docstring, parent_symbol, visibility, is_static, search_text, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.ID, sym.Repo.Owner, sym.Repo.Name, sym.File, sym.Name, sym.QualifiedName, string(sym.Kind),
		sym.StartLine, sym.EndLine, sym.Signature, sym.Docstring, sym.ParentSymbol,
		sym.Visibility, boolToInt(sym.IsStatic), sym.SearchText(), gen)
	return err
}

// UpsertRoute creates or refreshes one route record by id.
func (s *Store) UpsertRoute(ctx context.Context, r types.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.currentGeneration(ctx, r.Repo)
	if err != nil {
		return err
	}
	middleware, err := json.Marshal(r.Middleware)
	if err != nil {
		return fmt.Errorf("marshal middleware: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM routes WHERE owner = ? AND name = ? AND id = ? AND generation = ?`,
		r.Repo.Owner, r.Repo.Name, r.ID, gen); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routes (id, owner, name, method, uri, full_uri, route_name,
			handler_type, controller, action, middleware, source_file, start_line, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Repo.Owner, r.Repo.Name, string(r.Method), r.URI, r.FullURI, r.Name,
		string(r.HandlerType), r.Controller, r.Action, string(middleware),
		r.SourceFile, r.StartLine, gen)
	return err
}

// UpsertMigration creates or refreshes one migration record by id.
func (s *Store) UpsertMigration(ctx context.Context, m types.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.currentGeneration(ctx, m.Repo)
	if err != nil {
		return err
	}
	ops, err := json.Marshal(m.DestructiveOperations)
	if err != nil {
		return fmt.Errorf("marshal destructive ops: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM migrations WHERE owner = ? AND name = ? AND id = ? AND generation = ?`,
		m.Repo.Owner, m.Repo.Name, m.ID, gen); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO migrations (id, owner, name, file_path, table_name, operation, is_destructive, destructive_ops, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Repo.Owner, m.Repo.Name, m.FilePath, m.TableName, string(m.Operation),
		boolToInt(m.IsDestructive), string(ops), gen)
	return err
}
