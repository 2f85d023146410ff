package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"reposcope/internal/logging"
	"reposcope/internal/types"
)

// SymbolHit is one trigram search result.
type SymbolHit struct {
	Symbol types.Symbol
	Score  float64
}

// TrigramSearch ranks symbols of the current generation by
// max(similarity(name, q), similarity(qualified_name, q)) under a trigram
// metric, additionally matching on substrings of search_text. Candidates
// are loaded per repo and ranked in process; the current generation filter
// keeps the candidate set bounded to one repository snapshot.
func (s *Store) TrigramSearch(ctx context.Context, key types.RepoKey, query string, limit int) ([]SymbolHit, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "TrigramSearch")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	symbols, err := s.currentSymbols(ctx, key)
	if err != nil {
		return nil, err
	}

	queryGrams := trigramSet(query)
	lowered := strings.ToLower(query)

	var hits []SymbolHit
	for _, sym := range symbols {
		score := trigramSimilarity(queryGrams, trigramSet(sym.Name))
		if qScore := trigramSimilarity(queryGrams, trigramSet(sym.QualifiedName)); qScore > score {
			score = qScore
		}
		// Substring presence in search_text keeps exact mentions of long
		// identifiers from drowning under the trigram metric.
		if score < 0.3 && strings.Contains(strings.ToLower(sym.SearchText()), lowered) {
			score = 0.3
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, SymbolHit{Symbol: sym, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Symbol.File != hits[j].Symbol.File {
			return hits[i].Symbol.File < hits[j].Symbol.File
		}
		return hits[i].Symbol.StartLine < hits[j].Symbol.StartLine
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}

	logging.IndexDebug("TrigramSearch %q: %d hits", query, len(hits))
	return hits, nil
}

// LookupSymbolByName finds a symbol by exact qualified name in the current
// generation.
func (s *Store) LookupSymbolByName(ctx context.Context, key types.RepoKey, fqName string) (*types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.file, s.sym_name, s.qualified_name, s.kind, s.start_line, s.end_line,
			s.signature, s.docstring, s.parent_symbol, s.visibility, s.is_static
		FROM symbols s
		JOIN repos r ON r.owner = s.owner AND r.name = s.name AND s.generation = r.current_generation
		WHERE s.owner = ? AND s.name = ? AND s.qualified_name = ?`,
		key.Owner, key.Name, fqName)

	sym, err := scanSymbol(row, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("symbol %s not found in %s", fqName, key)
		}
		return nil, err
	}
	return sym, nil
}

// RouteFilter narrows ListRoutes output.
type RouteFilter struct {
	Method      types.HTTPMethod
	URIContains string
}

// ListRoutes returns the routes of the current generation, optionally
// filtered, ordered by (source_file, start_line) for stable output.
func (s *Store) ListRoutes(ctx context.Context, key types.RepoKey, filter RouteFilter) ([]types.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.method, t.uri, t.full_uri, t.route_name, t.handler_type,
			t.controller, t.action, t.middleware, t.source_file, t.start_line
		FROM routes t
		JOIN repos r ON r.owner = t.owner AND r.name = t.name AND t.generation = r.current_generation
		WHERE t.owner = ? AND t.name = ?
		ORDER BY t.source_file, t.start_line, t.full_uri`,
		key.Owner, key.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []types.Route
	for rows.Next() {
		var r types.Route
		var method, handlerType, middleware string
		if err := rows.Scan(&r.ID, &method, &r.URI, &r.FullURI, &r.Name, &handlerType,
			&r.Controller, &r.Action, &middleware, &r.SourceFile, &r.StartLine); err != nil {
			return nil, err
		}
		r.Repo = key
		r.Method = types.HTTPMethod(method)
		r.HandlerType = types.HandlerType(handlerType)
		if err := json.Unmarshal([]byte(middleware), &r.Middleware); err != nil {
			return nil, fmt.Errorf("unmarshal middleware for %s: %w", r.FullURI, err)
		}

		if filter.Method != "" && r.Method != filter.Method {
			continue
		}
		if filter.URIContains != "" && !strings.Contains(r.FullURI, filter.URIContains) {
			continue
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// ListMigrations returns the migrations of the current generation.
func (s *Store) ListMigrations(ctx context.Context, key types.RepoKey) ([]types.Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.file_path, m.table_name, m.operation, m.is_destructive, m.destructive_ops
		FROM migrations m
		JOIN repos r ON r.owner = m.owner AND r.name = m.name AND m.generation = r.current_generation
		WHERE m.owner = ? AND m.name = ?
		ORDER BY m.file_path`,
		key.Owner, key.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []types.Migration
	for rows.Next() {
		var m types.Migration
		var operation, ops string
		var destructive int
		if err := rows.Scan(&m.ID, &m.FilePath, &m.TableName, &operation, &destructive, &ops); err != nil {
			return nil, err
		}
		m.Repo = key
		m.Operation = types.MigrationOp(operation)
		m.IsDestructive = destructive != 0
		if err := json.Unmarshal([]byte(ops), &m.DestructiveOperations); err != nil {
			return nil, fmt.Errorf("unmarshal destructive ops for %s: %w", m.FilePath, err)
		}
		migrations = append(migrations, m)
	}
	return migrations, rows.Err()
}

// currentSymbols loads every symbol of the repo's current generation.
func (s *Store) currentSymbols(ctx context.Context, key types.RepoKey) ([]types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.file, s.sym_name, s.qualified_name, s.kind, s.start_line, s.end_line,
			s.signature, s.docstring, s.parent_symbol, s.visibility, s.is_static
		FROM symbols s
		JOIN repos r ON r.owner = s.owner AND r.name = s.name AND s.generation = r.current_generation
		WHERE s.owner = ? AND s.name = ?
		ORDER BY s.file, s.start_line`,
		key.Owner, key.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []types.Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows, key)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, *sym)
	}
	return symbols, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSymbol(row rowScanner, key types.RepoKey) (*types.Symbol, error) {
	var sym types.Symbol
	var kind string
	var isStatic int
	err := row.Scan(&sym.ID, &sym.File, &sym.Name, &sym.QualifiedName, &kind,
		&sym.StartLine, &sym.EndLine, &sym.Signature, &sym.Docstring,
		&sym.ParentSymbol, &sym.Visibility, &isStatic)
	if err != nil {
		return nil, err
	}
	sym.Repo = key
	sym.Kind = types.SymbolKind(kind)
	sym.IsStatic = isStatic != 0
	return &sym, nil
}

// =============================================================================
// TRIGRAM METRIC
// =============================================================================

// trigramSet builds the padded trigram set of a string, pg_trgm style:
// lowercase, two leading and one trailing space of padding per word.
func trigramSet(s string) map[string]bool {
	grams := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(s)) {
		padded := "  " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			grams[padded[i:i+3]] = true
		}
	}
	return grams
}

// trigramSimilarity is the Jaccard similarity of two trigram sets.
func trigramSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for gram := range a {
		if b[gram] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
