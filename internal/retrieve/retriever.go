// Package retrieve implements hybrid retrieval: a trigram leg over indexed
// symbols and a dense-vector leg over embedded chunks, fanned out in
// parallel, merged by location, ranked deterministically and hydrated with
// literal source text.
package retrieve

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"reposcope/internal/embedding"
	"reposcope/internal/index"
	"reposcope/internal/logging"
	"reposcope/internal/snippet"
	"reposcope/internal/types"
	"reposcope/internal/vector"
)

// Retriever fans a query out to the index store and the embedding store,
// merges the legs and hydrates the winners.
type Retriever struct {
	index    *index.Store
	vectors  vector.Store
	engine   embedding.Engine
	snippets *snippet.Fetcher

	trigramK   int
	vectorK    int
	finalK     int
	legTimeout time.Duration
}

// Config configures a Retriever.
type Config struct {
	TrigramK   int           // default 10
	VectorK    int           // default 15
	FinalK     int           // default 15
	LegTimeout time.Duration // default 3s
}

// New creates a hybrid retriever.
func New(indexStore *index.Store, vectors vector.Store, engine embedding.Engine, snippets *snippet.Fetcher, cfg Config) *Retriever {
	if cfg.TrigramK <= 0 {
		cfg.TrigramK = 10
	}
	if cfg.VectorK <= 0 {
		cfg.VectorK = 15
	}
	if cfg.FinalK <= 0 {
		cfg.FinalK = 15
	}
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = 3 * time.Second
	}
	return &Retriever{
		index:      indexStore,
		vectors:    vectors,
		engine:     engine,
		snippets:   snippets,
		trigramK:   cfg.TrigramK,
		vectorK:    cfg.VectorK,
		finalK:     cfg.FinalK,
		legTimeout: cfg.LegTimeout,
	}
}

// candidate is a merged retrieval result before hydration.
type candidate struct {
	file       string
	startLine  int
	endLine    int
	symbolName string
	score      float64
	sourceType types.SourceType
}

// Retrieve runs both legs for a query and returns the numbered, hydrated
// source list. For a fixed (repo, commit, query) the ordering is
// deterministic: score descending, then file, then start line.
func (r *Retriever) Retrieve(ctx context.Context, repo types.RepoKey, commit, query string) ([]types.Source, error) {
	timer := logging.StartTimer(logging.CategoryRetrieve, "Retrieve")
	defer timer.Stop()

	keywords := ExtractKeywords(query)
	logging.RetrieveDebug("Query %q -> keywords %v", query, keywords)

	var (
		trigramHits []index.SymbolHit
		vectorHits  []vector.Hit
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if len(keywords) == 0 {
			return nil
		}
		legCtx, cancel := context.WithTimeout(gctx, r.legTimeout)
		defer cancel()
		hits, err := r.index.TrigramSearch(legCtx, repo, strings.Join(keywords, " "), r.trigramK)
		if err != nil {
			return fmt.Errorf("trigram leg: %w", err)
		}
		trigramHits = hits
		return nil
	})

	g.Go(func() error {
		legCtx, cancel := context.WithTimeout(gctx, r.legTimeout)
		defer cancel()
		queryVec, err := r.engine.Embed(legCtx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		hits, err := r.vectors.Search(legCtx, repo, queryVec, r.vectorK)
		if err != nil {
			return fmt.Errorf("vector leg: %w", err)
		}
		vectorHits = hits
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := merge(trigramHits, vectorHits)
	if len(merged) > r.finalK {
		merged = merged[:r.finalK]
	}

	sources := r.hydrate(ctx, repo, commit, merged)
	logging.Retrieve("Retrieved %d sources for %q (%d trigram, %d vector)",
		len(sources), query, len(trigramHits), len(vectorHits))
	return sources, nil
}

// merge deduplicates the two legs by (file, start_line), keeping the max of
// the normalized scores and marking overlaps as "both". Ties break on file
// then start line; stability matters for testability.
func merge(trigramHits []index.SymbolHit, vectorHits []vector.Hit) []candidate {
	type mergeKey struct {
		file  string
		start int
	}
	byKey := make(map[mergeKey]*candidate)

	for _, hit := range trigramHits {
		key := mergeKey{hit.Symbol.File, hit.Symbol.StartLine}
		byKey[key] = &candidate{
			file:       hit.Symbol.File,
			startLine:  hit.Symbol.StartLine,
			endLine:    hit.Symbol.EndLine,
			symbolName: hit.Symbol.QualifiedName,
			score:      hit.Score,
			sourceType: types.SourceTrigram,
		}
	}

	for _, hit := range vectorHits {
		key := mergeKey{hit.Key.File, hit.Key.StartLine}
		if existing, ok := byKey[key]; ok {
			if hit.Score > existing.score {
				existing.score = hit.Score
			}
			existing.sourceType = types.SourceBoth
			if existing.endLine < hit.Key.EndLine {
				existing.endLine = hit.Key.EndLine
			}
			continue
		}
		byKey[key] = &candidate{
			file:       hit.Key.File,
			startLine:  hit.Key.StartLine,
			endLine:    hit.Key.EndLine,
			symbolName: hit.QualifiedName,
			score:      hit.Score,
			sourceType: types.SourceVector,
		}
	}

	candidates := lo.Map(lo.Values(byKey), func(c *candidate, _ int) candidate { return *c })
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].file != candidates[j].file {
			return candidates[i].file < candidates[j].file
		}
		return candidates[i].startLine < candidates[j].startLine
	})
	return candidates
}

// hydrate numbers the candidates and attaches literal source text. Provider
// failures become placeholder content rather than dropped slots, so source
// indices stay aligned with what the caller saw.
func (r *Retriever) hydrate(ctx context.Context, repo types.RepoKey, commit string, candidates []candidate) []types.Source {
	sources := make([]types.Source, 0, len(candidates))
	for i, c := range candidates {
		content, err := r.snippets.Fetch(ctx, repo, commit, c.file, c.startLine, c.endLine)
		if err != nil {
			logging.Get(logging.CategoryRetrieve).Warn("Hydration failed for %s:%d: %v", c.file, c.startLine, err)
			content = fmt.Sprintf("[Could not fetch: %v]", err)
		}
		sources = append(sources, types.Source{
			Index:      i + 1,
			File:       c.file,
			StartLine:  c.startLine,
			EndLine:    c.endLine,
			Content:    content,
			SymbolName: c.symbolName,
			Score:      c.score,
			Type:       c.sourceType,
		})
	}
	return sources
}

// =============================================================================
// KEYWORD EXTRACTION
// =============================================================================

var wordRe = regexp.MustCompile(`[a-z0-9_]+`)

// stopwords are dropped from queries before the trigram leg.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"has": true, "have": true, "was": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "how": true, "why": true,
	"who": true, "does": true, "did": true, "this": true,
	"that": true, "with": true, "from": true, "into": true, "about": true,
	"work": true, "works": true, "used": true, "uses": true, "use": true,
	"there": true, "their": true, "they": true, "them": true, "then": true,
	"code": true, "file": true, "files": true,
}

// ExtractKeywords lowercases, tokenizes on word boundaries, drops stopwords
// and tokens shorter than 3 characters, and keeps at most 5 keywords.
func ExtractKeywords(query string) []string {
	tokens := wordRe.FindAllString(strings.ToLower(query), -1)
	keywords := make([]string, 0, 5)
	seen := make(map[string]bool)
	for _, token := range tokens {
		if len(token) < 3 || stopwords[token] || seen[token] {
			continue
		}
		seen[token] = true
		keywords = append(keywords, token)
		if len(keywords) == 5 {
			break
		}
	}
	return keywords
}
