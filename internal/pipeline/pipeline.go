// Package pipeline runs indexing: enumerate a repository at a commit, parse
// every file, and land the complete generation in the index and vector
// stores. Runs are idempotent per (repo, commit) and serialized by a lease;
// failures leave the previous generation readable.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"reposcope/internal/analyze"
	"reposcope/internal/embedding"
	"reposcope/internal/index"
	"reposcope/internal/logging"
	"reposcope/internal/metering"
	"reposcope/internal/phpast"
	"reposcope/internal/source"
	"reposcope/internal/types"
	"reposcope/internal/vector"
)

// Pipeline indexes repositories.
type Pipeline struct {
	provider source.Provider
	store    *index.Store
	vectors  vector.Store
	engine   embedding.Engine
	sink     metering.Sink

	skipPaths []string
	chunker   vector.ChunkerConfig
}

// Config configures a Pipeline.
type Config struct {
	SkipPaths []string // nil means the analyzer's built-in skiplist
	Chunker   vector.ChunkerConfig
}

// New creates an indexing pipeline.
func New(provider source.Provider, store *index.Store, vectors vector.Store, engine embedding.Engine, sink metering.Sink, cfg Config) *Pipeline {
	if cfg.Chunker.Threshold <= 0 {
		cfg.Chunker = vector.DefaultChunkerConfig()
	}
	if sink == nil {
		sink = metering.NopSink{}
	}
	return &Pipeline{
		provider:  provider,
		store:     store,
		vectors:   vectors,
		engine:    engine,
		sink:      sink,
		skipPaths: cfg.SkipPaths,
		chunker:   cfg.Chunker,
	}
}

// Result summarizes one indexing run.
type Result struct {
	Commit      string
	Files       int
	Symbols     int
	Routes      int
	Migrations  int
	Chunks      int
	ParseErrors []types.ParseError
}

// Index runs a full indexing pass for (repo, commit). A second run for the
// same pair is a no-op while the lease is held and byte-identical when
// repeated, so retries are safe.
func (p *Pipeline) Index(ctx context.Context, repo types.RepoKey, commit string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Index "+repo.String())
	defer timer.Stop()

	acquired, err := p.store.AcquireLease(ctx, repo, commit)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("indexing already in progress for %s@%s", repo, commit)
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), repo, commit); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Release lease failed: %v", err)
		}
	}()

	if err := p.store.SetRepoStatus(ctx, repo, types.RepoIndexing, ""); err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}

	result, err := p.run(ctx, repo, commit)
	if err != nil {
		// The previous generation stays readable; only the status records
		// the failure.
		statusErr := p.store.SetRepoStatus(context.WithoutCancel(ctx), repo, types.RepoFailed, source.Sanitize(err.Error()))
		if statusErr != nil {
			logging.Get(logging.CategoryPipeline).Error("Could not record failure: %v", statusErr)
		}
		return nil, err
	}

	return result, nil
}

func (p *Pipeline) run(ctx context.Context, repo types.RepoKey, commit string) (*Result, error) {
	infos, err := p.provider.ListFiles(ctx, repo, commit)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	result := &Result{Commit: commit}
	payload := index.GenerationPayload{}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	// AST parsing is CPU-bound; bound the fan-out to the host.
	g.SetLimit(runtime.NumCPU())

	for _, info := range infos {
		if analyze.SkipPath(info.Path, p.skipPaths) {
			continue
		}
		if !strings.HasSuffix(info.Path, ".php") {
			mu.Lock()
			payload.Files = append(payload.Files, types.File{
				Repo: repo, Path: info.Path, BlobSHA: info.BlobSHA, SizeBytes: info.Size,
			})
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			content, err := p.provider.GetFile(gctx, repo, commit, info.Path)
			if err != nil {
				// Per-file provider errors skip the file, not the run.
				logging.Get(logging.CategoryPipeline).Warn("Skipping %s: %v", info.Path, err)
				return nil
			}

			extractor := phpast.NewExtractor()
			defer extractor.Close()

			extraction, err := extractor.Extract(gctx, repo, info.Path, content)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			payload.Files = append(payload.Files, types.File{
				Repo: repo, Path: info.Path, BlobSHA: info.BlobSHA,
				Language: "php", SizeBytes: info.Size,
			})
			payload.Symbols = append(payload.Symbols, extraction.Symbols...)
			payload.Routes = append(payload.Routes, extraction.Routes...)
			if extraction.Migration != nil {
				payload.Migrations = append(payload.Migrations, *extraction.Migration)
			}
			if extraction.ParseErr != nil {
				result.ParseErrors = append(result.ParseErrors, *extraction.ParseErr)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortPayload(&payload)

	// Embedding is pure computation; it runs before any store is touched so
	// an embedding failure leaves both stores on the previous generation.
	chunks := vector.ChunkSymbols(payload.Symbols, p.chunker)
	vectors, embeddingTokens, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	if err := p.store.ReplaceAllForRepo(ctx, repo, commit, payload); err != nil {
		return nil, fmt.Errorf("generation swap: %w", err)
	}

	// The vector swap strictly follows the committed index swap: a failure
	// from here marks the run failed without having disturbed the vector
	// store while the index still pointed at the old generation.
	if err := p.storeVectors(ctx, repo, chunks, vectors); err != nil {
		return nil, err
	}

	result.Files = len(payload.Files)
	result.Symbols = len(payload.Symbols)
	result.Routes = len(payload.Routes)
	result.Migrations = len(payload.Migrations)
	result.Chunks = len(chunks)

	p.sink.Record(metering.Event{
		Kind:            metering.EventIndexed,
		EmbeddingTokens: embeddingTokens,
		Metadata: map[string]string{
			"repo":   repo.String(),
			"commit": commit,
		},
	})

	logging.Pipeline("Indexed %s@%s: %d files, %d symbols, %d routes, %d migrations, %d chunks, %d parse errors",
		repo, commit, result.Files, result.Symbols, result.Routes, result.Migrations, result.Chunks, len(result.ParseErrors))
	return result, nil
}

// embedChunks embeds all chunk texts, returning the vectors and the
// estimated embedding token count. No store is mutated here.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []vector.Chunk) ([][]float32, int, error) {
	if len(chunks) == 0 {
		return nil, 0, nil
	}

	texts := make([]string, len(chunks))
	tokens := 0
	for i, chunk := range chunks {
		texts[i] = chunk.Text
		tokens += metering.CountTokens(chunk.Text)
	}

	vectors, err := p.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, 0, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return nil, 0, fmt.Errorf("embedding count mismatch: %d != %d", len(vectors), len(chunks))
	}

	return vectors, tokens, nil
}

// storeVectors replaces the repo's vectors wholesale so the vector store
// mirrors the generation the index store just flipped to. Only called
// after ReplaceAllForRepo has committed.
func (p *Pipeline) storeVectors(ctx context.Context, repo types.RepoKey, chunks []vector.Chunk, vectors [][]float32) error {
	if err := p.vectors.DeleteRepo(ctx, repo); err != nil {
		return fmt.Errorf("clear vectors: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := p.vectors.UpsertVectors(ctx, chunks, vectors); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	return nil
}

// sortPayload orders the generation deterministically so re-indexing the
// same commit produces an identical payload.
func sortPayload(payload *index.GenerationPayload) {
	sort.Slice(payload.Files, func(i, j int) bool {
		return payload.Files[i].Path < payload.Files[j].Path
	})
	sort.Slice(payload.Symbols, func(i, j int) bool {
		a, b := payload.Symbols[i], payload.Symbols[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.StartLine < b.StartLine
	})
	sort.Slice(payload.Routes, func(i, j int) bool {
		a, b := payload.Routes[i], payload.Routes[j]
		if a.SourceFile != b.SourceFile {
			return a.SourceFile < b.SourceFile
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		return a.FullURI < b.FullURI
	})
	sort.Slice(payload.Migrations, func(i, j int) bool {
		return payload.Migrations[i].FilePath < payload.Migrations[j].FilePath
	})
}
