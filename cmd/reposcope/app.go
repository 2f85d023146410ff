package main

import (
	"fmt"
	"os"
	"strings"

	"reposcope/internal/config"
	"reposcope/internal/embedding"
	"reposcope/internal/index"
	"reposcope/internal/llm"
	"reposcope/internal/metering"
	"reposcope/internal/snippet"
	"reposcope/internal/source"
	"reposcope/internal/types"
	"reposcope/internal/vector"
)

// app bundles the wired stores and engines a command needs.
type app struct {
	cfg      *config.Config
	store    *index.Store
	vectors  vector.Store
	engine   embedding.Engine
	provider source.Provider
	snippets *snippet.Fetcher
	sink     *metering.FileSink
}

// newApp wires the component graph from config. needEmbeddings gates the
// embedding engine so metadata-only commands work without an API key.
func newApp(needEmbeddings bool) (*app, error) {
	store, err := index.NewStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}

	var engine embedding.Engine
	if needEmbeddings {
		engine, err = embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
			GenAIModel:     cfg.Embedding.GenAIModel,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	dimensions := 0
	backend := cfg.Vector.Backend
	if engine != nil {
		dimensions = engine.Dimensions()
	} else {
		// Metadata-only commands never touch vectors; the local backend
		// avoids requiring a qdrant connection just to list routes.
		backend = "sqlite"
	}
	vectors, err := vector.NewStore(vector.Config{
		Backend:        backend,
		DatabasePath:   vectorDBPath(cfg.Store.DatabasePath),
		QdrantHost:     cfg.Vector.QdrantHost,
		QdrantPort:     cfg.Vector.QdrantPort,
		QdrantAPIKey:   cfg.Vector.QdrantAPIKey,
		CollectionName: cfg.Vector.CollectionName,
		Dimensions:     dimensions,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	provider := source.NewFSProvider(sourceRoot)
	snippets := snippet.NewFetcher(provider, snippet.Config{
		MaxChars: cfg.Snippet.MaxChars,
		TTL:      cfg.GetSnippetTTL(),
	})

	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	sink, err := metering.NewFileSink(ws)
	if err != nil {
		vectors.Close()
		store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    store,
		vectors:  vectors,
		engine:   engine,
		provider: provider,
		snippets: snippets,
		sink:     sink,
	}, nil
}

func (a *app) close() {
	_ = a.sink.Save()
	_ = a.vectors.Close()
	_ = a.store.Close()
}

// newLLMClient builds the phrasing model client; nil when no key is set.
func newLLMClient() (llm.Client, error) {
	if cfg.LLM.APIKey == "" {
		return nil, nil
	}
	return llm.NewGenAIClient(cfg.LLM.APIKey, cfg.LLM.Model)
}

// parseRepoArg splits "owner/name" into a repo key.
func parseRepoArg(arg string) (types.RepoKey, error) {
	owner, name, ok := strings.Cut(arg, "/")
	if !ok || owner == "" || name == "" {
		return types.RepoKey{}, fmt.Errorf("repository must be owner/name, got %q", arg)
	}
	return types.RepoKey{Owner: owner, Name: name}, nil
}

// vectorDBPath derives the sqlite vector database path next to the index db.
func vectorDBPath(indexPath string) string {
	if indexPath == ":memory:" {
		return ":memory:"
	}
	if strings.HasSuffix(indexPath, ".db") {
		return strings.TrimSuffix(indexPath, ".db") + "_vectors.db"
	}
	return indexPath + "_vectors"
}
