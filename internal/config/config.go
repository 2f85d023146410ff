// Package config loads and validates reposcope configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"reposcope/internal/logging"
)

// Config holds all reposcope configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store     StoreConfig     `yaml:"store"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Snippet   SnippetConfig   `yaml:"snippet"`
	Answerer  AnswererConfig  `yaml:"answerer"`
	Review    ReviewConfig    `yaml:"review"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the relational index store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// VectorConfig configures the embedding store backend.
type VectorConfig struct {
	// Backend: "sqlite" (sqlite-vec, default) or "qdrant"
	Backend        string `yaml:"backend"`
	QdrantHost     string `yaml:"qdrant_host"`
	QdrantPort     int    `yaml:"qdrant_port"`
	QdrantAPIKey   string `yaml:"qdrant_api_key"`
	CollectionName string `yaml:"collection_name"`
	// ChunkThreshold is the minimum symbol span, in lines, that gets a chunk.
	ChunkThreshold int `yaml:"chunk_threshold"`
	WindowLines    int `yaml:"window_lines"`
	OverlapLines   int `yaml:"overlap_lines"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	// Provider: "genai" or "ollama"
	Provider       string `yaml:"provider"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
}

// LLMConfig configures the language model used for phrasing.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Timeout   string `yaml:"timeout"`
	MaxTokens int    `yaml:"max_tokens"`
}

// RetrieverConfig configures hybrid retrieval fan-out and merging.
type RetrieverConfig struct {
	VectorK    int    `yaml:"vector_k"`
	TrigramK   int    `yaml:"trigram_k"`
	FinalK     int    `yaml:"final_k"`
	LegTimeout string `yaml:"leg_timeout"`
}

// SnippetConfig configures on-demand source fetching.
type SnippetConfig struct {
	MaxChars     int    `yaml:"max_chars"`
	TTL          string `yaml:"ttl"`
	FetchTimeout string `yaml:"fetch_timeout"`
}

// AnswererConfig configures the constrained answerer.
type AnswererConfig struct {
	MaxTokens           int `yaml:"max_tokens"`
	RetryOnParseFailure int `yaml:"retry_on_parse_failure"`
}

// ReviewConfig configures PR review orchestration.
type ReviewConfig struct {
	MaxCriticalExplanations int `yaml:"max_critical_explanations"`
}

// AnalyzerConfig configures the high-precision analyzer.
type AnalyzerConfig struct {
	SkipPaths []string `yaml:"skip_paths"`
	DiffOnly  bool     `yaml:"diff_only"`
}

// LoggingConfig mirrors the file-logging settings read by internal/logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	DebugMode  bool   `yaml:"debug_mode"`
	JSONFormat bool   `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "reposcope",
		Version: "0.4.0",

		Store: StoreConfig{
			DatabasePath: "data/reposcope.db",
		},

		Vector: VectorConfig{
			Backend:        "sqlite",
			QdrantHost:     "localhost",
			QdrantPort:     6334,
			CollectionName: "reposcope_chunks",
			ChunkThreshold: 12,
			WindowLines:    40,
			OverlapLines:   10,
		},

		Embedding: EmbeddingConfig{
			Provider:       "genai",
			GenAIModel:     "gemini-embedding-001",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
		},

		LLM: LLMConfig{
			Model:     "gemini-2.5-flash",
			Timeout:   "30s",
			MaxTokens: 1500,
		},

		Retriever: RetrieverConfig{
			VectorK:    15,
			TrigramK:   10,
			FinalK:     15,
			LegTimeout: "3s",
		},

		Snippet: SnippetConfig{
			MaxChars:     500,
			TTL:          "1h",
			FetchTimeout: "10s",
		},

		Answerer: AnswererConfig{
			MaxTokens:           1500,
			RetryOnParseFailure: 1,
		},

		Review: ReviewConfig{
			MaxCriticalExplanations: 5,
		},

		Analyzer: AnalyzerConfig{
			SkipPaths: nil, // nil means the built-in skiplist
			DiffOnly:  true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("Loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("Failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: llm=%s embedding=%s vector=%s", cfg.LLM.Model, cfg.Embedding.Provider, cfg.Vector.Backend)

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.Embedding.GenAIAPIKey = key
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
	}
	if model := os.Getenv("REPOSCOPE_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if path := os.Getenv("REPOSCOPE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if backend := os.Getenv("REPOSCOPE_VECTOR_BACKEND"); backend != "" {
		c.Vector.Backend = backend
	}
	if host := os.Getenv("QDRANT_HOST"); host != "" {
		c.Vector.Backend = "qdrant"
		c.Vector.QdrantHost = host
	}
	if port := os.Getenv("QDRANT_PORT"); port != "" {
		c.Vector.QdrantPort = cast.ToInt(port)
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		c.Vector.QdrantAPIKey = key
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.Provider = "ollama"
		c.Embedding.OllamaEndpoint = endpoint
	}
	if k := os.Getenv("REPOSCOPE_FINAL_K"); k != "" {
		c.Retriever.FinalK = cast.ToInt(k)
	}
	if ttl := os.Getenv("REPOSCOPE_SNIPPET_TTL"); ttl != "" {
		c.Snippet.TTL = ttl
	}
}

// GetLLMTimeout returns the LLM call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetLegTimeout returns the per-leg retrieval timeout as a duration.
func (c *Config) GetLegTimeout() time.Duration {
	d, err := time.ParseDuration(c.Retriever.LegTimeout)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// GetSnippetTTL returns the snippet cache TTL as a duration.
func (c *Config) GetSnippetTTL() time.Duration {
	d, err := time.ParseDuration(c.Snippet.TTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetFetchTimeout returns the provider fetch timeout as a duration.
func (c *Config) GetFetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Snippet.FetchTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Vector.Backend {
	case "sqlite", "qdrant":
	default:
		return fmt.Errorf("invalid vector backend: %s (valid: sqlite, qdrant)", c.Vector.Backend)
	}
	switch c.Embedding.Provider {
	case "genai", "ollama":
	default:
		return fmt.Errorf("invalid embedding provider: %s (valid: genai, ollama)", c.Embedding.Provider)
	}
	if c.Retriever.FinalK <= 0 {
		return fmt.Errorf("retriever.final_k must be positive")
	}
	if c.Snippet.MaxChars <= 0 {
		return fmt.Errorf("snippet.max_chars must be positive")
	}
	return nil
}
