package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ragpipe/internal/adapter/chunker"
	"ragpipe/internal/adapter/embedding"
	"ragpipe/internal/adapter/generator"
	"ragpipe/internal/adapter/loader"
	"ragpipe/internal/adapter/qdrant"
	"ragpipe/internal/domain"
	"ragpipe/internal/retry"
)

// Index backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendQdrant = "qdrant"
)

// Config holds all configuration for the pipeline.
type Config struct {
	Chunk     ChunkConfig     `yaml:"chunk"`
	Loader    LoaderConfig    `yaml:"loader"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Retrieve  RetrieveConfig  `yaml:"retrieve"`
	Generator GeneratorConfig `yaml:"generator"`
	Server    ServerConfig    `yaml:"server"`
	Retry     retry.Policy    `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ChunkConfig holds chunking parameters, counted in characters.
type ChunkConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// LoaderConfig selects files when a source is a directory.
type LoaderConfig struct {
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"`    // "openai", "ollama", "mock"
	Model       string        `yaml:"model"`       // e.g., "text-embedding-3-small"
	APIKeyEnv   string        `yaml:"api_key_env"` // Environment variable for API key
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	Dimension   int           `yaml:"dimension"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// IndexConfig holds vector index configuration.
type IndexConfig struct {
	Backend string       `yaml:"backend"` // "memory", "bolt", "qdrant"
	Path    string       `yaml:"path"`    // bolt file, relative to the project dir
	Qdrant  QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig points at a Qdrant server.
type QdrantConfig struct {
	URL        string        `yaml:"url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RetrieveConfig holds retrieval configuration.
type RetrieveConfig struct {
	TopK      int     `yaml:"top_k"`
	Separator string  `yaml:"separator"`
	MinScore  float64 `yaml:"min_score"` // Filter results below this score (0 = disabled)
}

// GeneratorConfig holds chat model configuration.
type GeneratorConfig struct {
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	BaseURL     string        `yaml:"base_url"`
	// Temperature defaults to 0.7. Zero is sent as zero.
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	RateLimit     int           `yaml:"rate_limit"`  // requests per window per client IP
	RateWindow    time.Duration `yaml:"rate_window"`
	MaxMessageLen int           `yaml:"max_message_len"`
	MaxUploadMB   int           `yaml:"max_upload_mb"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Chunk: ChunkConfig{
			Size:    chunker.DefaultChunkSize,
			Overlap: chunker.DefaultOverlap,
		},
		Loader: LoaderConfig{
			Includes: loader.DefaultIncludes,
			Excludes: loader.DefaultExcludes,
		},
		Embedding: EmbeddingConfig{
			Provider:    embedding.ProviderOpenAI,
			Model:       "text-embedding-3-small",
			APIKeyEnv:   "OPENAI_API_KEY",
			Timeout:     30 * time.Second,
			Dimension:   1536,
			BatchSize:   64,
			Concurrency: 4,
			CacheSize:   256,
			CacheTTL:    10 * time.Minute,
		},
		Index: IndexConfig{
			Backend: BackendBolt,
			Path:    filepath.Join(".rag", "index.db"),
			Qdrant: QdrantConfig{
				URL:        "http://localhost:6333",
				APIKeyEnv:  "QDRANT_API_KEY",
				Collection: "documents",
				Timeout:    10 * time.Second,
			},
		},
		Retrieve: RetrieveConfig{
			TopK: 4,
		},
		Generator: GeneratorConfig{
			Model:       generator.DefaultModel,
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: 0.7,
			MaxTokens:   1000,
			Timeout:     60 * time.Second,
		},
		Server: ServerConfig{
			Addr:          ":8080",
			RateLimit:     10,
			RateWindow:    60 * time.Second,
			MaxMessageLen: 4000,
			MaxUploadMB:   10,
		},
		Retry: retry.DefaultPolicy(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for rag.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "rag.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".rag", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Chunk.Size <= c.Chunk.Overlap || c.Chunk.Overlap <= 0 {
		return &domain.ConfigurationError{
			Field:  "chunk",
			Reason: fmt.Sprintf("need size > overlap > 0, got size=%d overlap=%d", c.Chunk.Size, c.Chunk.Overlap),
		}
	}
	switch c.Embedding.Provider {
	case embedding.ProviderOpenAI, embedding.ProviderOllama, embedding.ProviderMock:
	default:
		return &domain.ConfigurationError{Field: "embedding.provider", Reason: fmt.Sprintf("unsupported provider %q", c.Embedding.Provider)}
	}
	switch c.Index.Backend {
	case BackendMemory, BackendBolt, BackendQdrant:
	default:
		return &domain.ConfigurationError{Field: "index.backend", Reason: fmt.Sprintf("unsupported backend %q", c.Index.Backend)}
	}
	if c.Retrieve.TopK <= 0 {
		return &domain.ConfigurationError{Field: "retrieve.top_k", Reason: "must be positive"}
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return &domain.ConfigurationError{Field: "generator.temperature", Reason: "must be between 0 and 2"}
	}
	if c.Generator.MaxTokens < 1 || c.Generator.MaxTokens > 4000 {
		return &domain.ConfigurationError{Field: "generator.max_tokens", Reason: "must be between 1 and 4000"}
	}
	return nil
}

// EmbeddingProvider returns the provider configuration with the API key
// read from the environment.
func (c *Config) EmbeddingProvider() embedding.Config {
	return embedding.Config{
		Provider:  c.Embedding.Provider,
		Model:     c.Embedding.Model,
		APIKey:    getenv(c.Embedding.APIKeyEnv),
		BaseURL:   c.Embedding.BaseURL,
		Timeout:   c.Embedding.Timeout,
		Dimension: c.Embedding.Dimension,
	}
}

// GeneratorProvider returns the chat model configuration with the API key
// read from the environment.
func (c *Config) GeneratorProvider() generator.Config {
	return generator.Config{
		Model:       c.Generator.Model,
		APIKey:      getenv(c.Generator.APIKeyEnv),
		BaseURL:     c.Generator.BaseURL,
		Temperature: c.Generator.Temperature,
		MaxTokens:   c.Generator.MaxTokens,
		Timeout:     c.Generator.Timeout,
	}
}

// QdrantStore returns the Qdrant client configuration.
func (c *Config) QdrantStore() qdrant.Config {
	return qdrant.Config{
		URL:        c.Index.Qdrant.URL,
		APIKey:     getenv(c.Index.Qdrant.APIKeyEnv),
		Collection: c.Index.Qdrant.Collection,
		Timeout:    c.Index.Qdrant.Timeout,
		Retry:      c.Retry,
	}
}

// IndexDBPath returns the path to the index database.
func (c *Config) IndexDBPath(dir string) string {
	if filepath.IsAbs(c.Index.Path) {
		return c.Index.Path
	}
	return filepath.Join(dir, c.Index.Path)
}

// EnsureRAGDir ensures the .rag directory exists.
func EnsureRAGDir(dir string) error {
	ragDir := filepath.Join(dir, ".rag")
	return os.MkdirAll(ragDir, 0755)
}

func getenv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
