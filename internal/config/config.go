package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"memoire/internal/models"
)

type Config struct {
	Embedder    EmbedderConfig    `yaml:"embedder" toml:"embedder"`
	VectorStore VectorStoreConfig `yaml:"vector_store" toml:"vector_store"`
	Generator   GeneratorConfig   `yaml:"generator" toml:"generator"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" toml:"retrieval"`
	Memory      MemoryConfig      `yaml:"memory" toml:"memory"`
	Ingest      IngestConfig      `yaml:"ingest" toml:"ingest"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// EmbedderConfig selects and configures the embedding provider.
// Provider is one of openai, ollama, huggingface or hash.
type EmbedderConfig struct {
	Provider    string `yaml:"provider" toml:"provider"`
	Model       string `yaml:"model" toml:"model"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env" toml:"api_key_env"`
	Dimension   int    `yaml:"dimension" toml:"dimension"`
	TimeoutSecs int    `yaml:"timeout_secs" toml:"timeout_secs"`
}

// VectorStoreConfig selects the index backend: chromem, pgvector or pinecone.
type VectorStoreConfig struct {
	Backend     string         `yaml:"backend" toml:"backend"`
	Index       string         `yaml:"index" toml:"index"`
	Dimension   int            `yaml:"dimension" toml:"dimension"`
	TimeoutSecs int            `yaml:"timeout_secs" toml:"timeout_secs"`
	Chromem     ChromemConfig  `yaml:"chromem" toml:"chromem"`
	Postgres    PostgresConfig `yaml:"postgres" toml:"postgres"`
	Pinecone    PineconeConfig `yaml:"pinecone" toml:"pinecone"`
}

type ChromemConfig struct {
	Path             string `yaml:"path" toml:"path"`
	InMemory         bool   `yaml:"in_memory" toml:"in_memory"`
	Compress         bool   `yaml:"compress" toml:"compress"`
	EncryptionKeyEnv string `yaml:"encryption_key_env" toml:"encryption_key_env"`
}

// PostgresConfig holds the pgvector connection. Driver is pgdriver, pq or pgx.
type PostgresConfig struct {
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
	Driver string `yaml:"driver" toml:"driver"`
	Debug  bool   `yaml:"debug" toml:"debug"`
}

type PineconeConfig struct {
	APIKeyEnv     string `yaml:"api_key_env" toml:"api_key_env"`
	ControllerURL string `yaml:"controller_url" toml:"controller_url"`
	Namespace     string `yaml:"namespace" toml:"namespace"`
	TextKey       string `yaml:"text_key" toml:"text_key"`
}

// GeneratorConfig selects the language model: openai, deepseek, ollama or anthropic.
type GeneratorConfig struct {
	Provider     string   `yaml:"provider" toml:"provider"`
	Model        string   `yaml:"model" toml:"model"`
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	APIKeyEnv    string   `yaml:"api_key_env" toml:"api_key_env"`
	Temperature  *float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt" toml:"system_prompt"`
	TimeoutSecs  int      `yaml:"timeout_secs" toml:"timeout_secs"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k" toml:"top_k"`
}

// MemoryConfig bounds the history fed into prompts. Backend is memory or sqlite.
type MemoryConfig struct {
	Window  int    `yaml:"window" toml:"window"`
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

type IngestConfig struct {
	ChunkSize    int     `yaml:"chunk_size" toml:"chunk_size"`
	ChunkOverlap int     `yaml:"chunk_overlap" toml:"chunk_overlap"`
	MaxChars     int     `yaml:"max_chars" toml:"max_chars"`
	RateLimit    float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst        int     `yaml:"burst" toml:"burst"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr" toml:"addr"`
	ReadTimeoutSecs  int    `yaml:"read_timeout_secs" toml:"read_timeout_secs"`
	WriteTimeoutSecs int    `yaml:"write_timeout_secs" toml:"write_timeout_secs"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// LoadConfig reads a YAML or TOML file (by extension) after loading .env if present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a config document.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Embedder.TimeoutSecs <= 0 {
		c.Embedder.TimeoutSecs = 30
	}
	if c.VectorStore.TimeoutSecs <= 0 {
		c.VectorStore.TimeoutSecs = 30
	}
	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = "chromem"
	}
	if c.VectorStore.Chromem.Path == "" {
		c.VectorStore.Chromem.Path = "./chromemdb"
	}
	if c.VectorStore.Postgres.Driver == "" {
		c.VectorStore.Postgres.Driver = "pgdriver"
	}
	if c.VectorStore.Pinecone.ControllerURL == "" {
		c.VectorStore.Pinecone.ControllerURL = "https://api.pinecone.io"
	}
	if c.VectorStore.Pinecone.TextKey == "" {
		c.VectorStore.Pinecone.TextKey = models.DefaultTextKey
	}
	if c.Generator.Temperature == nil {
		t := models.DefaultTemp
		c.Generator.Temperature = &t
	}
	if c.Generator.MaxTokens <= 0 {
		c.Generator.MaxTokens = models.DefaultMaxToken
	}
	if c.Generator.SystemPrompt == "" {
		c.Generator.SystemPrompt = models.SystemPrompt
	}
	if c.Generator.TimeoutSecs <= 0 {
		c.Generator.TimeoutSecs = 60
	}
	if c.Generator.Provider == "deepseek" && c.Generator.BaseURL == "" {
		c.Generator.BaseURL = "https://api.deepseek.com/v1"
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = models.DefaultTopK
	}
	if c.Memory.Window <= 0 {
		c.Memory.Window = models.DefaultWindow
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Ingest.ChunkSize <= 0 {
		c.Ingest.ChunkSize = 1000
	}
	if c.Ingest.ChunkOverlap <= 0 {
		c.Ingest.ChunkOverlap = 200
	}
	if c.Ingest.MaxChars <= 0 {
		c.Ingest.MaxChars = models.MaxStoredChars
	}
	if c.Ingest.Burst <= 0 {
		c.Ingest.Burst = 1
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutSecs <= 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.WriteTimeoutSecs <= 0 {
		c.Server.WriteTimeoutSecs = 120
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Embedder.Provider {
	case "openai", "ollama", "huggingface":
		if c.Embedder.Model == "" {
			add("embedder.model is required")
		}
	case "hash":
	case "":
		add("embedder.provider is required")
	default:
		add("unknown embedder.provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Dimension <= 0 {
		add("embedder.dimension must be positive")
	}

	switch c.VectorStore.Backend {
	case "chromem", "pgvector", "pinecone":
	default:
		add("unknown vector_store.backend %q", c.VectorStore.Backend)
	}
	if c.VectorStore.Index == "" {
		add("vector_store.index is required")
	}
	if c.VectorStore.Dimension <= 0 {
		add("vector_store.dimension must be positive")
	}
	if c.VectorStore.Backend == "pgvector" && c.VectorStore.Postgres.DSN == "" && c.VectorStore.Postgres.DSNEnv == "" {
		add("vector_store.postgres.dsn or dsn_env is required")
	}
	if c.VectorStore.Backend == "pinecone" && c.VectorStore.Pinecone.APIKeyEnv == "" {
		add("vector_store.pinecone.api_key_env is required")
	}

	switch c.Generator.Provider {
	case "openai", "deepseek", "ollama", "anthropic":
	case "":
		add("generator.provider is required")
	default:
		add("unknown generator.provider %q", c.Generator.Provider)
	}
	if c.Generator.Model == "" {
		add("generator.model is required")
	}
	if t := c.Generator.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("generator.temperature must be within [0, 2]")
	}

	switch c.Memory.Backend {
	case "memory":
	case "sqlite":
		if c.Memory.Path == "" {
			add("memory.path is required for the sqlite backend")
		}
	default:
		add("unknown memory.backend %q", c.Memory.Backend)
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		add("ingest.chunk_overlap must be smaller than ingest.chunk_size")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// APIKey resolves the embedder secret from the environment.
func (c EmbedderConfig) APIKey() string { return os.Getenv(c.APIKeyEnv) }

func (c EmbedderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c GeneratorConfig) APIKey() string { return os.Getenv(c.APIKeyEnv) }

// Temp returns the sampling temperature; an unset value means the default.
func (c GeneratorConfig) Temp() float64 {
	if c.Temperature == nil {
		return models.DefaultTemp
	}
	return *c.Temperature
}

func (c GeneratorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c VectorStoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ConnString prefers the DSN from the environment when dsn_env is set.
func (c PostgresConfig) ConnString() string {
	if c.DSNEnv != "" {
		if v := os.Getenv(c.DSNEnv); v != "" {
			return v
		}
	}
	return c.DSN
}

func (c PineconeConfig) APIKey() string { return os.Getenv(c.APIKeyEnv) }

func (c ChromemConfig) EncryptionKey() string {
	if c.EncryptionKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.EncryptionKeyEnv)
}
