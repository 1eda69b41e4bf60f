// Package bootstrap turns a Config into live components.
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"memoire/internal/chromemdb"
	"memoire/internal/config"
	"memoire/internal/db"
	"memoire/internal/embedding"
	"memoire/internal/helper"
	"memoire/internal/ingest"
	"memoire/internal/llmservice"
	"memoire/internal/memory"
	"memoire/internal/models"
	"memoire/internal/pinecone"
	"memoire/internal/rag"
)

var (
	_ rag.VectorStore     = (*chromemdb.VectorDBManager)(nil)
	_ rag.VectorStore     = (*db.Store)(nil)
	_ rag.VectorStore     = (*pinecone.Client)(nil)
	_ rag.Embedder        = (*embedding.LangchainEmbedder)(nil)
	_ rag.Embedder        = (*embedding.HashEmbedder)(nil)
	_ rag.AnswerGenerator = (*llmservice.Generator)(nil)
)

// OpenStore connects to the configured index. With create set, a missing index
// is created; otherwise it is an error.
func OpenStore(ctx context.Context, cfg config.VectorStoreConfig, create bool) (rag.VectorStore, error) {
	switch cfg.Backend {
	case "chromem":
		return OpenChromem(cfg, create)
	case "pgvector":
		return OpenPostgres(ctx, cfg, create)
	case "pinecone":
		return OpenPinecone(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}

// OpenChromem opens the embedded chromem database. An in-memory database starts
// empty, so its collection is always created.
func OpenChromem(cfg config.VectorStoreConfig, create bool) (*chromemdb.VectorDBManager, error) {
	if !cfg.Chromem.InMemory {
		if err := helper.CreateFolder(cfg.Chromem.Path); err != nil {
			return nil, err
		}
	}
	return chromemdb.NewVectorDBManager(chromemdb.Options{
		Path:          cfg.Chromem.Path,
		Collection:    cfg.Index,
		InMemory:      cfg.Chromem.InMemory,
		Compress:      cfg.Chromem.Compress,
		Create:        create || cfg.Chromem.InMemory,
		Dimension:     cfg.Dimension,
		EncryptionKey: cfg.Chromem.EncryptionKey(),
		Timeout:       cfg.Timeout(),
	})
}

func OpenPostgres(ctx context.Context, cfg config.VectorStoreConfig, create bool) (*db.Store, error) {
	return db.Open(ctx, db.Options{
		DSN:       cfg.Postgres.ConnString(),
		Driver:    cfg.Postgres.Driver,
		Table:     cfg.Index,
		Dimension: cfg.Dimension,
		Debug:     cfg.Postgres.Debug,
		Create:    create,
		Timeout:   cfg.Timeout(),
	})
}

// OpenPinecone resolves an existing serverless index. Indexes are managed in the
// Pinecone console, so there is no create mode.
func OpenPinecone(ctx context.Context, cfg config.VectorStoreConfig) (*pinecone.Client, error) {
	return pinecone.Open(ctx, pinecone.Options{
		APIKey:        cfg.Pinecone.APIKey(),
		ControllerURL: cfg.Pinecone.ControllerURL,
		Index:         cfg.Index,
		Namespace:     cfg.Pinecone.Namespace,
		TextKey:       cfg.Pinecone.TextKey,
		Dimension:     cfg.Dimension,
		Timeout:       cfg.Timeout(),
	})
}

// NewSessions opens the conversation memory backend.
func NewSessions(ctx context.Context, cfg config.MemoryConfig) (*memory.Sessions, error) {
	switch cfg.Backend {
	case "memory", "":
		return memory.NewSessions(memory.NewInMemory()), nil
	case "sqlite":
		if err := helper.CreateFolder(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
		backend, err := memory.NewSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return memory.NewSessions(backend), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// Builder returns the engine's component factory. The index must already exist.
func Builder(cfg *config.Config) rag.Builder {
	return func(ctx context.Context) (*rag.Components, error) {
		emb, err := embedding.New(cfg.Embedder)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		store, err := OpenStore(ctx, cfg.VectorStore, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		gen, err := llmservice.New(cfg.Generator)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create generator: %w", err)
		}
		return &rag.Components{Embedder: emb, Store: store, Generator: gen}, nil
	}
}

// NewEngine wires an engine and its session memory from cfg. Components are built
// lazily on the first Init or Ask.
func NewEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*rag.Engine, *memory.Sessions, error) {
	sessions, err := NewSessions(ctx, cfg.Memory)
	if err != nil {
		return nil, nil, fmt.Errorf("open memory: %w", err)
	}
	engine := rag.NewEngine(Builder(cfg), sessions, rag.Options{
		TopK:   cfg.Retrieval.TopK,
		Window: cfg.Memory.Window,
		Logger: logger,
	})
	return engine, sessions, nil
}

func IngestOptions(cfg config.IngestConfig, logger zerolog.Logger) ingest.Options {
	return ingest.Options{
		MaxChars:     cfg.MaxChars,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		RateLimit:    cfg.RateLimit,
		Burst:        cfg.Burst,
		Logger:       logger,
	}
}

// NewIngestor opens the embedder and the store, creating the index if needed.
// The caller closes the returned store.
func NewIngestor(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*ingest.Ingestor, rag.VectorStore, error) {
	emb, err := embedding.New(cfg.Embedder)
	if err != nil {
		return nil, nil, fmt.Errorf("create embedder: %w", err)
	}
	store, err := OpenStore(ctx, cfg.VectorStore, true)
	if err != nil {
		return nil, nil, fmt.Errorf("open vector store: %w", err)
	}
	if emb.Dimension() != store.Dimension() {
		_ = store.Close()
		return nil, nil, models.Wrap(models.ErrInitialization, "ingest.init",
			fmt.Errorf("embedder dimension %d does not match index dimension %d", emb.Dimension(), store.Dimension()))
	}
	return ingest.New(emb, store, IngestOptions(cfg.Ingest, logger)), store, nil
}
