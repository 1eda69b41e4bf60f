package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoire/internal/config"
	"memoire/internal/models"
	"memoire/internal/rag"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	doc := `
embedder:
  provider: hash
  dimension: 64
vector_store:
  backend: chromem
  index: faq
  dimension: 64
  chromem:
    in_memory: true
generator:
  provider: ollama
  model: llama3
  base_url: http://127.0.0.1:1
`
	cfg, err := config.Parse([]byte(doc), ".yaml")
	require.NoError(t, err)
	return cfg
}

func TestOpenStore_Chromem(t *testing.T) {
	cfg := testConfig(t)

	store, err := OpenStore(context.Background(), cfg.VectorStore, false)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, 64, store.Dimension())
}

func TestOpenStore_PersistentChromemNeedsIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorStore.Chromem.InMemory = false
	cfg.VectorStore.Chromem.Path = filepath.Join(t.TempDir(), "chromem")

	_, err := OpenStore(context.Background(), cfg.VectorStore, false)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	store, err := OpenStore(context.Background(), cfg.VectorStore, true)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenStore(context.Background(), cfg.VectorStore, false)
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), config.VectorStoreConfig{Backend: "faiss"}, false)
	assert.Error(t, err)
}

func TestNewSessions(t *testing.T) {
	ctx := context.Background()

	s, err := NewSessions(ctx, config.MemoryConfig{Backend: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(t.TempDir(), "state", "memory.db")
	s, err = NewSessions(ctx, config.MemoryConfig{Backend: "sqlite", Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Session("a").Append(ctx, "q", "a"))
	require.NoError(t, s.Close())

	_, err = NewSessions(ctx, config.MemoryConfig{Backend: "redis"})
	assert.Error(t, err)
}

func TestNewEngine_Ready(t *testing.T) {
	cfg := testConfig(t)

	engine, sessions, err := NewEngine(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer sessions.Close()
	defer engine.Close()

	assert.Equal(t, rag.StateUninitialized, engine.State())
	require.NoError(t, engine.Init(context.Background()))
	assert.Equal(t, rag.StateReady, engine.State())

	comps, err := engine.Components(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64, comps.Embedder.Dimension())
}

func TestNewEngine_DimensionMismatchFailsInit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedder.Dimension = 32

	engine, sessions, err := NewEngine(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer sessions.Close()

	err = engine.Init(context.Background())
	assert.ErrorIs(t, err, models.ErrInitialization)
	assert.Equal(t, rag.StateFailedInit, engine.State())

	resp := engine.Ask(context.Background(), "s", "hello?")
	assert.Equal(t, models.StatusInitFailed, resp.Status)
	assert.Equal(t, 500, resp.HTTPStatus())
}

func TestNewEngine_MissingIndexFailsInit(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorStore.Chromem.InMemory = false
	cfg.VectorStore.Chromem.Path = filepath.Join(t.TempDir(), "chromem")

	engine, sessions, err := NewEngine(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer sessions.Close()

	err = engine.Init(context.Background())
	assert.ErrorIs(t, err, models.ErrInitialization)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestNewIngestor(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorStore.Chromem.InMemory = false
	cfg.VectorStore.Chromem.Path = filepath.Join(t.TempDir(), "chromem")

	in, store, err := NewIngestor(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	id, err := in.IngestText(context.Background(), models.Document{Text: "Returns accepted within 30 days."})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, store.Close())

	// the engine finds the index the ingestor created
	engine, sessions, err := NewEngine(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer sessions.Close()
	require.NoError(t, engine.Init(context.Background()))
	comps, err := engine.Components(context.Background())
	require.NoError(t, err)

	matches, err := comps.Store.Query(context.Background(), mustEmbed(t, comps.Embedder, "return window"), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)
}

func TestNewIngestor_DimensionMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedder.Dimension = 16

	_, _, err := NewIngestor(context.Background(), cfg, zerolog.Nop())
	require.ErrorIs(t, err, models.ErrInitialization)
	assert.Contains(t, err.Error(), "does not match")
}

func mustEmbed(t *testing.T, e rag.Embedder, text string) []float32 {
	t.Helper()
	v, err := e.Embed(context.Background(), text)
	require.NoError(t, err)
	return v
}
