package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoire/internal/chromemdb"
	"memoire/internal/embedding"
	"memoire/internal/memory"
	"memoire/internal/models"
)

// mockGenerator implements AnswerGenerator and records prompts.
type mockGenerator struct {
	answers []string
	err     error
	prompts []string
}

func (m *mockGenerator) Generate(_ context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.answers) == 0 {
		return "ok", nil
	}
	answer := m.answers[0]
	m.answers = m.answers[1:]
	return answer, nil
}

// failingBackend implements memory.Backend with configurable failures.
type failingBackend struct {
	*memory.InMemory
	loadErr error
	saveErr error
}

func (f *failingBackend) Load(ctx context.Context, key string, n int) ([]models.Turn, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.InMemory.Load(ctx, key, n)
}

func (f *failingBackend) Save(ctx context.Context, key string, turn models.Turn) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.InMemory.Save(ctx, key, turn)
}

func staticBuilder(c *Components) Builder {
	return func(context.Context) (*Components, error) { return c, nil }
}

func newTestEngine(build Builder, backend memory.Backend) *Engine {
	return NewEngine(build, memory.NewSessions(backend), Options{TopK: 4, Window: 5, Logger: zerolog.Nop()})
}

func oneMatchStore() *mockStore {
	return &mockStore{dim: 4, matches: []models.Match{
		{ID: "returns", Score: 0.8, Text: "Returns accepted within 30 days of delivery.", Metadata: map[string]any{"source": "manual_input"}},
	}}
}

func TestEngine_InitTransitions(t *testing.T) {
	calls := 0
	comps := &Components{Embedder: &mockEmbedder{dim: 4}, Store: oneMatchStore(), Generator: &mockGenerator{}}
	build := func(context.Context) (*Components, error) {
		calls++
		if calls == 1 {
			return nil, models.Wrap(models.ErrStoreUnavailable, "open", errors.New("index memoire does not exist"))
		}
		return comps, nil
	}
	e := newTestEngine(build, memory.NewInMemory())
	assert.Equal(t, StateUninitialized, e.State())

	err := e.Init(context.Background())
	require.ErrorIs(t, err, models.ErrInitialization)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Equal(t, StateFailedInit, e.State())
	assert.Error(t, e.InitError())

	// the next ask makes the re-initialisation attempt
	resp := e.Ask(context.Background(), "s", "What is the return window?")
	assert.Equal(t, models.StatusOK, resp.Status)
	assert.Equal(t, StateReady, e.State())
	assert.NoError(t, e.InitError())
	assert.Equal(t, 2, calls)

	require.NoError(t, e.Init(context.Background()))
	assert.Equal(t, 2, calls, "init is a no-op once ready")
}

func TestEngine_DimensionMismatchIsFatal(t *testing.T) {
	store := &mockStore{dim: 384}
	e := newTestEngine(staticBuilder(&Components{
		Embedder: &mockEmbedder{dim: 768}, Store: store, Generator: &mockGenerator{},
	}), memory.NewInMemory())

	err := e.Init(context.Background())
	require.ErrorIs(t, err, models.ErrInitialization)
	assert.Contains(t, err.Error(), "768")
	assert.True(t, store.closed)
	assert.Equal(t, StateFailedInit, e.State())
}

func TestEngine_Ask_InitFailure(t *testing.T) {
	backend := memory.NewInMemory()
	e := newTestEngine(func(context.Context) (*Components, error) {
		return nil, errors.New("missing credentials")
	}, backend)

	resp := e.Ask(context.Background(), "s", "hello?")
	assert.Equal(t, models.StatusInitFailed, resp.Status)
	assert.Equal(t, models.InitFailedAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.NotNil(t, resp.Sources)
	assert.Equal(t, 500, resp.HTTPStatus())
	assert.Zero(t, backend.Len())
}

func TestEngine_Ask_Success(t *testing.T) {
	gen := &mockGenerator{answers: []string{"Within 30 days."}}
	backend := memory.NewInMemory()
	e := newTestEngine(staticBuilder(&Components{
		Embedder: &mockEmbedder{dim: 4}, Store: oneMatchStore(), Generator: gen,
	}), backend)

	resp := e.Ask(context.Background(), "s1", "  What is the return window?  ")
	assert.Equal(t, models.StatusOK, resp.Status)
	assert.Equal(t, "Within 30 days.", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "Returns accepted within 30 days of delivery.", resp.Sources[0].Content)
	assert.Equal(t, "manual_input", resp.Sources[0].Metadata["source"])

	turns, err := memory.NewSessions(backend).Session("s1").History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "What is the return window?", turns[0].Question)
	assert.Equal(t, "Within 30 days.", turns[0].Answer)
}

func TestEngine_Ask_HistoryFlowsIntoNextPrompt(t *testing.T) {
	gen := &mockGenerator{answers: []string{"Within 30 days.", "Yes, if unused."}}
	e := newTestEngine(staticBuilder(&Components{
		Embedder: &mockEmbedder{dim: 4}, Store: oneMatchStore(), Generator: gen,
	}), memory.NewInMemory())

	e.Ask(context.Background(), "s1", "What is the return window?")
	e.Ask(context.Background(), "s1", "Can I return opened items?")

	require.Len(t, gen.prompts, 2)
	assert.NotContains(t, gen.prompts[0], "User: What is the return window?")
	assert.Contains(t, gen.prompts[1], "User: What is the return window?\nAssistant: Within 30 days.")
	assert.Contains(t, gen.prompts[1], "Question: Can I return opened items?")

	// a different session sees none of it
	e.Ask(context.Background(), "s2", "Anything?")
	assert.NotContains(t, gen.prompts[2], "Within 30 days.\nUser")
	assert.Contains(t, gen.prompts[2], "Conversation history:\n(none)")
}

func TestEngine_Ask_WindowBoundsHistory(t *testing.T) {
	gen := &mockGenerator{}
	e := NewEngine(staticBuilder(&Components{
		Embedder: &mockEmbedder{dim: 4}, Store: oneMatchStore(), Generator: gen,
	}), memory.NewSessions(memory.NewInMemory()), Options{Window: 2, Logger: zerolog.Nop()})

	for _, q := range []string{"first?", "second?", "third?", "fourth?"} {
		e.Ask(context.Background(), "s", q)
	}

	last := gen.prompts[3]
	assert.NotContains(t, last, "User: first?")
	assert.Contains(t, last, "User: second?")
	assert.Contains(t, last, "User: third?")
}

func TestEngine_Ask_GenerationFailure(t *testing.T) {
	backend := memory.NewInMemory()
	e := newTestEngine(staticBuilder(&Components{
		Embedder:  &mockEmbedder{dim: 4},
		Store:     oneMatchStore(),
		Generator: &mockGenerator{err: models.Wrap(models.ErrGeneration, "generate", errors.New("timeout"))},
	}), backend)

	resp := e.Ask(context.Background(), "s", "What is the return window?")
	assert.Equal(t, models.StatusDegraded, resp.Status)
	assert.Contains(t, resp.Answer, "Error")
	require.Len(t, resp.Sources, 1, "retrieved passages are still returned")
	assert.Equal(t, 200, resp.HTTPStatus())
	assert.Zero(t, backend.Len(), "no turn is recorded on failure")
}

func TestEngine_Ask_RetrievalFailure(t *testing.T) {
	tests := []struct {
		name     string
		embedder *mockEmbedder
		store    *mockStore
	}{
		{"embedding", &mockEmbedder{dim: 4, err: models.Wrap(models.ErrEmbedding, "embed", nil)}, oneMatchStore()},
		{"store", &mockEmbedder{dim: 4}, &mockStore{dim: 4, queryErr: models.Wrap(models.ErrStoreUnavailable, "query", nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{}
			e := newTestEngine(staticBuilder(&Components{Embedder: tt.embedder, Store: tt.store, Generator: gen}), memory.NewInMemory())

			resp := e.Ask(context.Background(), "s", "question?")
			assert.Equal(t, models.StatusDegraded, resp.Status)
			assert.Equal(t, models.SystemErrorAnswer, resp.Answer)
			assert.Empty(t, resp.Sources)
			assert.Empty(t, gen.prompts)
			assert.Equal(t, StateReady, e.State(), "leaf errors do not flip the engine")
		})
	}
}

func TestEngine_Ask_EmptyStore(t *testing.T) {
	gen := &mockGenerator{}
	backend := memory.NewInMemory()
	e := newTestEngine(staticBuilder(&Components{
		Embedder: &mockEmbedder{dim: 4}, Store: &mockStore{dim: 4}, Generator: gen,
	}), backend)

	resp := e.Ask(context.Background(), "s", "What is the return window?")
	assert.Equal(t, models.StatusNoContext, resp.Status)
	assert.Equal(t, models.NoContextAnswer, resp.Answer)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.Empty(t, gen.prompts)
	assert.Zero(t, backend.Len())
}

func TestEngine_Ask_EmptyQuestion(t *testing.T) {
	built := false
	e := newTestEngine(func(context.Context) (*Components, error) {
		built = true
		return nil, errors.New("unused")
	}, memory.NewInMemory())

	resp := e.Ask(context.Background(), "s", "   ")
	assert.Equal(t, models.StatusDegraded, resp.Status)
	assert.Equal(t, models.EmptyQuestionAnswer, resp.Answer)
	assert.False(t, built)
}

func TestEngine_Ask_MemoryFailures(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		gen := &mockGenerator{}
		backend := &failingBackend{InMemory: memory.NewInMemory(), loadErr: errors.New("disk I/O error")}
		e := newTestEngine(staticBuilder(&Components{Embedder: &mockEmbedder{dim: 4}, Store: oneMatchStore(), Generator: gen}), backend)

		resp := e.Ask(context.Background(), "s", "q?")
		assert.Equal(t, models.StatusDegraded, resp.Status)
		assert.Empty(t, gen.prompts)
	})

	t.Run("save", func(t *testing.T) {
		backend := &failingBackend{InMemory: memory.NewInMemory(), saveErr: errors.New("disk full")}
		e := newTestEngine(staticBuilder(&Components{Embedder: &mockEmbedder{dim: 4}, Store: oneMatchStore(), Generator: &mockGenerator{answers: []string{"fine"}}}), backend)

		resp := e.Ask(context.Background(), "s", "q?")
		assert.Equal(t, models.StatusOK, resp.Status)
		assert.Equal(t, "fine", resp.Answer)
	})
}

func TestEngine_Close(t *testing.T) {
	store := oneMatchStore()
	e := newTestEngine(staticBuilder(&Components{Embedder: &mockEmbedder{dim: 4}, Store: store, Generator: &mockGenerator{}}), memory.NewInMemory())
	require.NoError(t, e.Close())
	assert.False(t, store.closed)

	require.NoError(t, e.Init(context.Background()))
	require.NoError(t, e.Close())
	assert.True(t, store.closed)
}

// End to end with the local hash embedder and an in-memory chromem collection.
func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	embedder := embedding.NewHashEmbedder(256)
	store, err := chromemdb.NewVectorDBManager(chromemdb.Options{
		Collection: "memoire", InMemory: true, Create: true, Dimension: 256,
	})
	require.NoError(t, err)

	docs := []models.Document{
		{ID: "a-returns", Text: "Returns accepted within 30 days of delivery.", Metadata: map[string]any{"source": "manual_input"}},
		{ID: "b-shipping", Text: "Standard shipping within the U.S. takes 3 to 5 business days."},
		{ID: "c-cancel", Text: "Orders can be cancelled before they are dispatched."},
	}
	for _, d := range docs {
		vec, err := embedder.Embed(ctx, d.Text)
		require.NoError(t, err)
		require.NoError(t, store.Upsert(ctx, models.Record{ID: d.ID, Vector: vec, Text: d.Text, Metadata: d.Metadata}))
	}

	passages, err := NewRetriever(embedder, store, 4).Retrieve(ctx, "What is the return window?", 4)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.Equal(t, "a-returns", passages[0].DocumentID)
	assert.LessOrEqual(t, len(passages), 4)

	gen := &mockGenerator{answers: []string{"Returns are accepted within 30 days of delivery."}}
	e := newTestEngine(staticBuilder(&Components{Embedder: embedder, Store: store, Generator: gen}), memory.NewInMemory())

	resp := e.Ask(ctx, "shopper", "What is the return window?")
	assert.Equal(t, models.StatusOK, resp.Status)
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, "Returns accepted within 30 days of delivery.", resp.Sources[0].Content)
	assert.Contains(t, gen.prompts[0], "Returns accepted within 30 days of delivery.")
}

func TestEngine_RoundTrip_EmptyStore(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	store, err := chromemdb.NewVectorDBManager(chromemdb.Options{Collection: "empty", InMemory: true, Create: true, Dimension: 64})
	require.NoError(t, err)

	e := newTestEngine(staticBuilder(&Components{Embedder: embedder, Store: store, Generator: &mockGenerator{}}), memory.NewInMemory())
	resp := e.Ask(context.Background(), "s", "What is the return window?")
	assert.Equal(t, models.StatusNoContext, resp.Status)
	assert.Empty(t, resp.Sources)
}
