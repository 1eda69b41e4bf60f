package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoire/internal/chromemdb"
	"memoire/internal/embedding"
	"memoire/internal/models"
	"memoire/internal/rag"
)

type mockEmbedder struct {
	dim  int
	fail string
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.fail != "" && strings.Contains(text, m.fail) {
		return nil, models.Wrap(models.ErrEmbedding, "embed", errors.New("model offline"))
	}
	return make([]float32, m.dim), nil
}

func (m *mockEmbedder) Dimension() int { return m.dim }

type mockStore struct {
	mu      sync.Mutex
	records map[string]models.Record
	batches int
	err     error
}

func newMockStore() *mockStore { return &mockStore{records: map[string]models.Record{}} }

func (m *mockStore) Upsert(_ context.Context, rec models.Record) error {
	return m.UpsertBatch(context.Background(), []models.Record{rec})
}

func (m *mockStore) UpsertBatch(_ context.Context, recs []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches++
	for _, r := range recs {
		m.records[r.ID] = r
	}
	return nil
}

func (m *mockStore) Query(context.Context, []float32, int) ([]models.Match, error) { return nil, nil }
func (m *mockStore) Dimension() int                                                 { return 4 }
func (m *mockStore) Close() error                                                   { return nil }

func (m *mockStore) get(id string) (models.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

func (m *mockStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func newTestIngestor(store rag.VectorStore, opts Options) *Ingestor {
	opts.Logger = zerolog.Nop()
	return New(&mockEmbedder{dim: 4}, store, opts)
}

func TestIngestText(t *testing.T) {
	store := newMockStore()
	in := newTestIngestor(store, Options{})

	id, err := in.IngestText(context.Background(), models.Document{Text: "Returns accepted within 30 days."})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, ok := store.get(id)
	require.True(t, ok)
	assert.Equal(t, "Returns accepted within 30 days.", rec.Text)
	assert.Equal(t, models.DefaultSource, rec.Metadata["source"])
	assert.Len(t, rec.Vector, 4)
}

func TestIngestText_KeepsIDAndMetadata(t *testing.T) {
	store := newMockStore()
	in := newTestIngestor(store, Options{})
	meta := map[string]any{"source": "faq.md", "lang": "en"}

	id, err := in.IngestText(context.Background(), models.Document{ID: "faq-1", Text: "text", Metadata: meta})
	require.NoError(t, err)
	assert.Equal(t, "faq-1", id)

	rec, _ := store.get("faq-1")
	assert.Equal(t, "faq.md", rec.Metadata["source"])
	assert.Equal(t, "en", rec.Metadata["lang"])

	rec.Metadata["lang"] = "fr"
	assert.Equal(t, "en", meta["lang"], "caller metadata must not be shared")
}

func TestIngestText_TruncatesStoredText(t *testing.T) {
	store := newMockStore()
	in := newTestIngestor(store, Options{MaxChars: 10})

	id, err := in.IngestText(context.Background(), models.Document{Text: strings.Repeat("é", 25)})
	require.NoError(t, err)

	rec, _ := store.get(id)
	assert.Equal(t, 10, utf8.RuneCountInString(rec.Text))
	assert.True(t, utf8.ValidString(rec.Text))
}

func TestIngestText_Errors(t *testing.T) {
	store := newMockStore()
	in := newTestIngestor(store, Options{})

	_, err := in.IngestText(context.Background(), models.Document{Text: "  \n "})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	in = New(&mockEmbedder{dim: 4, fail: "boom"}, store, Options{Logger: zerolog.Nop()})
	_, err = in.IngestText(context.Background(), models.Document{Text: "boom"})
	assert.ErrorIs(t, err, models.ErrEmbedding)

	store.err = models.Wrap(models.ErrStoreUnavailable, "upsert", errors.New("index missing"))
	_, err = newTestIngestor(store, Options{}).IngestText(context.Background(), models.Document{Text: "ok"})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Equal(t, 0, store.len())
}

func TestIngestDocuments(t *testing.T) {
	store := newMockStore()
	in := newTestIngestor(store, Options{})

	ids, err := in.IngestDocuments(context.Background(), []models.Document{
		{ID: "a", Text: "first"},
		{ID: "b", Text: "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, 1, store.batches)
	assert.Equal(t, 2, store.len())
}

func TestIngestDocuments_AllOrNothing(t *testing.T) {
	store := newMockStore()
	in := New(&mockEmbedder{dim: 4, fail: "bad"}, store, Options{Logger: zerolog.Nop()})

	_, err := in.IngestDocuments(context.Background(), []models.Document{
		{ID: "a", Text: "good"},
		{ID: "b", Text: "bad"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document 1")
	assert.Equal(t, 0, store.len())
}

func TestIngestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("Returns accepted within 30 days. ", 10)), 0o644))

	store := newMockStore()
	in := newTestIngestor(store, Options{ChunkSize: 100, ChunkOverlap: 20})

	ids, err := in.IngestFile(context.Background(), path)
	require.NoError(t, err)
	require.Greater(t, len(ids), 1)

	prefix := pathPrefix(path)
	assert.Len(t, prefix, 16)
	assert.Equal(t, prefix+"-1-1", ids[0])
	assert.Equal(t, prefix+"-1-2", ids[1])

	rec, _ := store.get(ids[0])
	assert.Equal(t, "policy.txt", rec.Metadata["source"])
	assert.Equal(t, 1, rec.Metadata["page"])
	assert.Equal(t, 1, rec.Metadata["chunk"])

	// re-ingesting the same file overwrites instead of duplicating
	again, err := in.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, ids, again)
	assert.Equal(t, len(ids), store.len())
}

func TestIngestFile_Unsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := newTestIngestor(newMockStore(), Options{}).IngestFile(context.Background(), path)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestIngest_RateLimitHonoursContext(t *testing.T) {
	in := newTestIngestor(newMockStore(), Options{RateLimit: 0.001, Burst: 1})

	_, err := in.IngestText(context.Background(), models.Document{Text: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = in.IngestText(ctx, models.Document{Text: "second"})
	assert.Error(t, err)
}

func TestIngestDocuments_PacedByRateLimit(t *testing.T) {
	store := newMockStore()
	in := newTestIngestor(store, Options{RateLimit: 0.001, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := in.IngestDocuments(ctx, []models.Document{
		{ID: "a", Text: "first"},
		{ID: "b", Text: "second"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document 1")
	assert.Equal(t, 0, store.len())
}

func TestHandleEvent(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(file, []byte("# notes"), 0o644))
	hiddenFile := filepath.Join(dir, ".draft.md")
	require.NoError(t, os.WriteFile(hiddenFile, []byte("draft"), 0o644))
	image := filepath.Join(dir, "logo.png")
	require.NoError(t, os.WriteFile(image, []byte("png"), 0o644))
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	in := newTestIngestor(newMockStore(), Options{})

	tests := []struct {
		name string
		path string
		op   fsnotify.Op
		want bool
	}{
		{"create supported file", file, fsnotify.Create, true},
		{"write supported file", file, fsnotify.Write, true},
		{"chmod is ignored", file, fsnotify.Chmod, false},
		{"remove is ignored", filepath.Join(dir, "gone.md"), fsnotify.Remove, false},
		{"hidden file", hiddenFile, fsnotify.Create, false},
		{"unsupported extension", image, fsnotify.Create, false},
		{"new directory", sub, fsnotify.Create, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, ok := in.handleEvent(fsnotify.Event{Name: tt.path, Op: tt.op})
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, tt.path, path)
			}
		})
	}
}

func TestWatch_InitialScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".b.txt"), []byte("hidden"), 0o644))

	store := newMockStore()
	in := newTestIngestor(store, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Watch(ctx, dir) }()

	assert.Eventually(t, func() bool { return store.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

// End to end with the hash embedder and an in-memory chromem collection.
func TestIngest_Chromem(t *testing.T) {
	emb := embedding.NewHashEmbedder(64)
	store, err := chromemdb.NewVectorDBManager(chromemdb.Options{
		Collection: "ingest_test",
		InMemory:   true,
		Create:     true,
		Dimension:  64,
	})
	require.NoError(t, err)
	defer store.Close()

	in := New(emb, store, Options{Logger: zerolog.Nop()})
	_, err = in.IngestDocuments(context.Background(), []models.Document{
		{ID: "returns", Text: "Returns accepted within 30 days of delivery."},
		{ID: "shipping", Text: "We ship to over 50 countries."},
	})
	require.NoError(t, err)

	passages, err := rag.NewRetriever(emb, store, 1).Retrieve(context.Background(), "how many days for returns", 1)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "returns", passages[0].DocumentID)
	assert.Equal(t, models.DefaultSource, passages[0].Metadata["source"])
}
