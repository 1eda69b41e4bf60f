package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"memoire/internal/embedding"
	"memoire/internal/helper"
	"memoire/internal/models"
	"memoire/internal/parser"
	"memoire/internal/rag"
)

type Options struct {
	MaxChars     int
	ChunkSize    int
	ChunkOverlap int
	// RateLimit caps embedding calls per second; zero or less disables pacing.
	RateLimit float64
	Burst     int
	Logger    zerolog.Logger
}

// Ingestor embeds documents and writes them to a vector store.
type Ingestor struct {
	embedder *pacedEmbedder
	store    rag.VectorStore
	opts     Options
	log      zerolog.Logger
}

func New(embedder rag.Embedder, store rag.VectorStore, opts Options) *Ingestor {
	if opts.MaxChars <= 0 {
		opts.MaxChars = models.MaxStoredChars
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Ingestor{
		embedder: &pacedEmbedder{Embedder: embedder, limiter: rate.NewLimiter(limit, opts.Burst)},
		store:    store,
		opts:     opts,
		log:      opts.Logger,
	}
}

// pacedEmbedder waits for the limiter before every embedding call.
type pacedEmbedder struct {
	rag.Embedder
	limiter *rate.Limiter
}

func (p *pacedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Embedder.Embed(ctx, text)
}

// IngestText stores a single document and returns its id, generating one when
// the document has none.
func (in *Ingestor) IngestText(ctx context.Context, doc models.Document) (string, error) {
	recs, err := in.records(ctx, []models.Document{doc})
	if err != nil {
		return "", err
	}
	rec := recs[0]
	if err := in.store.Upsert(ctx, rec); err != nil {
		return "", err
	}
	in.log.Info().Str("id", rec.ID).Int("chars", len(rec.Text)).Msg("Document ingested")
	return rec.ID, nil
}

// IngestDocuments embeds every document and writes them in one batch. Nothing is
// written if any document fails to embed.
func (in *Ingestor) IngestDocuments(ctx context.Context, docs []models.Document) ([]string, error) {
	if len(docs) == 0 {
		return []string{}, nil
	}
	recs, err := in.records(ctx, docs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	if err := in.store.UpsertBatch(ctx, recs); err != nil {
		return nil, err
	}
	in.log.Info().Int("documents", len(recs)).Msg("Documents ingested")
	return ids, nil
}

// IngestFile parses a file into chunks and stores each one. Chunk ids are derived
// from the path so re-ingesting a file overwrites its previous chunks.
func (in *Ingestor) IngestFile(ctx context.Context, path string) ([]string, error) {
	chunks, err := parser.ParseFile(path, parser.Options{
		ChunkSize:    in.opts.ChunkSize,
		ChunkOverlap: in.opts.ChunkOverlap,
	})
	if err != nil {
		return nil, models.Wrap(models.ErrInvalidInput, "ingest.file", err)
	}
	if len(chunks) == 0 {
		in.log.Warn().Str("path", path).Msg("No text found in file")
		return nil, nil
	}

	prefix := pathPrefix(path)
	docs := make([]models.Document, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, models.Document{
			ID:   fmt.Sprintf("%s-%d-%d", prefix, c.PageNumber, c.ChunkID),
			Text: c.Content,
			Metadata: map[string]any{
				"source": filepath.Base(path),
				"path":   path,
				"page":   c.PageNumber,
				"chunk":  c.ChunkID,
			},
		})
	}

	ids, err := in.IngestDocuments(ctx, docs)
	if err != nil {
		return nil, err
	}
	in.log.Info().Str("path", path).Int("chunks", len(ids)).Msg("File ingested")
	return ids, nil
}

// records validates the documents, then embeds them in order.
func (in *Ingestor) records(ctx context.Context, docs []models.Document) ([]models.Record, error) {
	recs := make([]models.Record, 0, len(docs))
	texts := make([]string, 0, len(docs))
	for i, doc := range docs {
		rec, err := prepare(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		recs = append(recs, rec)
		texts = append(texts, rec.Text)
	}

	vectors, err := embedding.EmbedAll(ctx, in.embedder, texts)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Vector = vectors[i]
		recs[i].Text = truncate(recs[i].Text, in.opts.MaxChars)
	}
	return recs, nil
}

func prepare(doc models.Document) (models.Record, error) {
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return models.Record{}, models.Wrap(models.ErrInvalidInput, "ingest", errors.New("document text is empty"))
	}

	id := doc.ID
	if id == "" {
		var err error
		if id, err = helper.GenerateUUID(); err != nil {
			return models.Record{}, err
		}
	}

	meta := models.CloneMetadata(doc.Metadata)
	if _, ok := meta["source"]; !ok {
		meta["source"] = models.DefaultSource
	}
	return models.Record{ID: id, Text: text, Metadata: meta}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func pathPrefix(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}
