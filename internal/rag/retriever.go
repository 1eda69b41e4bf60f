package rag

import (
	"context"
	"sort"

	"memoire/internal/models"
)

// Embedder maps text to a vector of fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// VectorStore is the facade over an external similarity index.
type VectorStore interface {
	Upsert(ctx context.Context, rec models.Record) error
	UpsertBatch(ctx context.Context, recs []models.Record) error
	Query(ctx context.Context, vector []float32, k int) ([]models.Match, error)
	Dimension() int
	Close() error
}

// AnswerGenerator turns a prompt into an answer.
type AnswerGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Retriever turns a query string into ranked passages.
type Retriever struct {
	embedder Embedder
	store    VectorStore
	topK     int
}

func NewRetriever(embedder Embedder, store VectorStore, topK int) *Retriever {
	if topK <= 0 {
		topK = models.DefaultTopK
	}
	return &Retriever{embedder: embedder, store: store, topK: topK}
}

// Retrieve returns at most k passages ordered by descending score, ties broken by id.
// k <= 0 means the retriever default. Embedding and store errors are returned unchanged.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]models.Passage, error) {
	if k <= 0 {
		k = r.topK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := r.store.Query(ctx, vec, k)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}

	passages := make([]models.Passage, 0, len(matches))
	for _, m := range matches {
		passages = append(passages, models.Passage{
			DocumentID: m.ID,
			Text:       m.Text,
			Excerpt:    Excerpt(m.Text),
			Score:      m.Score,
			Metadata:   models.CloneMetadata(m.Metadata),
		})
	}
	return passages, nil
}

// Excerpt cuts text to the first PreviewLength characters and marks the cut with an ellipsis.
func Excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= models.PreviewLength {
		return text
	}
	return string(runes[:models.PreviewLength]) + models.Ellipsis
}
