package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	hfembed "github.com/tmc/langchaingo/embeddings/huggingface"
	"github.com/tmc/langchaingo/llms/huggingface"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"memoire/internal/config"
	"memoire/internal/models"
)

// Embedder maps text to a vector of fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

var errEmptyText = errors.New("text is empty")

// New builds the embedder named by cfg.Provider.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	log.Debug().Interface("config", map[string]any{
		"provider":  cfg.Provider,
		"base_url":  cfg.BaseURL,
		"model":     cfg.Model,
		"dimension": cfg.Dimension,
	}).Msg("Creating embedder")

	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "huggingface":
		return NewHuggingFaceEmbedder(cfg)
	case "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// LangchainEmbedder adapts any langchaingo embedder to Embedder.
type LangchainEmbedder struct {
	client    embeddings.Embedder
	model     string
	dimension int
	timeout   time.Duration
}

func NewLangchainEmbedder(client embeddings.Embedder, model string, dimension int, timeout time.Duration) *LangchainEmbedder {
	return &LangchainEmbedder{client: client, model: model, dimension: dimension, timeout: timeout}
}

// NewOpenAIEmbedder works with any OpenAI compatible endpoint (OpenAI, OpenRouter, vLLM).
func NewOpenAIEmbedder(cfg config.EmbedderConfig) (*LangchainEmbedder, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return NewLangchainEmbedder(embedder, cfg.Model, cfg.Dimension, cfg.Timeout()), nil
}

func NewOllamaEmbedder(cfg config.EmbedderConfig) (*LangchainEmbedder, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return NewLangchainEmbedder(embedder, cfg.Model, cfg.Dimension, cfg.Timeout()), nil
}

// NewHuggingFaceEmbedder uses the inference API, e.g. sentence-transformers/all-MiniLM-L6-v2.
func NewHuggingFaceEmbedder(cfg config.EmbedderConfig) (*LangchainEmbedder, error) {
	hfOpts := []huggingface.Option{huggingface.WithToken(cfg.APIKey())}
	if cfg.BaseURL != "" {
		hfOpts = append(hfOpts, huggingface.WithURL(cfg.BaseURL))
	}
	client, err := huggingface.New(hfOpts...)
	if err != nil {
		return nil, fmt.Errorf("init huggingface client: %w", err)
	}
	embedder, err := hfembed.NewHuggingface(
		hfembed.WithClient(*client),
		hfembed.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return NewLangchainEmbedder(embedder, cfg.Model, cfg.Dimension, cfg.Timeout()), nil
}

func (e *LangchainEmbedder) Dimension() int { return e.dimension }

// Embed returns the query embedding for text. A vector of the wrong length is an error.
func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.Wrap(models.ErrEmbedding, "embed", errEmptyText)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vec, err := e.client.EmbedQuery(ctx, text)
	if err != nil {
		return nil, models.Wrap(models.ErrEmbedding, "embed", err)
	}
	if len(vec) != e.dimension {
		return nil, models.Wrap(models.ErrEmbedding, "embed",
			fmt.Errorf("model %s returned %d dimensions, expected %d", e.model, len(vec), e.dimension))
	}
	return vec, nil
}

// EmbedAll embeds texts in order and stops at the first failure.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}
