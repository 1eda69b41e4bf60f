package llmservice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"memoire/internal/config"
	"memoire/internal/models"
)

// AnswerGenerator turns a fully built prompt into an answer.
type AnswerGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Options struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Timeout      time.Duration
}

// Generator sends prompts to a langchaingo model.
type Generator struct {
	llm  llms.Model
	opts Options
}

var (
	thinkTag         = regexp.MustCompile(models.ThinkTag)
	errEmptyResponse = errors.New("model returned no content")
)

func NewGenerator(llm llms.Model, opts Options) *Generator {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = models.SystemPrompt
	}
	return &Generator{llm: llm, opts: opts}
}

// New creates the client for cfg.Provider and wraps it in a Generator.
func New(cfg config.GeneratorConfig) (*Generator, error) {
	llm, err := NewLLM(cfg)
	if err != nil {
		return nil, err
	}
	return NewGenerator(llm, Options{
		Model:        cfg.Model,
		Temperature:  cfg.Temp(),
		MaxTokens:    cfg.MaxTokens,
		SystemPrompt: cfg.SystemPrompt,
		Timeout:      cfg.Timeout(),
	}), nil
}

// NewLLM builds the provider client. deepseek is served through its OpenAI compatible API.
func NewLLM(cfg config.GeneratorConfig) (llms.Model, error) {
	log.Debug().Interface("config", map[string]any{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	}).Msg("Creating language model client")

	switch cfg.Provider {
	case "openai", "deepseek":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(cfg.APIKey()),
			anthropic.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}

// Generate sends a system instruction plus the prompt and returns the first choice.
// Reasoning blocks are stripped from the answer.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, g.opts.SystemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}
	callOpts := []llms.CallOption{
		llms.WithTemperature(g.opts.Temperature),
		llms.WithMaxTokens(g.opts.MaxTokens),
	}
	if g.opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(g.opts.Model))
	}

	res, err := g.llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", models.Wrap(models.ErrGeneration, "generate", err)
	}
	if res == nil || len(res.Choices) == 0 {
		return "", models.Wrap(models.ErrGeneration, "generate", errEmptyResponse)
	}

	answer := strings.TrimSpace(thinkTag.ReplaceAllString(res.Choices[0].Content, ""))
	if answer == "" {
		return "", models.Wrap(models.ErrGeneration, "generate", errEmptyResponse)
	}
	return answer, nil
}
