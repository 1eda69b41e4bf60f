package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"memoire/internal/memory"
	"memoire/internal/models"
)

// State of the engine. Retrieving and Generating are per-query phases and only
// appear in logs; the engine itself rests in Uninitialized, Ready or FailedInit.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRetrieving
	StateGenerating
	StateFailedInit
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRetrieving:
		return "retrieving"
	case StateGenerating:
		return "generating"
	case StateFailedInit:
		return "failed_init"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Components are the leaves the engine needs once initialised.
type Components struct {
	Embedder  Embedder
	Store     VectorStore
	Generator AnswerGenerator
}

// Builder constructs the leaf components. It is called on Init and again on every
// re-initialisation attempt after a failure.
type Builder func(ctx context.Context) (*Components, error)

type Options struct {
	TopK   int
	Window int
	Logger zerolog.Logger
}

// Engine orchestrates retrieval, memory and generation for each question.
type Engine struct {
	build    Builder
	sessions *memory.Sessions
	topK     int
	window   int
	log      zerolog.Logger

	mu        sync.Mutex
	state     State
	initErr   error
	comps     *Components
	retriever *Retriever
}

func NewEngine(build Builder, sessions *memory.Sessions, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = models.DefaultTopK
	}
	if opts.Window <= 0 {
		opts.Window = models.DefaultWindow
	}
	return &Engine{
		build:    build,
		sessions: sessions,
		topK:     opts.TopK,
		window:   opts.Window,
		log:      opts.Logger,
		state:    StateUninitialized,
	}
}

// State reports the resting state of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InitError returns the cause of the last failed initialisation, nil once Ready.
func (e *Engine) InitError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initErr
}

// Init builds the components. From Ready it is a no-op; from Uninitialized or
// FailedInit it moves to Ready or FailedInit.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked(ctx)
}

func (e *Engine) initLocked(ctx context.Context) error {
	if e.state == StateReady {
		return nil
	}
	from := e.state

	comps, err := e.build(ctx)
	if err == nil {
		err = comps.validate()
		if err != nil && comps != nil && comps.Store != nil {
			_ = comps.Store.Close()
		}
	}
	if err != nil {
		if !errors.Is(err, models.ErrInitialization) {
			err = models.Wrap(models.ErrInitialization, "engine.init", err)
		}
		e.state = StateFailedInit
		e.initErr = err
		e.log.Error().Err(err).Stringer("from", from).Stringer("to", e.state).Msg("Engine initialisation failed")
		return err
	}

	e.comps = comps
	e.retriever = NewRetriever(comps.Embedder, comps.Store, e.topK)
	e.state = StateReady
	e.initErr = nil
	e.log.Info().Stringer("from", from).Stringer("to", e.state).Int("dimension", comps.Store.Dimension()).Msg("Engine ready")
	return nil
}

func (c *Components) validate() error {
	if c == nil || c.Embedder == nil || c.Store == nil || c.Generator == nil {
		return errors.New("incomplete components")
	}
	if c.Embedder.Dimension() != c.Store.Dimension() {
		return fmt.Errorf("embedder dimension %d does not match index dimension %d",
			c.Embedder.Dimension(), c.Store.Dimension())
	}
	return nil
}

// ready returns the live components, attempting initialisation when not Ready.
func (e *Engine) ready(ctx context.Context) (*Components, *Retriever, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateReady {
		if err := e.initLocked(ctx); err != nil {
			return nil, nil, err
		}
	}
	return e.comps, e.retriever, nil
}

// Components returns the live components, initialising the engine first if needed.
func (e *Engine) Components(ctx context.Context) (*Components, error) {
	comps, _, err := e.ready(ctx)
	return comps, err
}

// Ask answers a question within a session. It never fails: every error becomes a
// degraded response and is logged. Memory is only written after a successful generation.
func (e *Engine) Ask(ctx context.Context, sessionKey, question string) models.Response {
	logger := e.log.With().Str("session", sessionKey).Logger()

	question = strings.TrimSpace(question)
	if question == "" {
		return degraded(models.EmptyQuestionAnswer, models.StatusDegraded, nil)
	}

	comps, retriever, err := e.ready(ctx)
	if err != nil {
		logger.Error().Err(err).Str("kind", kindName(err)).Msg("Engine not initialised")
		return degraded(models.InitFailedAnswer, models.StatusInitFailed, nil)
	}

	logger.Debug().Stringer("state", StateRetrieving).Msg("Retrieving passages")
	passages, err := retriever.Retrieve(ctx, question, e.topK)
	if err != nil {
		logger.Error().Err(err).Str("kind", kindName(err)).Stringer("state", StateRetrieving).Msg("Retrieval failed")
		return degraded(models.SystemErrorAnswer, models.StatusDegraded, nil)
	}
	if len(passages) == 0 {
		logger.Info().Msg("No relevant context found")
		return degraded(models.NoContextAnswer, models.StatusNoContext, nil)
	}

	session := e.sessions.Session(sessionKey)
	history, err := session.History(ctx, e.window)
	if err != nil {
		logger.Error().Err(err).Msg("Reading conversation history failed")
		return degraded(models.SystemErrorAnswer, models.StatusDegraded, passages)
	}

	logger.Debug().Stringer("state", StateGenerating).Int("passages", len(passages)).Int("history", len(history)).Msg("Generating answer")
	answer, err := comps.Generator.Generate(ctx, BuildPrompt(passages, history, question))
	if err != nil {
		logger.Error().Err(err).Str("kind", kindName(err)).Stringer("state", StateGenerating).Msg("Generation failed")
		return degraded(models.GenerationErrAnswer, models.StatusDegraded, passages)
	}

	if err := session.Append(ctx, question, answer); err != nil {
		logger.Error().Err(err).Msg("Saving turn failed")
	}

	return models.Response{Answer: answer, Sources: toSources(passages), Status: models.StatusOK}
}

// Close releases the vector store if the engine was initialised.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.comps == nil {
		return nil
	}
	return e.comps.Store.Close()
}

func degraded(answer string, status models.Status, passages []models.Passage) models.Response {
	return models.Response{Answer: answer, Sources: toSources(passages), Status: status}
}

func toSources(passages []models.Passage) []models.Source {
	sources := make([]models.Source, 0, len(passages))
	for _, p := range passages {
		sources = append(sources, models.Source{Content: p.Excerpt, Metadata: models.CloneMetadata(p.Metadata)})
	}
	return sources
}

func kindName(err error) string {
	if kind := models.KindOf(err); kind != nil {
		return kind.Error()
	}
	return "unknown"
}
