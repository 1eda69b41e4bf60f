// Package memory keeps per-session conversation turns and serves bounded history windows.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"memoire/internal/models"
)

// Backend persists turns per session key.
type Backend interface {
	// Load returns at most n of the most recent turns, oldest first.
	Load(ctx context.Context, key string, n int) ([]models.Turn, error)
	Save(ctx context.Context, key string, turn models.Turn) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Sessions hands out Session views over a shared backend.
// Sessions are created implicitly on first use and never expire.
type Sessions struct {
	backend Backend
	now     func() time.Time
}

func NewSessions(backend Backend) *Sessions {
	return &Sessions{backend: backend, now: time.Now}
}

// WithClock replaces the timestamp source.
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

func (s *Sessions) Session(key string) *Session {
	return &Session{key: key, sessions: s}
}

// Clear forgets every turn of a session.
func (s *Sessions) Clear(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

func (s *Sessions) Close() error { return s.backend.Close() }

// Session is one conversation thread. Callers must not append to the same
// session from two goroutines at once.
type Session struct {
	key      string
	sessions *Sessions
}

// History returns the most recent maxTurns turns, oldest first.
func (s *Session) History(ctx context.Context, maxTurns int) ([]models.Turn, error) {
	if maxTurns <= 0 {
		return []models.Turn{}, nil
	}
	turns, err := s.sessions.backend.Load(ctx, s.key, maxTurns)
	if err != nil {
		return nil, fmt.Errorf("load history for %q: %w", s.key, err)
	}
	return turns, nil
}

// Append records a completed exchange.
func (s *Session) Append(ctx context.Context, question, answer string) error {
	turn := models.Turn{Question: question, Answer: answer, Timestamp: s.sessions.now()}
	if err := s.sessions.backend.Save(ctx, s.key, turn); err != nil {
		return fmt.Errorf("save turn for %q: %w", s.key, err)
	}
	return nil
}

// InMemory keeps turns for the lifetime of the process.
type InMemory struct {
	mu    sync.RWMutex
	turns map[string][]models.Turn
}

func NewInMemory() *InMemory {
	return &InMemory{turns: make(map[string][]models.Turn)}
}

func (m *InMemory) Load(_ context.Context, key string, n int) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.turns[key]
	start := max(len(all)-n, 0)
	out := make([]models.Turn, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

func (m *InMemory) Save(_ context.Context, key string, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[key] = append(m.turns[key], turn)
	return nil
}

func (m *InMemory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, key)
	return nil
}

// Len reports the number of sessions with at least one turn.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

func (m *InMemory) Close() error { return nil }
