package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure leaving a pipeline component carries exactly one of them.
var (
	// ErrEmbedding indicates bad input to the embedder or an embedding backend failure.
	ErrEmbedding = errors.New("embedding error")

	// ErrStoreUnavailable indicates the vector index is missing or unreachable.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrGeneration indicates a language model failure, timeout or malformed response.
	ErrGeneration = errors.New("generation error")

	// ErrInitialization indicates a component could not be constructed.
	ErrInitialization = errors.New("initialization error")

	// ErrInvalidInput indicates a malformed request such as an empty document.
	ErrInvalidInput = errors.New("invalid input")
)

// Error ties a kind to the operation that failed and its cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap returns err tagged with kind. A nil err yields a bare kind error.
func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err, or nil if it has none.
func KindOf(err error) error {
	for _, kind := range []error{ErrInitialization, ErrStoreUnavailable, ErrEmbedding, ErrGeneration, ErrInvalidInput} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
