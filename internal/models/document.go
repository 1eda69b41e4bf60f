package models

// Document is a unit of ingested text.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Record is what a vector store persists for one document.
type Record struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]any
}

// Match is a single similarity hit returned by a vector store.
type Match struct {
	ID       string
	Score    float32
	Text     string
	Metadata map[string]any
}

// Passage is a retrieved match prepared for prompting and citation.
type Passage struct {
	DocumentID string
	Text       string
	Excerpt    string
	Score      float32
	Metadata   map[string]any
}

// Chunk represents a parsed chunk with its location in the source file
type Chunk struct {
	Content    string
	PageNumber int
	ChunkID    int
}

// CloneMetadata returns a shallow copy that is never nil.
func CloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
