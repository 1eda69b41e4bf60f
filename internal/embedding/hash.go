package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"memoire/internal/models"
)

// HashEmbedder is a local, deterministic bag-of-words embedder based on feature hashing.
// It needs no network and is used for offline runs and tests.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Dimension() int { return h.dimension }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.Wrap(models.ErrEmbedding, "hash.embed", errEmptyText)
	}
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.ErrEmbedding, "hash.embed", err)
	}

	vec := make([]float32, h.dimension)
	for _, token := range terms(text) {
		f := fnv.New64a()
		f.Write([]byte(token))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// every token cancelled out; fall back to a unit vector so cosine stays defined
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "can": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "was": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// terms lowercases, splits on non alphanumerics, drops stopwords and strips a plural "s".
func terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := stopwords[w]; ok {
			continue
		}
		out = append(out, stem(w))
	}
	if len(out) == 0 {
		// only stopwords or punctuation
		for _, w := range words {
			out = append(out, stem(w))
		}
	}
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(text))
	}
	return out
}

func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}
