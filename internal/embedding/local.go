package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEngine produces deterministic embeddings by hashing word and bigram
// features into a fixed-dimension vector. It captures lexical overlap, not
// meaning, but it is dependency-free, stable across restarts, and fast
// enough to embed on the write path. Deployments wanting true semantic
// similarity configure the genai provider instead.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a local engine with the given dimensionality.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEngine{dims: dims}
}

// Embed generates an embedding for a single text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	for i, tok := range tokens {
		addFeature(vec, tok, 1.0)
		if i > 0 {
			// Bigrams weigh less than unigrams so single shared words still
			// register between short texts.
			addFeature(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed batch item %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *LocalEngine) Name() string { return fmt.Sprintf("local:%d", e.dims) }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// addFeature hashes the feature into two buckets with opposite signs, the
// usual trick to keep hash collisions from biasing the vector positive.
func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(len(vec)))
	sign := float32(1)
	if (sum>>63)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign * weight
}

func normalize(vec []float32) {
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(mag))
	for i := range vec {
		vec[i] *= inv
	}
}
