package knowledge

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/minio/highwayhash"
)

const hashEmbedderDim = 256

var hashEmbedKey = []byte("traceai.hashembed.0123456789abcd")

// HashEmbedder is the offline fallback: a deterministic bag-of-words
// feature hasher. No provider, no credentials, stable across runs. It
// keeps semantic search usable (term overlap) when no API key is
// configured, and gives tests a real Embedder.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = hashEmbedderDim
	}
	return &HashEmbedder{dimension: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dimension }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, h.embedOne(text))
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, h.dimension)
	for _, token := range tokenize(text) {
		hash := highwayhash.Sum64([]byte(token), hashEmbedKey)
		bucket := int(hash % uint64(h.dimension))
		// Sign bit decorrelates colliding tokens.
		if hash&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag == 0 {
		return
	}
	inv := 1 / math.Sqrt(mag)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
