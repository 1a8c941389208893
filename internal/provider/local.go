package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const (
	localModelName = "local-hash-v1"
	localDimension = 384
)

// LocalEmbedder is a deterministic hashing embedder. It needs no network and
// no credentials, which keeps the vector pipeline exercisable in tests and on
// machines without an embedding provider configured.
type LocalEmbedder struct{}

func (e *LocalEmbedder) ModelName() string { return localModelName }

func (e *LocalEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = embedOne(text)
	}
	return results, nil
}

func embedOne(text string) []float32 {
	vector := make([]float32, localDimension)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		i := int(h.Sum64() % uint64(localDimension))
		vector[i] += 1
	}
	norm := float32(0)
	for _, v := range vector {
		norm += v * v
	}
	if norm == 0 {
		return vector
	}
	inv := 1 / float32(math.Sqrt(float64(norm)))
	for i := range vector {
		vector[i] *= inv
	}
	return vector
}

func tokenize(text string) []string {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return nil
	}
	var toks []string
	var latin []rune
	for _, r := range text {
		switch {
		case r > 0x2E80: // CJK and beyond tokenize per rune
			if len(latin) > 0 {
				toks = append(toks, string(latin))
				latin = latin[:0]
			}
			toks = append(toks, string(r))
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			latin = append(latin, r)
		default:
			if len(latin) > 0 {
				toks = append(toks, string(latin))
				latin = latin[:0]
			}
		}
	}
	if len(latin) > 0 {
		toks = append(toks, string(latin))
	}
	return toks
}

var _ Embedder = (*LocalEmbedder)(nil)
