// Package provider holds the narrow HTTP contracts to the embedding and
// completion services. Both are OpenAI-compatible; failures surface as
// errors, never panics, so maintenance batches can record and continue.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/config"
)

// Embedder produces one vector per input text, in order.
type Embedder interface {
	ModelName() string
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEmbedder selects the embedder from config. A nil return with nil error
// means embedding is disabled; a non-nil error is a configuration problem
// the vector sweep reports without failing.
func NewEmbedder(cfg *config.Config) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.EmbedType)) {
	case "", "none":
		return nil, nil
	case "local":
		return &LocalEmbedder{}, nil
	case "openai":
		if cfg.EmbedAPIKey == "" {
			return nil, fmt.Errorf("openai embedder: API key is required")
		}
		if cfg.EmbedBaseURL == "" {
			return nil, fmt.Errorf("openai embedder: base URL is required")
		}
		if cfg.EmbedModel == "" {
			return nil, fmt.Errorf("openai embedder: model name is required")
		}
		return &OpenAIEmbedder{
			apiKey:     cfg.EmbedAPIKey,
			model:      cfg.EmbedModel,
			baseURL:    strings.TrimRight(cfg.EmbedBaseURL, "/"),
			dimensions: cfg.EmbedDimensions,
			client:     &http.Client{Timeout: cfg.EmbedTimeout},
		}, nil
	default:
		return nil, fmt.Errorf("unknown embed type %q", cfg.EmbedType)
	}
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
}

func (e *OpenAIEmbedder) ModelName() string { return e.model }

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: ptrIfPositive(e.dimensions),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}

	var result embeddingResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embed: parse response (status %d): %w", resp.StatusCode, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embed error: %s", result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embed: expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// The API may return results in any order; sort by index.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embed: index %d out of range", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

func ptrIfPositive(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}
