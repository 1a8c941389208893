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

// Completer issues one schema-constrained chat completion. Used only by the
// knowledge-graph extractor.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// NewCompleter builds the completion client from config. A nil return with
// nil error means KG extraction has no provider; a non-nil error is a
// configuration problem.
func NewCompleter(cfg *config.Config) (Completer, error) {
	if strings.TrimSpace(cfg.KgBaseURL) == "" && strings.TrimSpace(cfg.KgAPIKey) == "" {
		return nil, nil
	}
	if cfg.KgAPIKey == "" {
		return nil, fmt.Errorf("kg completer: API key is required")
	}
	if cfg.KgBaseURL == "" {
		return nil, fmt.Errorf("kg completer: base URL is required")
	}
	if cfg.KgModel == "" {
		return nil, fmt.Errorf("kg completer: model name is required")
	}
	return &OpenAICompleter{
		apiKey:  cfg.KgAPIKey,
		model:   cfg.KgModel,
		baseURL: strings.TrimRight(cfg.KgBaseURL, "/"),
		client:  &http.Client{Timeout: cfg.KgTimeout},
	}, nil
}

// OpenAICompleter calls an OpenAI-compatible /chat/completions endpoint.
type OpenAICompleter struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("completion: read response: %w", err)
	}

	var result completionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("completion: parse response (status %d): %w", resp.StatusCode, err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("completion error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("completion: empty choices")
	}
	return result.Choices[0].Message.Content, nil
}
