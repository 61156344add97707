// Package ollama implements the llm.Provider interface against any
// OpenAI-compatible chat completions endpoint (Ollama, vLLM, OpenRouter).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/sift/internal/llm"
)

// maxResponseSize limits the response body read to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024

// Client speaks the OpenAI-compatible chat completions protocol.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the given endpoint and model. apiKey may be empty
// for local Ollama instances.
func New(endpoint, model, apiKey string) *Client {
	return &Client{
		endpoint: buildURL(endpoint),
		model:    model,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "ollama" }

func buildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends a single-turn completion with JSON-object response mode.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return "", llm.NewFatalError(fmt.Errorf("ollama: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", llm.NewFatalError(fmt.Errorf("ollama: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", llm.NewTransientError(fmt.Errorf("ollama: send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", llm.NewTransientError(fmt.Errorf("ollama: read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, respBody)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", llm.NewFatalError(fmt.Errorf("ollama: unmarshal response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", llm.NewFatalError(fmt.Errorf("ollama: no choices in response"))
	}
	return out.Choices[0].Message.Content, nil
}

// classifyHTTPError splits API errors into transient (retryable upstream) and
// fatal (config/auth) failures.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("ollama: api error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return llm.NewTransientError(err)
	case statusCode >= 500:
		return llm.NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return llm.NewFatalError(err)
	default:
		return llm.NewFatalError(err)
	}
}
