// Package gateway is the optional LLM advisory client used by the retry
// engine (spec §4.9). It speaks the OpenAI-compatible chat-completions
// endpoint named in spec §6. A Config with an empty BaseURL means no
// gateway is configured; callers should not construct a Client in that
// case and the retry engine degrades to its deterministic path.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"forge/internal/forgeerr"
	"forge/internal/logging"
)

// Advisor is the narrow interface the retry engine depends on, so tests
// can substitute a scripted implementation without an HTTP server.
type Advisor interface {
	Advise(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Client is the real Advisor, talking to an OpenAI-compatible endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New constructs a Client. baseURL and model must be non-empty.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Advise sends one chat-completion request and returns the first
// choice's content. Any connection failure, non-200 status, or empty
// choice array is reported as forgeerr.ErrGatewayUnavailable, per spec
// §6 — the retry engine treats all of these identically as "the
// gateway could not help this round."
func (c *Client) Advise(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	log := logging.Get(logging.CategoryGateway)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   1024,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("gateway request failed: %v", err)
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Warn("gateway returned status %d", resp.StatusCode)
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "parse response: %v", err)
	}
	if parsed.Error != nil {
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", forgeerr.Wrap(forgeerr.ErrGatewayUnavailable, "empty choice array")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	log.Debug("gateway advise: system_len=%d user_len=%d response_len=%d", len(systemPrompt), len(userPrompt), len(content))
	return content, nil
}
