// Package ai talks to an OpenAI-compatible chat completions API on behalf of
// CRM users.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotConfigured = errors.New("no OpenAI API key is configured")
	ErrEmptyPrompt   = errors.New("prompt is required")
	ErrQuota         = errors.New("AI provider quota exceeded")
	ErrRateLimited   = errors.New("AI provider rate limit reached")
	ErrUpstreamAuth  = errors.New("AI provider rejected the API key")
	ErrUnavailable   = errors.New("AI provider is unavailable")
)

const (
	SourceUser   = "user"
	SourceSystem = "system"
	SourceEnv    = "env"

	defaultTimeout = 30 * time.Second
)

// ResolveKey picks the key to use: the user's own key, then the system-wide
// key set by an admin, then the process environment.
func ResolveKey(userKey, systemKey, envKey string) (string, string, error) {
	if key := strings.TrimSpace(userKey); key != "" {
		return key, SourceUser, nil
	}
	if key := strings.TrimSpace(systemKey); key != "" {
		return key, SourceSystem, nil
	}
	if key := strings.TrimSpace(envKey); key != "" {
		return key, SourceEnv, nil
	}
	return "", "", ErrNotConfigured
}

type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type Completion struct {
	Model   string `json:"model"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) Complete(ctx context.Context, key, model, prompt string) (*Completion, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if key == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp.StatusCode, body)
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return &Completion{
		Model:   decoded.Model,
		Content: decoded.Choices[0].Message.Content,
		Tokens:  decoded.Usage.TotalTokens,
	}, nil
}

func classify(status int, body []byte) error {
	var payload errorResponse
	_ = json.Unmarshal(body, &payload)
	detail := payload.Error.Message
	if detail == "" {
		detail = http.StatusText(status)
	}

	if payload.Error.Code == "insufficient_quota" || payload.Error.Type == "insufficient_quota" {
		return fmt.Errorf("%w: %s", ErrQuota, detail)
	}
	switch {
	case status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrQuota, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUpstreamAuth, detail)
	case status >= 500:
		return fmt.Errorf("%w: %s", ErrUnavailable, detail)
	default:
		return fmt.Errorf("ai provider returned %d: %s", status, detail)
	}
}
