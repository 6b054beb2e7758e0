// Package responder generates AI replies by calling an OpenAI-compatible
// chat completions API.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatbridge/internal/resilience"
)

const defaultHTTPTimeout = 60 * time.Second

// Client implements domain.Responder against OpenAI-compatible APIs
// (GPT-4o, GPT-4o-mini, local gateways speaking the same protocol).
type Client struct {
	apiKey  string
	apiBase string
	model   string
	system  string
	client  *http.Client
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

type ClientConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	Retry        resilience.RetryConfig
	Logger       *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful customer support assistant. Answer concisely."
	}
	return &Client{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		retry:   cfg.Retry,
		logger:  cfg.Logger,
	}
}

func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("responder not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("responder: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("responder returned %d", resp.StatusCode)
	}
	return nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateResponse asks the model for a reply to userMessage. Transient API
// failures are retried with backoff; the conversation id is forwarded as the
// API user field so provider-side logs can be correlated.
func (c *Client) GenerateResponse(ctx context.Context, conversationID, userMessage, chatbotID string) (string, error) {
	var reply string
	err := resilience.Retry(ctx, c.retry, c.logger, func(ctx context.Context) error {
		var err error
		reply, err = c.complete(ctx, conversationID, userMessage)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("generate response for chatbot %s: %w", chatbotID, err)
	}
	return reply, nil
}

func (c *Client) complete(ctx context.Context, conversationID, userMessage string) (string, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.system},
			{Role: "user", Content: userMessage},
		},
		User:   conversationID,
		Stream: false,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("responder %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("responder returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
