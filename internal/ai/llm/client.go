package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider represents the LLM provider type
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
)

// ClientConfig holds LLM client configuration
type ClientConfig struct {
	Provider    Provider      `json:"provider"`
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Provider:    ProviderClaude,
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   512,
		Temperature: 0.2,
		Timeout:     10 * time.Second,
	}
}

// Client is the LLM API client
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new LLM client
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClaudeRequest represents a Claude API request
type ClaudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
}

// ClaudeResponse represents a Claude API response
type ClaudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIRequest represents an OpenAI API request
type OpenAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// OpenAIResponse represents an OpenAI API response
type OpenAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends a single-turn completion request and returns the text reply.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	switch c.config.Provider {
	case ProviderOpenAI:
		return c.completeOpenAI(ctx, system, user)
	default:
		return c.completeClaude(ctx, system, user)
	}
}

func (c *Client) completeClaude(ctx context.Context, system, user string) (string, error) {
	reqBody := ClaudeRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		System:      system,
		Messages:    []Message{{Role: "user", Content: user}},
	}

	url := "https://api.anthropic.com/v1/messages"
	if c.baseURL != "" {
		url = c.baseURL + "/v1/messages"
	}

	data, err := c.do(ctx, url, reqBody, map[string]string{
		"x-api-key":         c.config.APIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}

	var resp ClaudeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("error parsing claude response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("claude API error: %s", resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty claude response")
	}
	return resp.Content[0].Text, nil
}

func (c *Client) completeOpenAI(ctx context.Context, system, user string) (string, error) {
	reqBody := OpenAIRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	url := "https://api.openai.com/v1/chat/completions"
	if c.baseURL != "" {
		url = c.baseURL + "/v1/chat/completions"
	}

	data, err := c.do(ctx, url, reqBody, map[string]string{
		"Authorization": "Bearer " + c.config.APIKey,
	})
	if err != nil {
		return "", err
	}

	var resp OpenAIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("error parsing openai response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("openai API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty openai response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) do(ctx context.Context, url string, payload interface{}, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("LLM returned HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
