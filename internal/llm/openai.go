// Package llm is an OpenAI-compatible chat-completions client used as the
// arbiter's reasoning capability.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/aurawatch/internal/arbiter"
	"github.com/mbd888/aurawatch/internal/circuitbreaker"
	"github.com/mbd888/aurawatch/internal/retry"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// ErrEmptyResponse is returned when the provider answers without choices.
var ErrEmptyResponse = errors.New("llm: empty choices in response")

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	HTTPTimeout time.Duration
}

// Client calls a chat-completions endpoint. It implements arbiter.Reasoner.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

var _ arbiter.Reasoner = (*Client)(nil)

// New creates a client. Model is required.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.DefaultPolicy(),
		logger:  logger,
	}, nil
}

// WithRetryPolicy overrides the retry policy.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StatusError is a non-2xx provider answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.Code, e.Body)
}

// Reason sends the prompt and returns the first choice's content.
func (c *Client) Reason(ctx context.Context, p arbiter.Prompt) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:    c.cfg.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	var content string
	err = c.breaker.Execute(c.cfg.Model, func() error {
		return retry.Do(ctx, c.policy, func(ctx context.Context) error {
			out, err := c.do(ctx, body)
			if err != nil {
				return err
			}
			content = out
			return nil
		})
	}, countable(ctx))
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("llm: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", retry.Permanent(ctx.Err())
		}
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		// 429 is worth another try, other 4xx are not.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(serr)
		}
		return "", serr
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", retry.Permanent(fmt.Errorf("llm: decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", retry.Permanent(ErrEmptyResponse)
	}
	return out.Choices[0].Message.Content, nil
}

// countable keeps caller cancellation and client errors from tripping the
// breaker.
func countable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		var serr *StatusError
		if errors.As(err, &serr) {
			return serr.Code >= 500 || serr.Code == http.StatusTooManyRequests
		}
		return true
	}
}
