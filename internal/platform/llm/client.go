// Package llm is a small client for OpenAI-compatible chat-completions
// endpoints. Every call goes through a circuit breaker so a failing provider
// is shed quickly and callers fall back to their own defaults.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrUnavailable means the breaker is open and no request was sent.
	ErrUnavailable = errors.New("llm: provider unavailable")
	// ErrEmptyResponse means the provider answered without any content.
	ErrEmptyResponse = errors.New("llm: empty response")
)

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// BreakerThreshold is the number of consecutive failures that opens the
	// breaker. Zero means 5.
	BreakerThreshold uint32
	// BreakerCooldown is how long the breaker stays open. Zero means 30s.
	BreakerCooldown time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const systemPrompt = "You write short, warm, actionable health nudges for patients. " +
	"Respond with a single JSON object and nothing else."

// Client generates text from a prompt.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[string]
	model   string
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}

	logger = logger.With().Str("component", "llm").Logger()

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not the provider's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		model:   cfg.Model,
		timeout: timeout,
		retries: cfg.MaxRetries,
		backoff: 200 * time.Millisecond,
		logger:  logger,
	}
}

// statusError carries the provider's HTTP status so the retry loop can tell
// transient failures from permanent ones.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.code, e.msg)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == 429 || se.code >= 500
	}
	return !errors.Is(err, ErrEmptyResponse)
}

// Generate sends prompt as the user message and returns the assistant's reply.
// The whole call, retries included, is bounded by the configured timeout.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		out, err := c.breaker.Execute(func() (string, error) {
			return c.complete(ctx, prompt)
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrUnavailable
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	var result chatResponse
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature:    0.4,
			ResponseFormat: map[string]string{"type": "json_object"},
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm: request: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return "", &statusError{code: resp.StatusCode(), msg: msg}
	}

	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}

	c.logger.Debug().Dur("latency", resp.Time()).Msg("completion received")
	return result.Choices[0].Message.Content, nil
}

// State reports the breaker state, for health output.
func (c *Client) State() string {
	return c.breaker.State().String()
}
