// Package completion talks to an OpenAI-compatible chat completion API.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	logx "carbonbot/pkg/logx"
)

var (
	// ErrCircuitOpen is returned without calling the service while the breaker is open.
	ErrCircuitOpen = errors.New("completion circuit open")
	// ErrEmptyAnswer is returned when the service answers with no text.
	ErrEmptyAnswer = errors.New("completion returned no answer")
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration

	// BreakerTrip is the number of consecutive failures that opens the
	// circuit; negative disables the breaker.
	BreakerTrip      int
	BreakerBaseDelay time.Duration
	BreakerMaxDelay  time.Duration
}

// Completer turns a system context plus a user question into answer text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Client struct {
	api     *openai.Client
	model   string
	temp    float32
	max     int
	timeout time.Duration
	breaker *breaker
	log     logx.Logger
	now     func() time.Time
}

var _ Completer = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("completion.api_key is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		oc.BaseURL = strings.TrimRight(u, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		api:     openai.NewClientWithConfig(oc),
		model:   model,
		temp:    cfg.Temperature,
		max:     cfg.MaxTokens,
		timeout: timeout,
		breaker: newBreaker(cfg.BreakerTrip, cfg.BreakerBaseDelay, cfg.BreakerMaxDelay, 0),
		log:     log,
		now:     time.Now,
	}, nil
}

// Complete makes exactly one request. Failures are never retried here.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, span := otel.Tracer("carbonbot/completion").Start(ctx, "completion.chat")
	defer span.End()
	span.SetAttributes(attribute.String("completion.model", c.model))

	if open, until := c.breaker.open(c.now()); open {
		span.SetStatus(codes.Error, "circuit open")
		return "", fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temp,
		MaxTokens:   c.max,
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err == nil && (len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "") {
		err = ErrEmptyAnswer
	}
	// Only service-side failures count against the breaker.
	if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.breaker.record(c.now(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", err
	}
	span.SetAttributes(attribute.Int("completion.total_tokens", resp.Usage.TotalTokens))
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
