package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"github.com/zulandar/pulse/internal/retry"
)

const anthropicMaxTokens = 2000

// Anthropic is a Completer for the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   Options
	log    *zap.Logger
}

// NewAnthropic creates an Anthropic Completer.
func NewAnthropic(opts Options) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic: api key is required")
	}
	if opts.Model == "" {
		opts.Model = "claude-3-5-haiku-latest"
	}
	opts.defaults()

	var clientOpts []anthropic.ClientOption
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, anthropic.WithBaseURL(opts.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts.APIKey, clientOpts...),
		opts:   opts,
		log:    opts.Logger.Named("llm"),
	}, nil
}

// Complete sends one Messages request and returns the first text block.
func (c *Anthropic) Complete(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	temperature := float32(0.2)
	out, err := complete(ctx, c.opts, classifyAnthropicError, func(ctx context.Context) (string, error) {
		resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
			Model:       anthropic.Model(c.opts.Model),
			System:      system,
			MaxTokens:   anthropicMaxTokens,
			Temperature: &temperature,
			Messages:    []anthropic.Message{anthropic.NewUserTextMessage(prompt)},
		})
		if err != nil {
			return "", err
		}
		return resp.GetFirstContentText(), nil
	})
	if err != nil {
		c.log.Debug("completion failed", zap.String("model", c.opts.Model), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return "", fmt.Errorf("llm: anthropic: %w", err)
	}
	c.log.Debug("completion", zap.String("model", c.opts.Model), zap.Int("prompt_len", len(prompt)), zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsRateLimitErr() || apiErr.IsOverloadedErr() || apiErr.IsApiErr() {
			return retry.After(0, err)
		}
		return retry.Permanent(err)
	}
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode == http.StatusTooManyRequests || reqErr.StatusCode >= 500 {
			return retry.After(0, err)
		}
		return retry.Permanent(err)
	}
	return err
}
