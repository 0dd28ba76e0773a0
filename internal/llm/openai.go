package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/zulandar/pulse/internal/retry"
)

// OpenAI is a Completer for OpenAI-compatible chat completion endpoints.
type OpenAI struct {
	client *openai.Client
	opts   Options
	log    *zap.Logger
}

// NewOpenAI creates an OpenAI-compatible Completer. BaseURL selects a
// compatible server; empty means api.openai.com.
func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("llm: openai: api key is required")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	opts.defaults()

	clientConfig := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		opts:   opts,
		log:    opts.Logger.Named("llm"),
	}, nil
}

// Complete sends a system + user chat completion at low temperature.
func (c *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	out, err := complete(ctx, c.opts, classifyOpenAIError, func(ctx context.Context) (string, error) {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.opts.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature: 0.2,
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", retry.Permanent(errors.New("no choices in response"))
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		c.log.Debug("completion failed", zap.String("model", c.opts.Model), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return "", fmt.Errorf("llm: openai: %w", err)
	}
	c.log.Debug("completion", zap.String("model", c.opts.Model), zap.Int("prompt_len", len(prompt)), zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return err
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return retry.After(0, err)
	}
	return retry.Permanent(err)
}
