// Package llm provides the optional AI capability: chat completion clients
// for OpenAI-compatible and Anthropic endpoints, and the project classifier
// and status extractor built on top of them.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/retry"
)

// Completer turns a system message and a user prompt into a text response.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Options shared by every Completer implementation.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Retry      *retry.Config // optional, overrides MaxRetries
	Logger     *zap.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Retry == nil {
		o.Retry = retry.WithRetries(o.MaxRetries)
	}
	o.Logger = logging.OrNop(o.Logger)
}

// New builds the Completer for the configured provider.
func New(cfg config.AIConfig, logger *zap.Logger) (Completer, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropic(Options{
			APIKey:     cfg.AnthropicKey,
			Model:      cfg.AnthropicModel,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
		})
	case config.ProviderOpenAI, "":
		return NewOpenAI(Options{
			APIKey:     cfg.OpenAIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
		})
	}
	return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
}

// complete runs one request with a per-call timeout under the retry policy.
func complete(ctx context.Context, o Options, classify func(error) error, fn func(ctx context.Context) (string, error)) (string, error) {
	return retry.DoWithResult(ctx, o.Retry, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.Timeout)
		defer cancel()
		out, err := fn(callCtx)
		if err != nil {
			return "", classify(err)
		}
		return out, nil
	})
}
