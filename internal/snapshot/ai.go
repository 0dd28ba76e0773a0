package snapshot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/llm"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
)

// Extractor produces a status document from a window of events.
type Extractor interface {
	Extract(ctx context.Context, projectName string, window []llm.WindowEvent) (*models.Status, error)
}

// ExtractionSchemaError reports an unusable AI extraction. It is logged and
// the heuristic result is used instead.
type ExtractionSchemaError struct {
	ProjectID string
	Err       error
}

func (e *ExtractionSchemaError) Error() string {
	return fmt.Sprintf("snapshot: extraction for %s: %v", e.ProjectID, e.Err)
}

func (e *ExtractionSchemaError) Unwrap() error { return e.Err }

// AI builds status documents with an Extractor, falling back to the
// heuristic when extraction fails.
type AI struct {
	extractor Extractor
	fallback  Heuristic
	log       *zap.Logger
}

// NewAI returns an AI strategy.
func NewAI(x Extractor, logger *zap.Logger) *AI {
	return &AI{extractor: x, log: logging.OrNop(logger).Named("snapshot")}
}

// Name returns config.StrategyAI.
func (a *AI) Name() string { return config.StrategyAI }

// Build never fails on extraction problems; it returns the heuristic draft
// instead and logs an *ExtractionSchemaError.
func (a *AI) Build(ctx context.Context, in Input) (*Draft, error) {
	window := make([]llm.WindowEvent, len(in.Events))
	for i, e := range in.Events {
		text := e.Text
		if text == "" {
			text = e.Title
		}
		window[i] = llm.WindowEvent{ID: e.EventID, OccurredAt: e.OccurredAt, Kind: e.EventKind, Actor: e.ActorDisplay, Text: text}
	}

	st, err := a.extractor.Extract(ctx, in.Project.Name, window)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.log.Warn("ai extraction unusable, using heuristic",
			zap.String("project", in.Project.ProjectID),
			zap.Error(&ExtractionSchemaError{ProjectID: in.Project.ProjectID, Err: err}))
		return a.fallback.Build(ctx, in)
	}
	return &Draft{Status: *st, Strategy: config.StrategyAI}, nil
}
