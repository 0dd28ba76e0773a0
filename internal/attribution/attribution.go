package attribution

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/llm"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/store"
)

// DefaultConfidenceFloor is the minimum confidence for an AI link.
const DefaultConfidenceFloor = 0.5

// Classifier proposes project matches for an event that no scope covers.
type Classifier interface {
	Classify(ctx context.Context, in llm.ClassifyInput) ([]llm.Classification, error)
}

// Opts configures an Engine.
type Opts struct {
	DB              *gorm.DB
	Classifier      Classifier // nil disables AI attribution
	ConfidenceFloor float64
	Logger          *zap.Logger
}

// Engine writes event-project links.
type Engine struct {
	db         *gorm.DB
	classifier Classifier
	floor      float64
	log        *zap.Logger
}

// New creates an attribution engine.
func New(opts Opts) *Engine {
	floor := opts.ConfidenceFloor
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Engine{
		db:         opts.DB,
		classifier: opts.Classifier,
		floor:      floor,
		log:        logging.OrNop(opts.Logger).Named("attribution"),
	}
}

// Result summarizes one attribution pass.
type Result struct {
	Linked           int // links written
	ScopeMatched     int // events linked by at least one scope
	AIClassified     int // events linked by the classifier
	Unattributed     int // events left without any project
	ClassifierErrors int
	Links            []models.EventProjectLink
}

// Attribute links events to projects. Scope matches always apply.
// Unmatched events that have no link yet go to the classifier when one is
// configured; classifier failures leave the event unattributed.
func (en *Engine) Attribute(ctx context.Context, events []models.Event) (Result, error) {
	var res Result
	if len(events) == 0 {
		return res, nil
	}

	scopes, err := store.ActiveScopes(en.db)
	if err != nil {
		return res, fmt.Errorf("attribution: %w", err)
	}
	ix := NewScopeIndex(scopes)

	var links []models.EventProjectLink
	var unmatched []models.Event
	for _, e := range events {
		matches := ix.Match(e)
		if len(matches) == 0 {
			unmatched = append(unmatched, e)
			continue
		}
		res.ScopeMatched++
		for _, m := range matches {
			links = append(links, models.EventProjectLink{
				EventID:         e.EventID,
				ProjectID:       m.ProjectID,
				AttributionType: models.AttributionScopeMatch,
				Confidence:      1.0,
				Rationale:       m.Rationale,
			})
		}
	}

	if len(unmatched) > 0 && en.classifier != nil {
		aiLinks, err := en.classify(ctx, unmatched, &res)
		if err != nil {
			return res, err
		}
		links = append(links, aiLinks...)
	} else {
		res.Unattributed += len(unmatched)
	}

	if len(links) > 0 {
		if _, err := store.UpsertLinks(en.db, links); err != nil {
			return res, err
		}
	}
	res.Linked = len(links)
	res.Links = links
	en.log.Debug("attributed",
		zap.Int("events", len(events)),
		zap.Int("scope_matched", res.ScopeMatched),
		zap.Int("ai_classified", res.AIClassified),
		zap.Int("unattributed", res.Unattributed),
		zap.Int("classifier_errors", res.ClassifierErrors))
	return res, nil
}

func (en *Engine) classify(ctx context.Context, events []models.Event, res *Result) ([]models.EventProjectLink, error) {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	already, err := store.LinkedEventIDs(en.db, ids)
	if err != nil {
		return nil, fmt.Errorf("attribution: %w", err)
	}

	projects, err := store.ListProjects(en.db, false)
	if err != nil {
		return nil, fmt.Errorf("attribution: %w", err)
	}
	candidates := make([]llm.Candidate, len(projects))
	for i, p := range projects {
		candidates[i] = llm.Candidate{ProjectID: p.ProjectID, Name: p.Name, Description: p.Description}
	}

	var links []models.EventProjectLink
	for _, e := range events {
		if already[e.EventID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches, err := en.classifier.Classify(ctx, llm.ClassifyInput{
			Source:     e.SourceType,
			Title:      e.Title,
			Text:       e.Text,
			Candidates: candidates,
		})
		if err != nil {
			res.ClassifierErrors++
			res.Unattributed++
			en.log.Warn("classifier failed", zap.String("event_id", e.EventID), zap.Error(err))
			continue
		}

		linked := false
		for _, m := range matches {
			if m.Confidence < en.floor || !isCandidate(candidates, m.ProjectID) {
				continue
			}
			linked = true
			links = append(links, models.EventProjectLink{
				EventID:         e.EventID,
				ProjectID:       m.ProjectID,
				AttributionType: models.AttributionAIClassified,
				Confidence:      m.Confidence,
				Rationale:       m.Rationale,
			})
		}
		if linked {
			res.AIClassified++
		} else {
			res.Unattributed++
		}
	}
	return links, nil
}

func isCandidate(candidates []llm.Candidate, projectID string) bool {
	for _, c := range candidates {
		if c.ProjectID == projectID {
			return true
		}
	}
	return false
}
