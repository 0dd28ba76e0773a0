package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/pulse/internal/signal"
)

const (
	maxClassifyText = 3000
	maxRationale    = 200
)

// Candidate is a project the classifier may choose.
type Candidate struct {
	ProjectID   string
	Name        string
	Description string
}

// Classification is one project match proposed by the model.
type Classification struct {
	ProjectID  string  `json:"project_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// ClassifyInput is the event content handed to the classifier.
type ClassifyInput struct {
	Source     string
	Title      string
	Text       string
	Candidates []Candidate
}

// Classifier asks a Completer which candidate projects an event belongs to.
type Classifier struct {
	c Completer
}

// NewClassifier returns a Classifier backed by c.
func NewClassifier(c Completer) *Classifier {
	return &Classifier{c: c}
}

const classifySystem = "You are a project classifier. You answer with JSON only."

// Classify returns the model's matches restricted to the candidate list,
// with confidence clamped to [0, 1]. A malformed response is an error.
func (cl *Classifier) Classify(ctx context.Context, in ClassifyInput) ([]Classification, error) {
	if len(in.Candidates) == 0 {
		return nil, nil
	}
	valid := make(map[string]bool, len(in.Candidates))
	var projects strings.Builder
	for _, p := range in.Candidates {
		valid[p.ProjectID] = true
		desc := p.Description
		if utf8.RuneCountInString(desc) > 80 {
			desc = signal.Truncate(desc, 80) + "..."
		}
		fmt.Fprintf(&projects, "- %s: %s (%s)\n", p.ProjectID, p.Name, desc)
	}

	text := signal.Truncate(in.Text, maxClassifyText)
	prompt := fmt.Sprintf(`Given a %s event and a list of projects, identify which project(s) the event is relevant to.

Projects (only these are valid):
%s
Event title: %s
Event text:
---
%s
---

Respond with a JSON array of matches. Each match: {"project_id": "...", "confidence": 0.0-1.0, "rationale": "brief reason"}.
Only include projects that are clearly relevant. Use 0.9+ for a strong match, 0.6-0.8 for likely, 0.5 for possible.
If the event is unrelated to every project (casual chat, weather), return [].`, in.Source, projects.String(), in.Title, text)

	resp, err := cl.c.Complete(ctx, classifySystem, prompt)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseJSON[[]Classification](resp)
	if err != nil {
		return nil, fmt.Errorf("llm: classify: %w", err)
	}

	var out []Classification
	seen := make(map[string]bool)
	for _, m := range parsed {
		if !valid[m.ProjectID] || seen[m.ProjectID] {
			continue
		}
		seen[m.ProjectID] = true
		m.Confidence = clamp(m.Confidence)
		if m.Rationale == "" {
			m.Rationale = "AI classification"
		}
		m.Rationale = signal.Truncate(m.Rationale, maxRationale)
		out = append(out, m)
	}
	return out, nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
