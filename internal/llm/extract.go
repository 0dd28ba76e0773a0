package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/signal"
)

const maxExtractText = 1000

// WindowEvent is one event of a snapshot window as shown to the extractor.
type WindowEvent struct {
	ID         string
	OccurredAt time.Time
	Kind       string
	Actor      string
	Text       string
}

// SchemaError reports a response that does not match the status schema.
type SchemaError struct {
	Reason string
	Raw    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llm: extract: response does not match schema: %s", e.Reason)
}

// Extractor asks a Completer for a structured status document.
type Extractor struct {
	c Completer
}

// NewExtractor returns an Extractor backed by c.
func NewExtractor(c Completer) *Extractor {
	return &Extractor{c: c}
}

const extractSystem = "You summarize project activity into a status report. You answer with JSON only."

// Extract returns the model's status document for the window. The result
// has the fixed section layout but event ids are not yet checked against
// the window; a malformed response is a *SchemaError.
func (x *Extractor) Extract(ctx context.Context, projectName string, window []WindowEvent) (*models.Status, error) {
	var events strings.Builder
	for _, e := range window {
		text := signal.Truncate(strings.Join(strings.Fields(e.Text), " "), maxExtractText)
		fmt.Fprintf(&events, "[%s] %s %s %s: %s\n", e.ID, e.OccurredAt.UTC().Format(time.RFC3339), e.Kind, e.Actor, text)
	}

	prompt := fmt.Sprintf(`Summarize the status of project %q from the activity below (oldest first).

Sections:
- progress: completed work, shipped items, delivered
- blockers: blocked, waiting, stuck (always name an owner)
- decisions: decisions made, agreements
- next_steps: planned work, in progress, PRs, tickets to create
- risks: risks, delays, dependencies

Activity ([event_id] time kind actor: text):
%s
Respond with one JSON object:
{"headline": "one line", "headline_event_ids": ["..."],
 "progress": [{"text": "...", "owner": "...", "event_ids": ["..."]}],
 "blockers": [{"text": "...", "owner": "...", "event_ids": ["..."]}],
 "decisions": [...], "next_steps": [...], "risks": [...]}
Every item must cite the event_ids it is based on, copied exactly from the brackets above.
Omit sections with nothing relevant. Skip casual chat.`, projectName, events.String())

	resp, err := x.c.Complete(ctx, extractSystem, prompt)
	if err != nil {
		return nil, err
	}
	raw, err := ExtractJSON(resp)
	if err != nil {
		return nil, &SchemaError{Reason: err.Error(), Raw: resp}
	}
	if !strings.HasPrefix(raw, "{") {
		return nil, &SchemaError{Reason: "expected a JSON object", Raw: resp}
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var st models.Status
	if err := dec.Decode(&st); err != nil {
		return nil, &SchemaError{Reason: err.Error(), Raw: resp}
	}
	for _, b := range st.Blockers {
		if strings.TrimSpace(b.Owner) == "" {
			return nil, &SchemaError{Reason: "blocker without owner", Raw: resp}
		}
	}
	return &st, nil
}
