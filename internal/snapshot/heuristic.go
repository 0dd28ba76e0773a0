package snapshot

import (
	"context"
	"strings"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/delta"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/signal"
)

// dedupePrefix is how much of a summary identifies a duplicate item.
const dedupePrefix = 80

// Heuristic builds status documents from keyword and status rules.
type Heuristic struct{}

// Name returns config.StrategyHeuristic.
func (Heuristic) Name() string { return config.StrategyHeuristic }

// Build classifies every window event, newest first, into at most one
// section. Items with the same summary prefix and owner merge their
// evidence. Blockers cleared later in the window are left out.
func (Heuristic) Build(_ context.Context, in Input) (*Draft, error) {
	var st models.Status
	index := make(map[string]map[[2]string]int)
	for _, sec := range models.Sections {
		index[sec] = make(map[[2]string]int)
	}

	state := delta.Replay(in.Events)
	for i := len(in.Events) - 1; i >= 0; i-- {
		e := in.Events[i]
		sec := signal.Section(e)
		if sec == "" {
			continue
		}
		if sec == models.SectionBlockers && clearedAfter(state, e) {
			continue
		}
		summary := signal.Summary(e)
		if summary == "" {
			continue
		}
		owner := signal.Owner(e)
		key := [2]string{strings.ToLower(signal.Truncate(summary, dedupePrefix)), owner}

		items := st.Section(sec)
		if at, ok := index[sec][key]; ok {
			items[at].EventIDs = append(items[at].EventIDs, e.EventID)
			continue
		}
		if len(items) >= sectionCaps[sec] {
			continue
		}
		index[sec][key] = len(items)
		st.SetSection(sec, append(items, models.StatusItem{Text: summary, Owner: owner, EventIDs: []string{e.EventID}}))
	}

	st.Headline = Headline(in.Project.Name, len(st.Progress), len(st.Blockers), len(st.NextSteps))
	return &Draft{Status: st, Strategy: config.StrategyHeuristic}, nil
}

// clearedAfter reports whether e's subject is no longer blocked at the end
// of the window because a later event resolved it.
func clearedAfter(state *delta.State, e models.Event) bool {
	subj := signal.SubjectKey(e)
	if _, open := state.Open[subj]; open {
		return false
	}
	b, ok := state.Resolved[subj]
	return ok && b.Resolution != nil && !b.Resolution.OccurredAt.Before(e.OccurredAt)
}
