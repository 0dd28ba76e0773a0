package delta

import (
	"time"

	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/signal"
)

// Blocker is an open or resolved blocker subject.
type Blocker struct {
	Subject      string
	Opened       models.Event  // event that opened the blocker
	Resolution   *models.Event // nil while open
	LastActivity time.Time     // latest event on the subject
}

// State is blocker and completion state per subject, built by replaying
// events in order.
type State struct {
	Completed map[string]bool
	Open      map[string]*Blocker
	Resolved  map[string]*Blocker // most recent resolution per subject
	last      map[string]time.Time
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		Completed: make(map[string]bool),
		Open:      make(map[string]*Blocker),
		Resolved:  make(map[string]*Blocker),
		last:      make(map[string]time.Time),
	}
}

// Step is what applying one event did.
type Step struct {
	Subject  string
	Signals  signal.Signals
	Opened   bool     // opened a blocker not open before
	Resolved *Blocker // blocker this event resolved
}

// Apply advances the state by one event. Events must be applied in
// ascending occurred_at order.
func (s *State) Apply(e models.Event) Step {
	subj := signal.SubjectKey(e)
	sig := signal.Classify(e)
	st := Step{Subject: subj, Signals: sig}
	if e.OccurredAt.After(s.last[subj]) {
		s.last[subj] = e.OccurredAt
	}
	if b, ok := s.Open[subj]; ok {
		b.LastActivity = s.last[subj]
	}

	switch {
	case sig.Resolved:
		b, open := s.Open[subj]
		if !open {
			if !resolvesStatus(e) {
				break
			}
			// Moved out of blocked with no opening event on record.
			b = &Blocker{Subject: subj, Opened: e}
		}
		res := e
		b.Resolution = &res
		b.LastActivity = s.last[subj]
		delete(s.Open, subj)
		s.Resolved[subj] = b
		st.Resolved = b
	case sig.Blocked:
		if _, open := s.Open[subj]; !open {
			s.Open[subj] = &Blocker{Subject: subj, Opened: e, LastActivity: s.last[subj]}
			st.Opened = true
		}
	}
	if sig.Completed {
		s.Completed[subj] = true
	}
	return st
}

func resolvesStatus(e models.Event) bool {
	if e.EventKind != models.KindStatusChange {
		return false
	}
	from, _, ok := signal.Transition(e.Text)
	return ok && from == "blocked"
}

// Replay builds the State reached after applying events in order.
func Replay(events []models.Event) *State {
	s := NewState()
	for _, e := range events {
		s.Apply(e)
	}
	return s
}
