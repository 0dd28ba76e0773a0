// Package signal holds the keyword and status rules used to read intent out
// of normalized events. The snapshot heuristic, the delta engine and blocker
// detection all classify events through it so they agree with each other.
package signal

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/pulse/internal/models"
)

// Status names, compared lowercase.
var (
	DoneStatuses   = []string{"done", "closed", "resolved", "to verify"}
	ActiveStatuses = []string{"in progress", "in review", "to do"}
)

// Keyword lists, matched case-insensitively on word boundaries.
var (
	BlockerKeywords      = []string{"blocked", "waiting", "stuck", "blocker", "blocking"}
	DecisionKeywords     = []string{"decision", "decided", "agreed", "we will", "we'll", "adopt"}
	RiskKeywords         = []string{"risk", "delay", "dependency"}
	NextStepKeywords     = []string{"pr", "raised", "open", "review", "merge", "deploy"}
	ChatNextStepKeywords = []string{"implement", "create", "update", "connect", "coordinate", "meeting", "ticket", "sprint", "work with"}
	ResolutionKeywords   = []string{"unblocked", "resolved", "no longer blocked", "fixed", "cleared"}
)

// LongMessage is the length above which an otherwise unclassified chat
// message is still treated as a status update.
const LongMessage = 150

// MaxSummary caps the length of item text.
const MaxSummary = 500

var (
	blockerRe    = keywordRe(BlockerKeywords)
	decisionRe   = keywordRe(DecisionKeywords)
	riskRe       = keywordRe(RiskKeywords)
	nextRe       = keywordRe(NextStepKeywords)
	chatNextRe   = keywordRe(ChatNextStepKeywords)
	resolutionRe = keywordRe(ResolutionKeywords)

	transitionRe = regexp.MustCompile(`(?i)status changed:\s*(.*?)\s*(?:→|->)\s*(.+?)\s*$`)
	jiraKeyRe    = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)
	githubKeyRe  = regexp.MustCompile(`[\w.-]+/[\w.-]+#\d+`)
	blockedOnRe  = regexp.MustCompile(`(?i)\bblocked\s+(?:on|by)\s+([^.,;:!?\n()]+)`)
	ownerRe      = regexp.MustCompile(`(?:(?i:\bowner)\s*(?::|-|–|—)\s*|(?i:\bassigned\s+to)\s+)@?(\p{L}[\p{L}.'-]*(?:\s+\p{Lu}[\p{L}.'-]*)?)`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

func keywordRe(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)s?\b`)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Transition parses a "<subject> status changed: A → B" event text and
// returns the lowercase from and to statuses.
func Transition(text string) (from, to string, ok bool) {
	m := transitionRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(m[1])), strings.ToLower(strings.TrimSpace(m[2])), true
}

// Signals is what an event indicates about its subject.
type Signals struct {
	Completed bool // moved to a done status
	Active    bool // moved to an in-flight status
	Blocked   bool // moved to blocked, or mentions a blocker
	Resolved  bool // moved out of blocked, or reports a blocker cleared
	Decision  bool
	Risk      bool
	NextStep  bool
}

// Classify reads the signals carried by one event.
func Classify(e models.Event) Signals {
	var s Signals
	if e.EventKind == models.KindStatusChange {
		if from, to, ok := Transition(e.Text); ok {
			s.Blocked = to == "blocked"
			s.Completed = contains(DoneStatuses, to)
			s.Active = contains(ActiveStatuses, to)
			s.Resolved = from == "blocked" && to != "blocked"
			return s
		}
	}

	text := e.Text
	if e.EventKind == models.KindIssueUpdate && e.Title != "" {
		text = e.Title + "\n" + text
	}
	s.Resolved = resolutionRe.MatchString(text)
	s.Blocked = !s.Resolved && blockerRe.MatchString(text)
	s.Decision = decisionRe.MatchString(text)
	s.Risk = riskRe.MatchString(text)
	s.NextStep = nextRe.MatchString(text)
	if e.EventKind == models.KindMessage {
		s.NextStep = s.NextStep || chatNextRe.MatchString(text) || utf8.RuneCountInString(text) > LongMessage
	}
	return s
}

// Section picks the snapshot section an event belongs to, or "" when the
// event carries no status signal. Status changes map to blockers, progress
// or next steps; text follows the precedence blocker, decision, risk, next
// step, with a cleared blocker counted as progress.
func Section(e models.Event) string {
	s := Classify(e)
	if e.EventKind == models.KindStatusChange {
		if _, _, ok := Transition(e.Text); ok {
			switch {
			case s.Blocked:
				return models.SectionBlockers
			case s.Completed:
				return models.SectionProgress
			case s.Active:
				return models.SectionNextSteps
			}
			return ""
		}
	}
	switch {
	case s.Blocked:
		return models.SectionBlockers
	case s.Decision:
		return models.SectionDecisions
	case s.Risk:
		return models.SectionRisks
	case s.NextStep:
		return models.SectionNextSteps
	case s.Resolved:
		return models.SectionProgress
	}
	return ""
}

// IssueKey returns the first Jira ("ABC-12") or GitHub ("owner/repo#12")
// issue key found in s.
func IssueKey(s string) string {
	if k := githubKeyRe.FindString(s); k != "" {
		return k
	}
	return jiraKeyRe.FindString(s)
}

// SubjectKey identifies what an event is about, so that a blocker and its
// later resolution can be paired: the issue key, else the thread root, else
// the phrase after "blocked on|by", else the event itself.
func SubjectKey(e models.Event) string {
	ref := e.SourceRef
	if i := strings.Index(ref, ":"); i > 0 {
		ref = ref[:i]
	}
	if k := IssueKey(ref); k != "" && (e.SourceType == models.SourceJira || e.SourceType == models.SourceGitHub) {
		return k
	}
	if k := IssueKey(e.Title + " " + e.Text); k != "" {
		return k
	}
	if e.ParentRef != "" && e.SourceType != models.SourceJira {
		return e.ParentRef
	}
	if m := blockedOnRe.FindStringSubmatch(e.Text); m != nil {
		if p := normalizePhrase(m[1]); p != "" {
			return "blocked-on:" + p
		}
	}
	return e.EventID
}

func normalizePhrase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, sep := range []string{"—", "–", " - "} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	words := strings.Fields(s)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ")
}

// Owner returns the explicit owner annotation in the event text
// ("owner: Name", "owner - Name", "assigned to Name"), else the actor.
func Owner(e models.Event) string {
	if m := ownerRe.FindStringSubmatch(e.Text); m != nil {
		return strings.TrimRight(m[1], ".'-")
	}
	return e.ActorDisplay
}

// Summary returns the event text collapsed to single spaces and truncated
// to MaxSummary runes.
func Summary(e models.Event) string {
	text := strings.TrimSpace(spaceRe.ReplaceAllString(e.Text, " "))
	if text == "" {
		text = e.Title
	}
	return Truncate(text, MaxSummary)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
