// Package attribution links events to projects: deterministically through
// project scopes, then optionally through an AI classifier.
package attribution

import (
	"fmt"
	"strings"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/models"
)

// Match is one deterministic scope hit.
type Match struct {
	ProjectID string
	Rationale string
}

// ScopeIndex matches events against every active project scope.
type ScopeIndex struct {
	// bySource holds exact-match scopes keyed by source, kind and the
	// normalized scope value.
	bySource map[string]map[string]map[string][]string
	keywords []keyword
}

type keyword struct {
	projectID string
	source    string
	value     string // lowercased
	raw       string
}

// NewScopeIndex builds an index over scopes.
func NewScopeIndex(scopes []models.ProjectScope) *ScopeIndex {
	ix := &ScopeIndex{bySource: make(map[string]map[string]map[string][]string)}
	for _, s := range scopes {
		if s.ScopeKind == models.ScopeKeyword {
			v := strings.ToLower(strings.TrimSpace(s.ScopeValue))
			if v != "" {
				ix.keywords = append(ix.keywords, keyword{projectID: s.ProjectID, source: s.SourceType, value: v, raw: s.ScopeValue})
			}
			continue
		}
		byKind, ok := ix.bySource[s.SourceType]
		if !ok {
			byKind = make(map[string]map[string][]string)
			ix.bySource[s.SourceType] = byKind
		}
		byValue, ok := byKind[s.ScopeKind]
		if !ok {
			byValue = make(map[string][]string)
			byKind[s.ScopeKind] = byValue
		}
		key := normalize(s.ScopeValue)
		byValue[key] = appendUnique(byValue[key], s.ProjectID)
	}
	return ix
}

// normalize lowercases a locator and drops a leading '#'.
func normalize(v string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "#"))
}

func appendUnique(ids []string, id string) []string {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}

// Match returns every project whose scopes cover e, one entry per project.
func (ix *ScopeIndex) Match(e models.Event) []Match {
	var out []Match
	seen := make(map[string]bool)
	add := func(projectID, rationale string) {
		if !seen[projectID] {
			seen[projectID] = true
			out = append(out, Match{ProjectID: projectID, Rationale: rationale})
		}
	}

	byKind := ix.bySource[e.SourceType]
	lookup := func(kind, value string) []string {
		if value == "" || byKind == nil {
			return nil
		}
		return byKind[kind][normalize(value)]
	}

	switch e.SourceType {
	case models.SourceSlack, models.SourceDiscord:
		kind := models.ScopeSlackChannel
		if e.SourceType == models.SourceDiscord {
			kind = models.ScopeDiscordChannel
		}
		for _, v := range []string{e.ContainerID, e.ContainerName} {
			for _, p := range lookup(kind, v) {
				add(p, fmt.Sprintf("%s matches %s", kind, v))
			}
		}
	case models.SourceJira:
		issueKey, _, _ := strings.Cut(e.SourceRef, ":")
		for _, v := range []string{e.ParentRef, issueKey} {
			for _, p := range lookup(models.ScopeJiraEpic, v) {
				add(p, fmt.Sprintf("jira_epic matches %s", strings.ToUpper(v)))
			}
		}
		for _, p := range lookup(models.ScopeJiraProject, e.ContainerID) {
			add(p, fmt.Sprintf("jira_project matches %s", e.ContainerID))
		}
	case models.SourceGitHub:
		for _, p := range lookup(models.ScopeGitHubRepo, e.ContainerID) {
			add(p, fmt.Sprintf("github_repo matches %s", e.ContainerID))
		}
	}

	if len(ix.keywords) > 0 {
		hay := strings.ToLower(e.Title + "\n" + e.Text)
		for _, k := range ix.keywords {
			if k.source != config.AnySource && k.source != "" && k.source != e.SourceType {
				continue
			}
			if strings.Contains(hay, k.value) {
				add(k.projectID, fmt.Sprintf("keyword %q", k.raw))
			}
		}
	}
	return out
}
