package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	jiraapi "github.com/andygrunwald/go-jira"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/zulandar/pulse/internal/connector"
	"github.com/zulandar/pulse/internal/models"
)

// maxCommentText caps flattened comment bodies.
const maxCommentText = 2000

// jqlMargin widens the incremental JQL lower bound to cover any profile
// timezone offset.
const jqlMargin = 24 * time.Hour

var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Connector implements connector.Connector for Jira.
type Connector struct {
	client *Client
	log    *zap.Logger
}

// New returns a Jira connector using client.
func New(client *Client) *Connector {
	return &Connector{client: client, log: client.log.Named("jira")}
}

// Source returns models.SourceJira.
func (c *Connector) Source() string { return models.SourceJira }

// target is an issue to pull, with the epic it was reached through.
type target struct {
	key  string
	epic string
}

// FetchSince pulls comments and status transitions for every issue under
// the request's jira_epic and jira_project scopes.
func (c *Connector) FetchSince(ctx context.Context, req connector.FetchRequest) ([]models.Event, error) {
	since := req.Since()
	targets, err := c.collectTargets(ctx, req, since)
	if err != nil {
		return nil, err
	}

	var events []models.Event
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evs, err := c.issueEvents(ctx, t, since)
		if err != nil {
			return nil, connector.Wrap(models.SourceJira, "issue "+t.key, err)
		}
		events = append(events, evs...)
	}
	c.log.Debug("fetched", zap.String("project", req.ProjectID), zap.Int("issues", len(targets)), zap.Int("events", len(events)))
	return events, nil
}

func (c *Connector) collectTargets(ctx context.Context, req connector.FetchRequest, since time.Time) ([]target, error) {
	updated := ""
	if !since.IsZero() {
		// JQL dates carry no zone and are read in the API user's profile
		// timezone. Widen the bound; InWindow drops the extra rows.
		lower := since.Add(-jqlMargin).UTC()
		updated = fmt.Sprintf(` AND updated >= "%s"`, lower.Format("2006/01/02 15:04"))
	}

	byKey := make(map[string]target)
	add := func(key, epic string) {
		if key == "" {
			return
		}
		if _, ok := byKey[key]; !ok {
			byKey[key] = target{key: key, epic: epic}
		}
	}

	for _, epic := range req.Values(models.ScopeJiraEpic) {
		epic = strings.ToUpper(epic)
		// Company-managed and team-managed sites spell the epic relation
		// differently; a query that fails on one site type is skipped.
		var lastErr error
		ok := false
		for _, jql := range []string{
			fmt.Sprintf(`"Epic Link" = %s%s`, epic, updated),
			fmt.Sprintf(`parentEpic = %s%s`, epic, updated),
		} {
			issues, err := c.client.search(ctx, jql)
			if err != nil {
				lastErr = err
				c.log.Debug("epic query failed", zap.String("jql", jql), zap.Error(err))
				continue
			}
			ok = true
			for _, is := range issues {
				add(is.Key, epic)
				if is.Fields == nil {
					continue
				}
				for _, st := range is.Fields.Subtasks {
					if st != nil {
						add(st.Key, epic)
					}
				}
			}
		}
		if !ok {
			return nil, connector.Wrap(models.SourceJira, "search epic "+epic, lastErr)
		}
		add(epic, epic)
	}

	for _, project := range req.Values(models.ScopeJiraProject) {
		jql := fmt.Sprintf(`project = %s%s`, strings.ToUpper(project), updated)
		issues, err := c.client.search(ctx, jql)
		if err != nil {
			return nil, connector.Wrap(models.SourceJira, "search project "+project, err)
		}
		for _, is := range issues {
			parent := ""
			if is.Fields != nil && is.Fields.Parent != nil {
				parent = is.Fields.Parent.Key
			}
			add(is.Key, parent)
		}
	}

	out := make([]target, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

func (c *Connector) issueEvents(ctx context.Context, t target, since time.Time) ([]models.Event, error) {
	is, err := c.client.fetchIssue(ctx, t.key)
	if err != nil {
		return nil, err
	}
	comments, err := c.client.comments(ctx, t.key)
	if err != nil {
		return nil, err
	}

	base := models.Event{
		SourceType:    models.SourceJira,
		ContainerID:   strings.SplitN(t.key, "-", 2)[0],
		ParentRef:     t.epic,
		Permalink:     c.client.BrowseURL(t.key),
	}
	if is.Fields != nil {
		if is.Fields.Project.Key != "" {
			base.ContainerID = is.Fields.Project.Key
		}
		base.ContainerName = is.Fields.Project.Name
	}

	var out []models.Event
	for _, cm := range comments {
		if cm.ID == "" {
			continue
		}
		at, ok := parseTime(cm.Created)
		if !ok || !connector.InWindow(at, since) {
			continue
		}
		body := PlainText(cm.Body, maxCommentText)
		if body == "" {
			body = "(no text)"
		}
		e := base
		e.SourceRef = fmt.Sprintf("%s:comment:%s", t.key, cm.ID)
		e.EventID = connector.EventID(models.SourceJira, e.SourceRef)
		e.OccurredAt = at
		e.ActorID = cm.Author.AccountID
		e.ActorDisplay = cm.Author.DisplayName
		e.EventKind = models.KindComment
		e.Title = t.key + " comment"
		e.Text = fmt.Sprintf("%s comment by %s: %s", t.key, cm.Author.DisplayName, body)
		e.RawJSON = rawJSON(map[string]interface{}{"issueKey": t.key, "comment": cm})
		out = append(out, e)
	}

	var histories []jiraapi.ChangelogHistory
	if is.Changelog != nil {
		histories = is.Changelog.Histories
	}
	for _, h := range histories {
		at, ok := parseTime(h.Created)
		if !ok || !connector.InWindow(at, since) {
			continue
		}
		for idx, it := range h.Items {
			if !strings.EqualFold(it.Field, "status") {
				continue
			}
			e := base
			e.SourceRef = fmt.Sprintf("%s:status:%s:%d", t.key, h.Id, idx)
			e.EventID = connector.EventID(models.SourceJira, e.SourceRef)
			e.OccurredAt = at
			e.ActorID = h.Author.AccountID
			e.ActorDisplay = h.Author.DisplayName
			e.EventKind = models.KindStatusChange
			e.Title = t.key + " status"
			e.Text = fmt.Sprintf("%s status changed: %s → %s", t.key, it.FromString, it.ToString)
			e.RawJSON = rawJSON(map[string]interface{}{"issueKey": t.key, "history": h.Id, "item": it})
			out = append(out, e)
		}
	}
	return out, nil
}

func rawJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}
