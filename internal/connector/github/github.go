// Package github pulls issue activity for owner/repo scopes from the GitHub
// REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/datatypes"

	"github.com/zulandar/pulse/internal/connector"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/retry"
	"github.com/zulandar/pulse/internal/signal"
)

const (
	perPage = 100
	// maxBody caps issue and comment bodies.
	maxBody = 2000
	// maxRateLimitWait is the longest primary rate-limit reset worth waiting
	// for inside a run; longer resets fail the source until the next run.
	maxRateLimitWait = 2 * time.Minute
)

// Opts configures a GitHub connector.
type Opts struct {
	Token      string
	BaseURL    string // GitHub Enterprise API root; empty for github.com
	Timeout    time.Duration
	MaxRetries int
	Retry      *retry.Config // optional, overrides MaxRetries
	HTTPClient *http.Client  // optional, for tests
	Logger     *zap.Logger
}

// Connector implements connector.Connector for GitHub.
type Connector struct {
	client  *gh.Client
	timeout time.Duration
	retry   *retry.Config
	log     *zap.Logger
}

// New creates a GitHub connector authenticated with an oauth2 static token.
func New(opts Opts) (*Connector, error) {
	httpClient := opts.HTTPClient
	if opts.Token != "" {
		ctx := context.Background()
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	}
	client := gh.NewClient(httpClient)
	if opts.BaseURL != "" && !strings.Contains(opts.BaseURL, "api.github.com") {
		base := strings.TrimRight(opts.BaseURL, "/") + "/"
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("github: base url: %w", err)
		}
	}

	c := &Connector{
		client:  client,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		log:     logging.OrNop(opts.Logger).Named("github"),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.retry == nil {
		c.retry = retry.WithRetries(opts.MaxRetries)
	}
	return c, nil
}

// Source returns models.SourceGitHub.
func (c *Connector) Source() string { return models.SourceGitHub }

// FetchSince pulls issue updates, comments and close/reopen events for every
// github_repo scope in req.
func (c *Connector) FetchSince(ctx context.Context, req connector.FetchRequest) ([]models.Event, error) {
	since := req.Since()
	var events []models.Event
	for _, full := range req.Values(models.ScopeGitHubRepo) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		owner, repo, ok := splitRepo(full)
		if !ok {
			c.log.Warn("github scope is not owner/repo, skipping", zap.String("repo", full))
			continue
		}
		r := repoRef{owner: owner, name: repo}

		issues, err := c.issueEvents(ctx, r, since)
		if err != nil {
			return nil, connector.Wrap(models.SourceGitHub, "issues "+r.String(), err)
		}
		comments, err := c.commentEvents(ctx, r, since)
		if err != nil {
			return nil, connector.Wrap(models.SourceGitHub, "comments "+r.String(), err)
		}
		status, err := c.statusEvents(ctx, r, since)
		if err != nil {
			return nil, connector.Wrap(models.SourceGitHub, "issue events "+r.String(), err)
		}
		events = append(events, issues...)
		events = append(events, comments...)
		events = append(events, status...)
	}
	c.log.Debug("fetched", zap.String("project", req.ProjectID), zap.Int("events", len(events)))
	return events, nil
}

type repoRef struct {
	owner, name string
}

func (r repoRef) String() string { return r.owner + "/" + r.name }

func (r repoRef) issueKey(number int) string {
	return fmt.Sprintf("%s#%d", r, number)
}

func (r repoRef) base() models.Event {
	return models.Event{
		SourceType:    models.SourceGitHub,
		ContainerID:   r.String(),
		ContainerName: r.name,
	}
}

func splitRepo(full string) (string, string, bool) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(full), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", false
	}
	return owner, repo, true
}

func (c *Connector) issueEvents(ctx context.Context, r repoRef, since time.Time) ([]models.Event, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var out []models.Event
	for {
		var issues []*gh.Issue
		var resp *gh.Response
		err := c.call(ctx, func(callCtx context.Context) error {
			var apiErr error
			issues, resp, apiErr = c.client.Issues.ListByRepo(callCtx, r.owner, r.name, opts)
			return apiErr
		})
		if err != nil {
			return nil, err
		}
		for _, is := range issues {
			at := is.GetUpdatedAt().Time.UTC()
			if !connector.InWindow(at, since) {
				continue
			}
			key := r.issueKey(is.GetNumber())
			e := r.base()
			// Each edit is its own event; reusing the bare key would move
			// one row forward past windows that already counted it.
			e.SourceRef = key + "@" + at.Format("20060102T150405Z")
			e.EventID = connector.EventID(models.SourceGitHub, key)
			e.OccurredAt = at
			e.ActorID = is.GetUser().GetLogin()
			e.ActorDisplay = displayName(is.GetUser())
			e.EventKind = models.KindIssueUpdate
			e.Title = is.GetTitle()
			e.Text = signal.Truncate(fmt.Sprintf("%s [%s] %s: %s", key, is.GetState(), is.GetTitle(), strings.TrimSpace(is.GetBody())), maxBody)
			e.Permalink = is.GetHTMLURL()
			e.RawJSON = rawJSON(is)
			out = append(out, e)
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Connector) commentEvents(ctx context.Context, r repoRef, since time.Time) ([]models.Event, error) {
	sort, direction := "created", "asc"
	opts := &gh.IssueListCommentsOptions{
		Sort:        &sort,
		Direction:   &direction,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	if !since.IsZero() {
		opts.Since = &since
	}
	var out []models.Event
	for {
		var comments []*gh.IssueComment
		var resp *gh.Response
		err := c.call(ctx, func(callCtx context.Context) error {
			var apiErr error
			// Issue number 0 lists comments across the whole repository.
			comments, resp, apiErr = c.client.Issues.ListComments(callCtx, r.owner, r.name, 0, opts)
			return apiErr
		})
		if err != nil {
			return nil, err
		}
		for _, cm := range comments {
			at := cm.GetCreatedAt().Time.UTC()
			number, ok := issueNumber(cm.GetIssueURL())
			if !ok || !connector.InWindow(at, since) {
				continue
			}
			key := r.issueKey(number)
			body := strings.TrimSpace(cm.GetBody())
			if body == "" {
				body = "(no text)"
			}
			e := r.base()
			e.SourceRef = fmt.Sprintf("%s:comment:%d", key, cm.GetID())
			e.EventID = connector.EventID(models.SourceGitHub, e.SourceRef)
			e.OccurredAt = at
			e.ParentRef = key
			e.ActorID = cm.GetUser().GetLogin()
			e.ActorDisplay = displayName(cm.GetUser())
			e.EventKind = models.KindComment
			e.Title = key + " comment"
			e.Text = signal.Truncate(fmt.Sprintf("%s comment by %s: %s", key, e.ActorDisplay, body), maxBody)
			e.Permalink = cm.GetHTMLURL()
			e.RawJSON = rawJSON(cm)
			out = append(out, e)
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// transitions maps issue event types to the state change they record.
var transitions = map[string][2]string{
	"closed":   {"open", "closed"},
	"reopened": {"closed", "open"},
}

// statusEvents pages repository issue events (newest first) until they
// fall before since.
func (c *Connector) statusEvents(ctx context.Context, r repoRef, since time.Time) ([]models.Event, error) {
	opts := &gh.ListOptions{PerPage: perPage}
	var out []models.Event
	for {
		var evs []*gh.IssueEvent
		var resp *gh.Response
		err := c.call(ctx, func(callCtx context.Context) error {
			var apiErr error
			evs, resp, apiErr = c.client.Issues.ListRepositoryEvents(callCtx, r.owner, r.name, opts)
			return apiErr
		})
		if err != nil {
			return nil, err
		}
		reachedSince := false
		for _, ev := range evs {
			at := ev.GetCreatedAt().Time.UTC()
			if !connector.InWindow(at, since) {
				reachedSince = true
				continue
			}
			tr, ok := transitions[ev.GetEvent()]
			if !ok || ev.GetIssue() == nil {
				continue
			}
			key := r.issueKey(ev.GetIssue().GetNumber())
			e := r.base()
			e.SourceRef = fmt.Sprintf("%s:event:%d", key, ev.GetID())
			e.EventID = connector.EventID(models.SourceGitHub, e.SourceRef)
			e.OccurredAt = at
			e.ParentRef = key
			e.ActorID = ev.GetActor().GetLogin()
			e.ActorDisplay = displayName(ev.GetActor())
			e.EventKind = models.KindStatusChange
			e.Title = key + " status"
			e.Text = fmt.Sprintf("%s status changed: %s → %s", key, tr[0], tr[1])
			e.Permalink = ev.GetIssue().GetHTMLURL()
			e.RawJSON = rawJSON(ev)
			out = append(out, e)
		}
		if reachedSince || resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// issueNumber extracts N from an ".../issues/N" API url.
func issueNumber(issueURL string) (int, bool) {
	i := strings.LastIndex(issueURL, "/issues/")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(issueURL[i+len("/issues/"):])
	return n, err == nil
}

func displayName(u *gh.User) string {
	if name := u.GetName(); name != "" {
		return name
	}
	return u.GetLogin()
}



func rawJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}

// call runs fn with a per-call timeout and classifies GitHub errors for
// retry: abuse limits and short primary-limit resets wait for the server
// hint, 5xx backs off, other API errors fail immediately.
func (c *Connector) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}

		var abuse *gh.AbuseRateLimitError
		if errors.As(err, &abuse) {
			var wait time.Duration
			if abuse.RetryAfter != nil {
				wait = *abuse.RetryAfter
			}
			return retry.After(wait, err)
		}
		var rle *gh.RateLimitError
		if errors.As(err, &rle) {
			wait := time.Until(rle.Rate.Reset.Time)
			if wait > maxRateLimitWait {
				return retry.Permanent(err)
			}
			return retry.After(wait, err)
		}
		var apiErr *gh.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.Response != nil {
			if apiErr.Response.StatusCode >= 500 {
				return retry.After(0, err)
			}
			return retry.Permanent(err)
		}
		return err
	})
}
