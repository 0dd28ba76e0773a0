// Package jira pulls issue comments and status transitions from Jira Cloud
// for epic and project scopes.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jiraapi "github.com/andygrunwald/go-jira"
	"go.uber.org/zap"

	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/retry"
)

// ClientOpts configures a Jira REST client.
type ClientOpts struct {
	BaseURL    string
	Email      string
	APIToken   string
	HTTPClient *http.Client // optional; its transport carries the basic auth
	Timeout    time.Duration
	MaxRetries int
	PageSize   int
	Retry      *retry.Config // optional, overrides MaxRetries
	Logger     *zap.Logger
}

// Client wraps go-jira with per-call timeouts and retries.
type Client struct {
	api      *jiraapi.Client
	baseURL  string
	timeout  time.Duration
	pageSize int
	retry    *retry.Config
	log      *zap.Logger
}

// NewClient builds a Client from opts.
func NewClient(opts ClientOpts) (*Client, error) {
	var rt http.RoundTripper
	if opts.HTTPClient != nil {
		rt = opts.HTTPClient.Transport
	}
	tp := jiraapi.BasicAuthTransport{Username: opts.Email, Password: opts.APIToken, Transport: rt}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	api, err := jiraapi.NewClient(tp.Client(), baseURL+"/")
	if err != nil {
		return nil, fmt.Errorf("jira: client for %s: %w", baseURL, err)
	}

	c := &Client{
		api:      api,
		baseURL:  baseURL,
		timeout:  opts.Timeout,
		pageSize: opts.PageSize,
		retry:    opts.Retry,
		log:      logging.OrNop(opts.Logger),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.pageSize <= 0 {
		c.pageSize = 50
	}
	if c.retry == nil {
		c.retry = retry.WithRetries(opts.MaxRetries)
	}
	return c, nil
}

// statusError is a non-2xx Jira response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("jira: HTTP %d: %s", e.Status, e.Body)
}

// call runs one API call with a timeout, retrying 429 and 5xx responses and
// honoring Retry-After.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) (*jiraapi.Response, error)) error {
	return retry.Do(ctx, c.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		if resp == nil || resp.Response == nil {
			return err
		}
		if resp.Body != nil {
			resp.Body.Close()
		}
		status := resp.StatusCode
		switch {
		case status == http.StatusTooManyRequests || status >= 500:
			c.log.Debug("jira retryable response", zap.String("op", op), zap.Int("status", status))
			return retry.After(retryAfter(resp.Header.Get("Retry-After")), &statusError{Status: status, Body: err.Error()})
		case status >= 200 && status <= 299:
			return retry.Permanent(fmt.Errorf("jira: decode %s: %w", op, err))
		}
		return retry.Permanent(&statusError{Status: status, Body: err.Error()})
	})
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		return time.Until(t)
	}
	return 0
}

// comment is a v3 comment, whose body is an ADF document. go-jira models
// the v2 wiki-markup body instead.
type comment struct {
	ID      string       `json:"id"`
	Created string       `json:"created"`
	Author  jiraapi.User `json:"author"`
	Body    *adfNode     `json:"body"`
}

var searchFields = []string{"summary", "issuetype", "project", "subtasks", "updated", "parent"}

// search runs a JQL query and returns every matching issue.
func (c *Client) search(ctx context.Context, jql string) ([]jiraapi.Issue, error) {
	var out []jiraapi.Issue
	for start := 0; ; {
		var (
			page  []jiraapi.Issue
			total int
		)
		err := c.call(ctx, "search", func(ctx context.Context) (*jiraapi.Response, error) {
			issues, resp, err := c.api.Issue.SearchWithContext(ctx, jql, &jiraapi.SearchOptions{
				StartAt:    start,
				MaxResults: c.pageSize,
				Fields:     searchFields,
			})
			if err == nil {
				page, total = issues, resp.Total
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		start += len(page)
		if len(page) == 0 || start >= total {
			return out, nil
		}
	}
}

// fetchIssue fetches one issue with its changelog expanded.
func (c *Client) fetchIssue(ctx context.Context, key string) (*jiraapi.Issue, error) {
	var out *jiraapi.Issue
	err := c.call(ctx, "issue "+key, func(ctx context.Context) (*jiraapi.Response, error) {
		is, resp, err := c.api.Issue.GetWithContext(ctx, key, &jiraapi.GetQueryOptions{
			Fields: strings.Join(searchFields, ","),
			Expand: "changelog",
		})
		out = is
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// comments fetches every comment on an issue from the v3 endpoint.
func (c *Client) comments(ctx context.Context, key string) ([]comment, error) {
	var out []comment
	for start := 0; ; {
		var page struct {
			Total    int       `json:"total"`
			Comments []comment `json:"comments"`
		}
		path := fmt.Sprintf("rest/api/3/issue/%s/comment?startAt=%d&maxResults=%d", url.PathEscape(key), start, c.pageSize)
		err := c.call(ctx, "comments "+key, func(ctx context.Context) (*jiraapi.Response, error) {
			req, err := c.api.NewRequestWithContext(ctx, http.MethodGet, path, nil)
			if err != nil {
				return nil, retry.Permanent(err)
			}
			return c.api.Do(req, &page)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Comments...)
		start += len(page.Comments)
		if len(page.Comments) == 0 || start >= page.Total {
			return out, nil
		}
	}
}

// BrowseURL returns the web link for an issue.
func (c *Client) BrowseURL(key string) string {
	return c.baseURL + "/browse/" + key
}
