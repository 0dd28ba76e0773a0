// Package slack pulls channel history from the Slack Web API.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/zulandar/pulse/internal/connector"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/retry"
	"github.com/zulandar/pulse/internal/signal"
)

const (
	// historyPageSize is the conversations.history and replies page size.
	historyPageSize = 200
	// maxText caps stored message text.
	maxText = 2000
	// threadLookback bounds how far before the checkpoint thread roots are
	// checked for new replies.
	threadLookback = 30 * 24 * time.Hour
)

// skipSubtypes are membership and channel-housekeeping messages.
var skipSubtypes = map[string]bool{
	"channel_join": true, "channel_leave": true, "channel_name": true,
	"channel_purpose": true, "channel_topic": true, "channel_archive": true,
	"channel_unarchive": true, "group_join": true, "group_leave": true,
	"group_name": true, "group_archive": true, "group_unarchive": true,
	"bot_add": true, "bot_remove": true,
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetConversationInfoContext(ctx context.Context, input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	GetConversationsContext(ctx context.Context, params *slackapi.GetConversationsParameters) ([]slackapi.Channel, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error)
}

// Opts configures a Slack connector.
type Opts struct {
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Retry      *retry.Config // optional, overrides MaxRetries
	Logger     *zap.Logger
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Connector implements connector.Connector for Slack.
type Connector struct {
	client  slackClient
	timeout time.Duration
	retry   *retry.Config
	log     *zap.Logger

	mu       sync.Mutex
	users    map[string]string // user id -> display name
	names    map[string]string // channel id -> name
	nameToID map[string]string // lowercase channel name -> id, nil until listed
}

// New creates a Slack connector.
func New(opts Opts) (*Connector, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	c := &Connector{
		client:  opts.Client,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		log:     logging.OrNop(opts.Logger).Named("slack"),
		users:   make(map[string]string),
		names:   make(map[string]string),
	}
	if c.client == nil {
		c.client = slackapi.New(opts.Token)
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.retry == nil {
		c.retry = retry.WithRetries(opts.MaxRetries)
	}
	return c, nil
}

// Source returns models.SourceSlack.
func (c *Connector) Source() string { return models.SourceSlack }

// FetchSince pulls messages (and thread replies) for every slack_channel
// scope in req.
func (c *Connector) FetchSince(ctx context.Context, req connector.FetchRequest) ([]models.Event, error) {
	since := req.Since()
	var events []models.Event
	for _, ref := range req.Values(models.ScopeSlackChannel) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		channelID, err := c.resolveChannel(ctx, ref)
		if err != nil {
			return nil, connector.Wrap(models.SourceSlack, "resolve channel "+ref, err)
		}
		if channelID == "" {
			c.log.Warn("channel not found", zap.String("channel", ref))
			continue
		}
		evs, err := c.channelEvents(ctx, channelID, since)
		if err != nil {
			return nil, connector.Wrap(models.SourceSlack, "history "+channelID, err)
		}
		events = append(events, evs...)
	}
	c.log.Debug("fetched", zap.String("project", req.ProjectID), zap.Int("events", len(events)))
	return events, nil
}

// isChannelID reports whether ref already looks like a Slack conversation id.
func isChannelID(ref string) bool {
	if len(ref) < 9 || (ref[0] != 'C' && ref[0] != 'G') {
		return false
	}
	for _, r := range ref {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// resolveChannel maps a channel name or id to an id. An unknown name
// resolves to "".
func (c *Connector) resolveChannel(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	if isChannelID(ref) {
		return ref, nil
	}

	c.mu.Lock()
	listed := c.nameToID != nil
	c.mu.Unlock()
	if !listed {
		if err := c.listChannels(ctx); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nameToID[strings.ToLower(ref)], nil
}

func (c *Connector) listChannels(ctx context.Context) error {
	byName := make(map[string]string)
	cursor := ""
	for {
		params := &slackapi.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           historyPageSize,
			Types:           []string{"public_channel", "private_channel"},
		}
		var channels []slackapi.Channel
		var next string
		err := c.call(ctx, func(callCtx context.Context) error {
			var apiErr error
			channels, next, apiErr = c.client.GetConversationsContext(callCtx, params)
			return apiErr
		})
		if err != nil {
			return fmt.Errorf("slack: conversations list: %w", err)
		}
		c.mu.Lock()
		for _, ch := range channels {
			byName[strings.ToLower(ch.Name)] = ch.ID
			c.names[ch.ID] = ch.Name
		}
		c.mu.Unlock()
		if next == "" {
			break
		}
		cursor = next
	}
	c.mu.Lock()
	c.nameToID = byName
	c.mu.Unlock()
	return nil
}

func (c *Connector) channelName(ctx context.Context, channelID string) string {
	c.mu.Lock()
	name, ok := c.names[channelID]
	c.mu.Unlock()
	if ok {
		return name
	}

	var ch *slackapi.Channel
	err := c.call(ctx, func(callCtx context.Context) error {
		var apiErr error
		ch, apiErr = c.client.GetConversationInfoContext(callCtx, &slackapi.GetConversationInfoInput{ChannelID: channelID})
		return apiErr
	})
	if err != nil || ch == nil {
		c.log.Debug("channel info failed", zap.String("channel", channelID), zap.Error(err))
		return ""
	}
	c.mu.Lock()
	c.names[channelID] = ch.Name
	c.mu.Unlock()
	return ch.Name
}

func (c *Connector) channelEvents(ctx context.Context, channelID string, since time.Time) ([]models.Event, error) {
	name := c.channelName(ctx, channelID)
	oldest := ""
	if !since.IsZero() {
		oldest = formatTimestamp(since)
	}

	var out []models.Event
	walked := make(map[string]bool)
	err := c.history(ctx, channelID, oldest, "", func(m slackapi.Message) error {
		if e, ok := c.toEvent(ctx, channelID, name, m, since); ok {
			out = append(out, e)
		}
		if !isThreadRoot(m) || walked[m.Timestamp] {
			return nil
		}
		walked[m.Timestamp] = true
		replies, err := c.threadReplies(ctx, channelID, name, m.Timestamp, oldest, since)
		if err != nil {
			return err
		}
		out = append(out, replies...)
		return nil
	})
	if err != nil || since.IsZero() {
		return out, err
	}

	// Replies can land after the checkpoint on a root older than it, which
	// history from oldest never returns. Walk roots in the lookback whose
	// latest reply is new.
	lookback := formatTimestamp(since.Add(-threadLookback))
	err = c.history(ctx, channelID, lookback, oldest, func(m slackapi.Message) error {
		if !isThreadRoot(m) || walked[m.Timestamp] {
			return nil
		}
		if m.LatestReply != "" && parseTimestamp(m.LatestReply).Before(since) {
			return nil
		}
		walked[m.Timestamp] = true
		replies, err := c.threadReplies(ctx, channelID, name, m.Timestamp, oldest, since)
		if err != nil {
			return err
		}
		out = append(out, replies...)
		return nil
	})
	return out, err
}

func isThreadRoot(m slackapi.Message) bool {
	return m.ReplyCount > 0 && (m.ThreadTimestamp == "" || m.ThreadTimestamp == m.Timestamp)
}

// history pages conversations.history between oldest and latest (either
// may be empty) and calls fn for each message.
func (c *Connector) history(ctx context.Context, channelID, oldest, latest string, fn func(slackapi.Message) error) error {
	cursor := ""
	for {
		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Inclusive: true,
			Limit:     historyPageSize,
			Oldest:    oldest,
			Latest:    latest,
		}
		var resp *slackapi.GetConversationHistoryResponse
		err := c.call(ctx, func(callCtx context.Context) error {
			var apiErr error
			resp, apiErr = c.client.GetConversationHistoryContext(callCtx, params)
			return apiErr
		})
		if err != nil {
			return err
		}
		for _, m := range resp.Messages {
			if err := fn(m); err != nil {
				return err
			}
		}
		next := resp.ResponseMetaData.NextCursor
		if !resp.HasMore || next == "" {
			return nil
		}
		cursor = next
	}
}

// threadReplies returns the replies (not the root) of one thread.
func (c *Connector) threadReplies(ctx context.Context, channelID, name, threadTS, oldest string, since time.Time) ([]models.Event, error) {
	var out []models.Event
	cursor := ""
	for {
		params := &slackapi.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Cursor:    cursor,
			Inclusive: true,
			Limit:     historyPageSize,
			Oldest:    oldest,
		}
		var msgs []slackapi.Message
		var hasMore bool
		var next string
		err := c.call(ctx, func(callCtx context.Context) error {
			var apiErr error
			msgs, hasMore, next, apiErr = c.client.GetConversationRepliesContext(callCtx, params)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: conversation replies: %w", err)
		}
		for _, m := range msgs {
			if m.Timestamp == threadTS {
				continue
			}
			if e, ok := c.toEvent(ctx, channelID, name, m, since); ok {
				out = append(out, e)
			}
		}
		if !hasMore || next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

func (c *Connector) toEvent(ctx context.Context, channelID, name string, m slackapi.Message, since time.Time) (models.Event, bool) {
	if skipSubtypes[m.SubType] || strings.TrimSpace(m.Text) == "" || m.Timestamp == "" {
		return models.Event{}, false
	}
	at := parseTimestamp(m.Timestamp)
	if at.IsZero() || !connector.InWindow(at, since) {
		return models.Event{}, false
	}

	text := signal.Truncate(m.Text, maxText)
	ref := channelID + ":" + m.Timestamp
	e := models.Event{
		EventID:       connector.EventID(models.SourceSlack, ref),
		SourceType:    models.SourceSlack,
		SourceRef:     ref,
		OccurredAt:    at,
		ContainerID:   channelID,
		ContainerName: name,
		ActorID:       m.User,
		ActorDisplay:  c.userName(ctx, m),
		EventKind:     models.KindMessage,
		Text:          text,
		Permalink:     Permalink(channelID, m.Timestamp),
	}
	if m.ThreadTimestamp != "" {
		e.ParentRef = channelID + ":" + m.ThreadTimestamp
	}
	if raw, err := json.Marshal(m); err == nil {
		e.RawJSON = datatypes.JSON(raw)
	}
	return e, true
}

// userName resolves a display name, falling back through real name,
// handle and id. Lookups are cached per connector.
func (c *Connector) userName(ctx context.Context, m slackapi.Message) string {
	if m.User == "" {
		return m.Username
	}
	c.mu.Lock()
	name, ok := c.users[m.User]
	c.mu.Unlock()
	if ok {
		return name
	}

	name = m.User
	var u *slackapi.User
	err := c.call(ctx, func(callCtx context.Context) error {
		var apiErr error
		u, apiErr = c.client.GetUserInfoContext(callCtx, m.User)
		return apiErr
	})
	if err == nil && u != nil {
		switch {
		case u.Profile.DisplayName != "":
			name = u.Profile.DisplayName
		case u.RealName != "":
			name = u.RealName
		case u.Name != "":
			name = u.Name
		}
	}
	c.mu.Lock()
	c.users[m.User] = name
	c.mu.Unlock()
	return name
}

// call runs fn with a per-call timeout, retrying rate limits after the
// server's Retry-After and transient network errors with backoff. Slack
// API errors such as channel_not_found are not retried.
func (c *Connector) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if errors.As(err, &rle) {
			return retry.After(rle.RetryAfter, err)
		}
		var apiErr slackapi.SlackErrorResponse
		if errors.As(err, &apiErr) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Permalink builds the archive link for a message.
func Permalink(channelID, ts string) string {
	return fmt.Sprintf("https://slack.com/archives/%s/p%s", channelID, strings.ReplaceAll(ts, ".", ""))
}

// parseTimestamp converts a Slack timestamp ("1234567890.123456") to a
// time.Time with microsecond precision.
func parseTimestamp(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if fracPart != "" {
		fracPart = (fracPart + "000000")[:6]
		usec, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}
		}
	}
	return time.Unix(sec, usec*1000).UTC()
}

func formatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
