// Package discord pulls channel history from the Discord REST API.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/zulandar/pulse/internal/connector"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/retry"
)

const (
	// pageSize is the Discord maximum for channel message listing.
	pageSize = 100
	// discordEpochMs is the Discord snowflake epoch (2015-01-01) in ms.
	discordEpochMs = 1420070400000
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	ChannelMessages(ctx context.Context, channelID string, limit int, afterID string) ([]*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return r.s.Channel(channelID, discordgo.WithContext(ctx))
}

func (r *realSession) ChannelMessages(ctx context.Context, channelID string, limit int, afterID string) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
}

// Opts configures a Discord connector.
type Opts struct {
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Retry      *retry.Config // optional, overrides MaxRetries
	Logger     *zap.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// Connector implements connector.Connector for Discord.
type Connector struct {
	sess     session
	timeout  time.Duration
	pageSize int
	retry    *retry.Config
	log      *zap.Logger

	mu       sync.Mutex
	channels map[string]*discordgo.Channel
}

// New creates a Discord connector. With a token it uses a REST-only
// session; no gateway connection is opened.
func New(opts Opts) (*Connector, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	c := &Connector{
		sess:     opts.Session,
		timeout:  opts.Timeout,
		retry:    opts.Retry,
		log:      logging.OrNop(opts.Logger).Named("discord"),
		channels: make(map[string]*discordgo.Channel),
		pageSize: pageSize,
	}
	if c.sess == nil {
		dg, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		c.sess = &realSession{s: dg}
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.retry == nil {
		c.retry = retry.WithRetries(opts.MaxRetries)
	}
	return c, nil
}

// Source returns models.SourceDiscord.
func (c *Connector) Source() string { return models.SourceDiscord }

// FetchSince pulls messages for every discord_channel scope in req.
// Scope values are channel ids.
func (c *Connector) FetchSince(ctx context.Context, req connector.FetchRequest) ([]models.Event, error) {
	since := req.Since()
	var events []models.Event
	for _, channelID := range req.Values(models.ScopeDiscordChannel) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := strconv.ParseUint(channelID, 10, 64); err != nil {
			c.log.Warn("discord channel scope is not an id, skipping", zap.String("channel", channelID))
			continue
		}
		evs, err := c.channelEvents(ctx, channelID, since)
		if err != nil {
			return nil, connector.Wrap(models.SourceDiscord, "history "+channelID, err)
		}
		events = append(events, evs...)
	}
	c.log.Debug("fetched", zap.String("project", req.ProjectID), zap.Int("events", len(events)))
	return events, nil
}

// SnowflakeAt returns the smallest snowflake that sorts after every message
// created before t, so paging with after=SnowflakeAt(t) includes messages
// created exactly at t.
func SnowflakeAt(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	ms := t.UnixMilli() - discordEpochMs - 1
	if ms < 0 {
		return "0"
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}

func (c *Connector) channel(ctx context.Context, channelID string) *discordgo.Channel {
	c.mu.Lock()
	ch, ok := c.channels[channelID]
	c.mu.Unlock()
	if ok {
		return ch
	}
	err := c.call(ctx, func(callCtx context.Context) error {
		var apiErr error
		ch, apiErr = c.sess.Channel(callCtx, channelID)
		return apiErr
	})
	if err != nil {
		c.log.Debug("channel lookup failed", zap.String("channel", channelID), zap.Error(err))
		ch = &discordgo.Channel{ID: channelID}
	}
	c.mu.Lock()
	c.channels[channelID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Connector) channelEvents(ctx context.Context, channelID string, since time.Time) ([]models.Event, error) {
	ch := c.channel(ctx, channelID)
	after := SnowflakeAt(since)

	var out []models.Event
	for {
		var msgs []*discordgo.Message
		err := c.call(ctx, func(callCtx context.Context) error {
			var apiErr error
			msgs, apiErr = c.sess.ChannelMessages(callCtx, channelID, c.pageSize, after)
			return apiErr
		})
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			break
		}

		// Discord returns pages newest first; paginate forward from the
		// largest id seen.
		sort.Slice(msgs, func(i, j int) bool { return snowflake(msgs[i].ID) < snowflake(msgs[j].ID) })
		for _, m := range msgs {
			if e, ok := toEvent(ch, m, since); ok {
				out = append(out, e)
			}
		}
		next := msgs[len(msgs)-1].ID
		if len(msgs) < c.pageSize || snowflake(next) <= snowflake(after) {
			break
		}
		after = next
	}
	return out, nil
}

func snowflake(id string) uint64 {
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}

func toEvent(ch *discordgo.Channel, m *discordgo.Message, since time.Time) (models.Event, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Content == "" {
		return models.Event{}, false
	}
	at := m.Timestamp
	if at.IsZero() {
		ts, err := discordgo.SnowflakeTimestamp(m.ID)
		if err != nil {
			return models.Event{}, false
		}
		at = ts
	}
	at = at.UTC()
	if !connector.InWindow(at, since) {
		return models.Event{}, false
	}

	ref := ch.ID + ":" + m.ID
	actor := m.Author.GlobalName
	if actor == "" {
		actor = m.Author.Username
	}
	e := models.Event{
		EventID:       connector.EventID(models.SourceDiscord, ref),
		SourceType:    models.SourceDiscord,
		SourceRef:     ref,
		OccurredAt:    at,
		ContainerID:   ch.ID,
		ContainerName: ch.Name,
		ActorID:       m.Author.ID,
		ActorDisplay:  actor,
		EventKind:     models.KindMessage,
		Text:          m.Content,
		Permalink:     Permalink(firstNonEmpty(m.GuildID, ch.GuildID), ch.ID, m.ID),
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		e.ParentRef = ch.ID + ":" + m.MessageReference.MessageID
	}
	if raw, err := json.Marshal(m); err == nil {
		e.RawJSON = datatypes.JSON(raw)
	}
	return e, true
}

// Permalink builds the web link for a message. Direct messages use "@me".
func Permalink(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// call runs fn with a per-call timeout. 429 and 5xx responses are retried
// with exponential backoff; other REST errors are not.
func (c *Connector) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			code := restErr.Response.StatusCode
			if code == http.StatusTooManyRequests || code >= 500 {
				return retry.After(0, err)
			}
			return retry.Permanent(err)
		}
		return err
	})
}
