// Package connector defines the contract every source connector implements
// and the helpers they share.
package connector

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/models"
)

// Scope is one source locator a connector must cover.
type Scope struct {
	ProjectID string
	Kind      string
	Value     string
}

// FetchRequest describes one pull from a source.
type FetchRequest struct {
	ProjectID  string // project the scopes belong to, or models.GlobalProjectID
	Scopes     []Scope
	Checkpoint *time.Time // last durably ingested occurred_at, nil if none
	Mode       string     // config.ModeIncremental, ModeFullRefresh or ModeNone
	WindowDays int
	Now        time.Time
}

// Since returns the inclusive lower bound on occurred_at for the pull. A
// zero time means the full configured scope.
func (r FetchRequest) Since() time.Time {
	switch r.Mode {
	case config.ModeFullRefresh:
		return time.Time{}
	case config.ModeNone:
		now := r.Now
		if now.IsZero() {
			now = time.Now()
		}
		days := r.WindowDays
		if days <= 0 {
			days = 7
		}
		return now.Add(-time.Duration(days) * 24 * time.Hour)
	default:
		if r.Checkpoint == nil {
			return time.Time{}
		}
		return *r.Checkpoint
	}
}

// Values returns the scope values of the given kind, deduplicated in order.
func (r FetchRequest) Values(kind string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.Scopes {
		if s.Kind == kind && !seen[s.Value] {
			seen[s.Value] = true
			out = append(out, s.Value)
		}
	}
	return out
}

// Connector pulls normalized events from one source.
type Connector interface {
	Source() string
	FetchSince(ctx context.Context, req FetchRequest) ([]models.Event, error)
}

// ConnectorError wraps a failure talking to a source.
type ConnectorError struct {
	Source string
	Op     string
	Err    error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// Wrap returns err as a *ConnectorError, or nil when err is nil.
func Wrap(source, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectorError{Source: source, Op: op, Err: err}
}

const maxEventID = 160

// EventID derives the stable event id for a source reference.
func EventID(source, ref string) string {
	id := source + "_" + Sanitize(ref)
	if len(id) <= maxEventID {
		return id
	}
	h := fnv.New64a()
	h.Write([]byte(ref))
	return fmt.Sprintf("%s_%016x", id[:maxEventID-17], h.Sum64())
}

// Sanitize replaces every byte outside [A-Za-z0-9._-] with an underscore.
func Sanitize(ref string) string {
	var b strings.Builder
	b.Grow(len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// InWindow reports whether t is at or after since (zero since admits all).
func InWindow(t, since time.Time) bool {
	return since.IsZero() || !t.Before(since)
}
