// Package store persists events, attribution links, checkpoints and
// snapshots. Every function takes the *gorm.DB to run against so callers can
// pass a transaction.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/pulse/internal/models"
)

// DefaultBatchSize is the number of events written per transaction.
const DefaultBatchSize = 100

// eventUpdateColumns are refreshed when an event is re-ingested. ingested_at
// keeps the time of first ingestion.
var eventUpdateColumns = []string{
	"occurred_at", "container_id", "container_name", "parent_ref", "actor_id",
	"actor_display", "event_kind", "title", "text", "permalink", "raw_json",
}

// UpsertResult describes the durably committed part of an upsert.
type UpsertResult struct {
	Stored        int
	EventIDs      []string
	MaxOccurredAt time.Time // zero when nothing was committed
}

// SortEvents orders events ascending by occurred_at, breaking ties by event_id.
func SortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].EventID < events[j].EventID
	})
}

// UpsertEvents writes events in chunks of batchSize, one transaction per
// chunk, in ascending occurred_at order. Re-ingesting an event updates it in
// place. On failure the returned result covers only committed chunks and the
// error is a *StoreWriteError (or the context error when ctx is done between
// chunks).
func UpsertEvents(ctx context.Context, db *gorm.DB, events []models.Event, batchSize int) (UpsertResult, error) {
	var res UpsertResult
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	now := Normalize(time.Now())
	byID := make(map[string]int, len(events))
	var rows []models.Event
	for _, e := range events {
		if e.EventID == "" {
			continue
		}
		e.OccurredAt = Normalize(e.OccurredAt)
		if e.IngestedAt.IsZero() {
			e.IngestedAt = now
		} else {
			e.IngestedAt = Normalize(e.IngestedAt)
		}
		if i, ok := byID[e.EventID]; ok {
			rows[i] = e
			continue
		}
		byID[e.EventID] = len(rows)
		rows = append(rows, e)
	}
	SortEvents(rows)

	for start := 0; start < len(rows); start += batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "event_id"}},
				DoUpdates: clause.AssignmentColumns(eventUpdateColumns),
			}).Create(&chunk).Error
		})
		if err != nil {
			return res, &StoreWriteError{Op: fmt.Sprintf("upsert events [%d:%d]", start, end), Err: err}
		}

		res.Stored += len(chunk)
		for _, e := range chunk {
			res.EventIDs = append(res.EventIDs, e.EventID)
		}
		if last := chunk[len(chunk)-1].OccurredAt; last.After(res.MaxOccurredAt) {
			res.MaxOccurredAt = last
		}
	}
	return res, nil
}

// GetEvents loads events by id.
func GetEvents(db *gorm.DB, ids []string) ([]models.Event, error) {
	var out []models.Event
	for _, chunk := range chunkStrings(ids, 500) {
		var part []models.Event
		if err := db.Where("event_id IN ?", chunk).Find(&part).Error; err != nil {
			return nil, fmt.Errorf("store: get events: %w", err)
		}
		out = append(out, part...)
	}
	SortEvents(out)
	return out, nil
}

// EventQuery filters a project's linked events. Zero times are unbounded.
type EventQuery struct {
	From          time.Time
	FromExclusive bool // (From, To] instead of [From, To]
	To            time.Time
	SourceType    string
	Kind          string
	NewestFirst   bool
	Limit         int // 0 means no limit
	Offset        int
}

const linkedEventColumns = "events.*, event_project_links.project_id, event_project_links.attribution_type, " +
	"event_project_links.confidence, event_project_links.rationale"

func projectEventScope(db *gorm.DB, projectID string, q EventQuery) *gorm.DB {
	tx := db.Table("events").
		Joins("JOIN event_project_links ON event_project_links.event_id = events.event_id").
		Where("event_project_links.project_id = ?", projectID)
	if !q.From.IsZero() {
		if q.FromExclusive {
			tx = tx.Where("events.occurred_at > ?", Normalize(q.From))
		} else {
			tx = tx.Where("events.occurred_at >= ?", Normalize(q.From))
		}
	}
	if !q.To.IsZero() {
		tx = tx.Where("events.occurred_at <= ?", Normalize(q.To))
	}
	if q.SourceType != "" {
		tx = tx.Where("events.source_type = ?", q.SourceType)
	}
	if q.Kind != "" {
		tx = tx.Where("events.event_kind = ?", q.Kind)
	}
	return tx
}

// ProjectEvents returns the events linked to projectID that match q, and the
// total number of matches ignoring Limit and Offset.
func ProjectEvents(db *gorm.DB, projectID string, q EventQuery) ([]models.LinkedEvent, int64, error) {
	var total int64
	if err := projectEventScope(db, projectID, q).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count project events: %w", err)
	}

	order := "events.occurred_at ASC, events.event_id ASC"
	if q.NewestFirst {
		order = "events.occurred_at DESC, events.event_id DESC"
	}
	tx := projectEventScope(db, projectID, q).Select(linkedEventColumns).Order(order)
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var out []models.LinkedEvent
	if err := tx.Scan(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("store: project events: %w", err)
	}
	return out, total, nil
}

// WindowEvents returns the events linked to projectID with occurred_at in
// [start, end], ascending.
func WindowEvents(db *gorm.DB, projectID string, start, end time.Time) ([]models.LinkedEvent, error) {
	out, _, err := ProjectEvents(db, projectID, EventQuery{From: start, To: end})
	return out, err
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}
