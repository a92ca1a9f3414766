// Package eventlog keeps a local history of delivered push events in the
// push_events table.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devicecloud/internal/event"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// timeLayout is fixed width so received_at sorts as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Entry is one recorded event.
type Entry struct {
	ID         string          `json:"id"`
	MonitorID  string          `json:"monitor_id"`
	Topic      string          `json:"topic"`
	Kind       event.Kind      `json:"kind"`
	Subject    string          `json:"subject,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Event      event.PushEvent `json:"event"`
}

// Filter controls which entries List and Count return.
type Filter struct {
	MonitorID string     // optional
	Kind      event.Kind // optional
	Topic     string     // optional, exact match
	Since     time.Time  // optional, inclusive
	Limit     int        // default 50, max 500
	Offset    int
}

// ListResult is one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores and queries delivered events.
type Repository interface {
	Record(ctx context.Context, ev event.PushEvent) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Count(ctx context.Context, filter Filter) (int, error)
}

// SQLiteRepository is a Repository on the push_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository. The schema must already be
// migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record stores ev. Events without an ID get one; recording the same ID
// twice is a no-op.
func (r *SQLiteRepository) Record(ctx context.Context, ev event.PushEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO push_events (id, monitor_id, topic, kind, subject, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.MonitorID, ev.Topic, string(ev.Kind),
		nullableString(ev.Subject()), string(payload),
		ev.ReceivedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting push event: %w", err)
	}
	return nil
}

// Count returns how many entries match filter. Limit and Offset are
// ignored.
func (r *SQLiteRepository) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	query := "SELECT COUNT(*) FROM push_events " + where //nolint:gosec // WHERE built from parameterised conditions
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting push events: %w", err)
	}
	return n, nil
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter.clamp()

	total, err := r.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	where, args := filter.where()
	query := "SELECT id, monitor_id, topic, kind, subject, payload, received_at FROM push_events " + //nolint:gosec // WHERE built from parameterised conditions
		where + " ORDER BY received_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying push events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			kind       string
			subject    sql.NullString
			payload    string
			receivedAt string
		)
		if err := rows.Scan(&e.ID, &e.MonitorID, &e.Topic, &kind, &subject, &payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning push event: %w", err)
		}
		e.Kind = event.Kind(kind)
		e.Subject = subject.String
		if e.ReceivedAt, err = time.Parse(timeLayout, receivedAt); err != nil {
			return nil, fmt.Errorf("parsing push event timestamp %q: %w", receivedAt, err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("decoding push event %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating push events: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func (f *Filter) clamp() {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (f Filter) where() (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if f.MonitorID != "" {
		conditions = append(conditions, "monitor_id = ?")
		args = append(args, f.MonitorID)
	}
	if f.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Topic != "" {
		conditions = append(conditions, "topic = ?")
		args = append(args, f.Topic)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
