package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Capture status values. Active is the only initial state; every other
// state is terminal and a capture never leaves a terminal state.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusStopped   = "stopped"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Source is a monitored channel that may or may not be live. It is owned by
// the CRUD layer; the supervisor and scanner only read it.
type Source struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Monitored   bool      `json:"monitored"`
	AutoCapture bool      `json:"auto_capture"`
	Quality     string    `json:"quality"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Capture is one run of the capture binary against a source.
type Capture struct {
	ID           int64          `json:"id"`
	SourceID     int64          `json:"source_id"`
	SourceName   string         `json:"source_name"`
	Title        sql.NullString `json:"title"`
	Category     sql.NullString `json:"category"`
	OutputPath   string         `json:"output_path"`
	SizeBytes    int64          `json:"size_bytes"`
	DurationSecs int64          `json:"duration_seconds"`
	Quality      string         `json:"quality"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      sql.NullTime   `json:"ended_at"`
	Status       string         `json:"status"`
	ErrMsg       sql.NullString `json:"error_message"`
}

// LogEntry is one line of the capture log trail, optionally linked to a capture.
type LogEntry struct {
	ID         int64         `json:"id"`
	CaptureID  sql.NullInt64 `json:"capture_id"`
	SourceName string        `json:"source_name"`
	Level      string        `json:"level"`
	Message    string        `json:"message"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Stats is a projection over capture aggregates, recomputed on demand.
type Stats struct {
	TotalCaptures int64            `json:"total_captures"`
	TotalBytes    int64            `json:"total_bytes"`
	ActiveCount   int64            `json:"active_count"`
	ByStatus      map[string]int64 `json:"by_status"`
}

// FinishUpdate carries the terminal fields written exactly once per capture.
type FinishUpdate struct {
	Status       string
	EndedAt      time.Time
	DurationSecs int64
	SizeBytes    int64
	ErrMsg       string
}

// Store is the persistence boundary consumed by the supervisor, scanner and
// API layer. Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	CreateSource(ctx context.Context, s *Source) error
	GetSource(ctx context.Context, id int64) (Source, error)
	GetSourceByName(ctx context.Context, name string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	// ListAutoCaptureSources returns active sources with monitoring and
	// auto-capture enabled, i.e. the scanner's work list.
	ListAutoCaptureSources(ctx context.Context) ([]Source, error)
	UpdateSource(ctx context.Context, s Source) error

	CreateCapture(ctx context.Context, c *Capture) error
	// FindActiveCapture returns the single active capture for a source, or
	// ErrNotFound. At most one active capture per source may exist.
	FindActiveCapture(ctx context.Context, sourceID int64) (Capture, error)
	FinishCapture(ctx context.Context, id int64, upd FinishUpdate) error
	ListCaptures(ctx context.Context, status string, sourceID int64, limit int) ([]Capture, error)

	AppendLog(ctx context.Context, e LogEntry) error
	GetLogs(ctx context.Context, captureID int64, limit int) ([]LogEntry, error)

	Stats(ctx context.Context) (Stats, error)
}
