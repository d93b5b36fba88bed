package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/capturd/capturd/internal/events"
)

// Sink sends capture lifecycle events to ClickHouse using the official client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, database, username, password, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = "capture_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, capture_id, source_id, source_name, output_path, size_bytes, duration_seconds, status, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.Capture.ID,
		e.Capture.SourceID,
		e.Capture.SourceName,
		e.Capture.OutputPath,
		e.Capture.SizeBytes,
		e.Capture.DurationSecs,
		e.Capture.Status,
		e.Capture.ErrMsg.String,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
