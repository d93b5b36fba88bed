package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capturd/capturd/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a filesystem location for the database file; use ":memory:"
// for an in-memory database in tests.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single writer avoids SQLITE_BUSY under concurrent finalize/log writes
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sources(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			monitored BOOLEAN NOT NULL DEFAULT 1,
			auto_capture BOOLEAN NOT NULL DEFAULT 1,
			quality TEXT NOT NULL DEFAULT 'best',
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS captures(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL REFERENCES sources(id),
			source_name TEXT NOT NULL,
			title TEXT NULL,
			category TEXT NULL,
			output_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			quality TEXT NOT NULL DEFAULT 'best',
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NULL,
			status TEXT NOT NULL,
			error_message TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_source ON captures(source_id);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);`,
		`CREATE TABLE IF NOT EXISTS capture_logs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			capture_id INTEGER NULL REFERENCES captures(id),
			source_name TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_capture_logs_capture ON capture_logs(capture_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) CreateSource(ctx context.Context, src *store.Source) error {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	if src.Quality == "" {
		src.Quality = "best"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sources(name, display_name, monitored, auto_capture, quality, active, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		src.Name, src.DisplayName, src.Monitored, src.AutoCapture, src.Quality, src.Active, src.CreatedAt.UTC())
	if err != nil {
		return err
	}
	src.ID, err = res.LastInsertId()
	return err
}

const sourceCols = `id, name, display_name, monitored, auto_capture, quality, active, created_at`

func (s *DB) GetSource(ctx context.Context, id int64) (store.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceCols+` FROM sources WHERE id=?;`, id)
	return scanSource(row)
}

func (s *DB) GetSourceByName(ctx context.Context, name string) (store.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceCols+` FROM sources WHERE name=?;`, name)
	return scanSource(row)
}

func (s *DB) ListSources(ctx context.Context) ([]store.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceCols+` FROM sources ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

func (s *DB) ListAutoCaptureSources(ctx context.Context) ([]store.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sourceCols+` FROM sources
		WHERE active=1 AND monitored=1 AND auto_capture=1
		ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

func (s *DB) UpdateSource(ctx context.Context, src store.Source) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources
		SET display_name=?, monitored=?, auto_capture=?, quality=?, active=?
		WHERE id=?;`,
		src.DisplayName, src.Monitored, src.AutoCapture, src.Quality, src.Active, src.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return err
}

func (s *DB) CreateCapture(ctx context.Context, c *store.Capture) error {
	if c.Status == "" {
		c.Status = store.StatusActive
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO captures(source_id, source_name, title, category, output_path,
			size_bytes, duration_seconds, quality, started_at, ended_at, status, error_message)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL);`,
		c.SourceID, c.SourceName, c.Title, c.Category, c.OutputPath,
		c.SizeBytes, c.DurationSecs, c.Quality, c.StartedAt.UTC(), c.Status)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

const captureCols = `id, source_id, source_name, title, category, output_path,
	size_bytes, duration_seconds, quality, started_at, ended_at, status, error_message`

func (s *DB) FindActiveCapture(ctx context.Context, sourceID int64) (store.Capture, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+captureCols+` FROM captures
		WHERE source_id=? AND status=?
		ORDER BY started_at DESC LIMIT 1;`, sourceID, store.StatusActive)
	return scanCapture(row)
}

func (s *DB) FinishCapture(ctx context.Context, id int64, upd store.FinishUpdate) error {
	var errMsg sql.NullString
	if upd.ErrMsg != "" {
		errMsg = sql.NullString{String: upd.ErrMsg, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE captures
		SET status=?, ended_at=?, duration_seconds=?, size_bytes=?, error_message=?
		WHERE id=? AND status=?;`,
		upd.Status, upd.EndedAt.UTC(), upd.DurationSecs, upd.SizeBytes, errMsg, id, store.StatusActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return err
}

func (s *DB) ListCaptures(ctx context.Context, status string, sourceID int64, limit int) ([]store.Capture, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + captureCols + ` FROM captures WHERE 1=1`
	args := make([]any, 0, 3)
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	if sourceID > 0 {
		q += ` AND source_id=?`
		args = append(args, sourceID)
	}
	q += ` ORDER BY started_at DESC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Capture, 0)
	for rows.Next() {
		c, err := scanCaptureRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DB) AppendLog(ctx context.Context, e store.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_logs(capture_id, source_name, level, message, created_at)
		VALUES(?, ?, ?, ?, ?);`,
		e.CaptureID, e.SourceName, e.Level, e.Message, e.CreatedAt.UTC())
	return err
}

func (s *DB) GetLogs(ctx context.Context, captureID int64, limit int) ([]store.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capture_id, source_name, level, message, created_at
		FROM capture_logs
		WHERE capture_id=?
		ORDER BY id ASC LIMIT ?;`, captureID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.LogEntry, 0)
	for rows.Next() {
		var e store.LogEntry
		if err := rows.Scan(&e.ID, &e.CaptureID, &e.SourceName, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) Stats(ctx context.Context) (store.Stats, error) {
	st := store.Stats{ByStatus: make(map[string]int64)}
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes),0) FROM captures;`)
	if err := row.Scan(&st.TotalCaptures, &st.TotalBytes); err != nil {
		return st, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM captures GROUP BY status;`)
	if err != nil {
		return st, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.ByStatus[status] = n
	}
	st.ActiveCount = st.ByStatus[store.StatusActive]
	return st, rows.Err()
}

func scanSource(row *sql.Row) (store.Source, error) {
	var src store.Source
	err := row.Scan(&src.ID, &src.Name, &src.DisplayName, &src.Monitored,
		&src.AutoCapture, &src.Quality, &src.Active, &src.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return src, store.ErrNotFound
	}
	return src, err
}

func scanSources(rows *sql.Rows) ([]store.Source, error) {
	out := make([]store.Source, 0)
	for rows.Next() {
		var src store.Source
		if err := rows.Scan(&src.ID, &src.Name, &src.DisplayName, &src.Monitored,
			&src.AutoCapture, &src.Quality, &src.Active, &src.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanCapture(row *sql.Row) (store.Capture, error) {
	var c store.Capture
	err := row.Scan(&c.ID, &c.SourceID, &c.SourceName, &c.Title, &c.Category, &c.OutputPath,
		&c.SizeBytes, &c.DurationSecs, &c.Quality, &c.StartedAt, &c.EndedAt, &c.Status, &c.ErrMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return c, store.ErrNotFound
	}
	return c, err
}

func scanCaptureRow(rows *sql.Rows) (store.Capture, error) {
	var c store.Capture
	err := rows.Scan(&c.ID, &c.SourceID, &c.SourceName, &c.Title, &c.Category, &c.OutputPath,
		&c.SizeBytes, &c.DurationSecs, &c.Quality, &c.StartedAt, &c.EndedAt, &c.Status, &c.ErrMsg)
	return c, err
}
