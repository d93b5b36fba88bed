package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/capturd/capturd/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sources(
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			monitored BOOLEAN NOT NULL DEFAULT TRUE,
			auto_capture BOOLEAN NOT NULL DEFAULT TRUE,
			quality TEXT NOT NULL DEFAULT 'best',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS captures(
			id BIGSERIAL PRIMARY KEY,
			source_id BIGINT NOT NULL REFERENCES sources(id),
			source_name TEXT NOT NULL,
			title TEXT NULL,
			category TEXT NULL,
			output_path TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			quality TEXT NOT NULL DEFAULT 'best',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL,
			status TEXT NOT NULL,
			error_message TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_source ON captures(source_id);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);`,
		`CREATE TABLE IF NOT EXISTS capture_logs(
			id BIGSERIAL PRIMARY KEY,
			capture_id BIGINT NULL REFERENCES captures(id),
			source_name TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_capture_logs_capture ON capture_logs(capture_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) CreateSource(ctx context.Context, src *store.Source) error {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	if src.Quality == "" {
		src.Quality = "best"
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO sources(name, display_name, monitored, auto_capture, quality, active, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7) RETURNING id;`,
		src.Name, src.DisplayName, src.Monitored, src.AutoCapture, src.Quality, src.Active, src.CreatedAt.UTC())
	return row.Scan(&src.ID)
}

const sourceCols = `id, name, display_name, monitored, auto_capture, quality, active, created_at`

func (p *DB) GetSource(ctx context.Context, id int64) (store.Source, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sourceCols+` FROM sources WHERE id=$1;`, id)
	return scanSource(row)
}

func (p *DB) GetSourceByName(ctx context.Context, name string) (store.Source, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sourceCols+` FROM sources WHERE name=$1;`, name)
	return scanSource(row)
}

func (p *DB) ListSources(ctx context.Context) ([]store.Source, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+sourceCols+` FROM sources ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

func (p *DB) ListAutoCaptureSources(ctx context.Context) ([]store.Source, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sourceCols+` FROM sources
		WHERE active AND monitored AND auto_capture
		ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

func (p *DB) UpdateSource(ctx context.Context, src store.Source) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sources
		SET display_name=$1, monitored=$2, auto_capture=$3, quality=$4, active=$5
		WHERE id=$6;`,
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

func (p *DB) CreateCapture(ctx context.Context, c *store.Capture) error {
	if c.Status == "" {
		c.Status = store.StatusActive
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO captures(source_id, source_name, title, category, output_path,
			size_bytes, duration_seconds, quality, started_at, ended_at, status, error_message)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, NULL) RETURNING id;`,
		c.SourceID, c.SourceName, c.Title, c.Category, c.OutputPath,
		c.SizeBytes, c.DurationSecs, c.Quality, c.StartedAt.UTC(), c.Status)
	return row.Scan(&c.ID)
}

const captureCols = `id, source_id, source_name, title, category, output_path,
	size_bytes, duration_seconds, quality, started_at, ended_at, status, error_message`

func (p *DB) FindActiveCapture(ctx context.Context, sourceID int64) (store.Capture, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+captureCols+` FROM captures
		WHERE source_id=$1 AND status=$2
		ORDER BY started_at DESC LIMIT 1;`, sourceID, store.StatusActive)
	return scanCapture(row)
}

func (p *DB) FinishCapture(ctx context.Context, id int64, upd store.FinishUpdate) error {
	var errMsg sql.NullString
	if upd.ErrMsg != "" {
		errMsg = sql.NullString{String: upd.ErrMsg, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE captures
		SET status=$1, ended_at=$2, duration_seconds=$3, size_bytes=$4, error_message=$5
		WHERE id=$6 AND status=$7;`,
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

func (p *DB) ListCaptures(ctx context.Context, status string, sourceID int64, limit int) ([]store.Capture, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + captureCols + ` FROM captures WHERE TRUE`
	args := make([]any, 0, 3)
	if status != "" {
		args = append(args, status)
		q += ` AND status=$1`
	}
	if sourceID > 0 {
		args = append(args, sourceID)
		q += ` AND source_id=$` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args)) + `;`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Capture, 0)
	for rows.Next() {
		var c store.Capture
		if err := rows.Scan(&c.ID, &c.SourceID, &c.SourceName, &c.Title, &c.Category, &c.OutputPath,
			&c.SizeBytes, &c.DurationSecs, &c.Quality, &c.StartedAt, &c.EndedAt, &c.Status, &c.ErrMsg); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *DB) AppendLog(ctx context.Context, e store.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO capture_logs(capture_id, source_name, level, message, created_at)
		VALUES($1, $2, $3, $4, $5);`,
		e.CaptureID, e.SourceName, e.Level, e.Message, e.CreatedAt.UTC())
	return err
}

func (p *DB) GetLogs(ctx context.Context, captureID int64, limit int) ([]store.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, capture_id, source_name, level, message, created_at
		FROM capture_logs
		WHERE capture_id=$1
		ORDER BY id ASC LIMIT $2;`, captureID, limit)
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

func (p *DB) Stats(ctx context.Context) (store.Stats, error) {
	st := store.Stats{ByStatus: make(map[string]int64)}
	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes),0) FROM captures;`)
	if err := row.Scan(&st.TotalCaptures, &st.TotalBytes); err != nil {
		return st, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM captures GROUP BY status;`)
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
