package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS detections (
	id                      TEXT PRIMARY KEY,
	request_id              TEXT NOT NULL,
	photo_id                TEXT NOT NULL,
	status                  TEXT NOT NULL,
	results                 TEXT NOT NULL DEFAULT '{}',
	model_versions          TEXT NOT NULL DEFAULT '{}',
	processing_time_ms      INTEGER NOT NULL DEFAULT 0,
	tags                    TEXT NOT NULL DEFAULT '[]',
	summary                 TEXT NOT NULL DEFAULT '{}',
	confirmation_status     TEXT NOT NULL DEFAULT 'pending',
	confirmation_updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	correlation_id          TEXT NOT NULL DEFAULT '',
	created_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_detections_photo_id ON detections(photo_id);
CREATE INDEX IF NOT EXISTS idx_detections_status ON detections(status);

CREATE TABLE IF NOT EXISTS detection_tags (
	detection_id TEXT NOT NULL REFERENCES detections(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	name         TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (detection_id, position)
);

CREATE INDEX IF NOT EXISTS idx_detection_tags_name ON detection_tags(name);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL,
	request       TEXT NOT NULL,
	error         TEXT NOT NULL,
	error_type    TEXT NOT NULL DEFAULT 'transient',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	next_retry_at DATETIME NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveDetection(ctx context.Context, rec *model.DetectionRecord) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode detection")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save detection")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO detections
		 (id, request_id, photo_id, status, results, model_versions, processing_time_ms, tags, summary,
		  confirmation_status, confirmation_updated_at, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status, results = excluded.results, model_versions = excluded.model_versions,
		   processing_time_ms = excluded.processing_time_ms, tags = excluded.tags, summary = excluded.summary`,
		rec.ID, rec.RequestID, rec.PhotoID, string(rec.Status),
		string(cols.results), string(cols.modelVersions), rec.ProcessingTimeMS, string(cols.tags), string(cols.summary),
		string(rec.Confirmation.Status), rec.Confirmation.UpdatedAt, rec.CorrelationID, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert detection %s", rec.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM detection_tags WHERE detection_id = ?`, rec.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear tags %s", rec.ID)
	}
	for i, t := range rec.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO detection_tags (detection_id, position, name, source, confidence) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, i, t.Name, string(t.Source), t.Confidence,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert tag %s", t.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit detection")
}

const sqliteDetectionFields = `SELECT id, request_id, photo_id, status, results, model_versions, processing_time_ms, tags, summary,
	confirmation_status, confirmation_updated_at, correlation_id, created_at FROM detections`

func (s *SQLiteStore) GetDetection(ctx context.Context, id string) (*model.DetectionRecord, error) {
	rec, err := scanDetection(s.db.QueryRowContext(ctx, sqliteDetectionFields+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "detection %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get detection %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListDetections(ctx context.Context, filter DetectionFilter) ([]model.DetectionRecord, error) {
	query := sqliteDetectionFields + ` WHERE 1=1`
	var args []any

	if filter.PhotoID != "" {
		query += ` AND photo_id = ?`
		args = append(args, filter.PhotoID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Tag != "" {
		query += ` AND id IN (SELECT detection_id FROM detection_tags WHERE name = ?)`
		args = append(args, filter.Tag)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list detections")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DetectionRecord
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan detection")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list detections iterate")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	requestJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq request")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, request_id, request, error, error_type, retry_count, max_retries, next_retry_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at`,
		entry.ID, entry.RequestID, string(requestJSON), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

const sqliteDLQFields = `SELECT id, request_id, request, error, error_type, retry_count, max_retries, next_retry_at, created_at
	FROM dead_letter_queue`

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := sqliteDLQFields
	var args []any
	if filter.ErrorType != "" {
		query += ` WHERE error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryDLQ(ctx, "list dlq", query, args...)
}

// DequeueDLQ returns entries whose next retry is due and whose retry budget
// is not spent, oldest due first.
func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := sqliteDLQFields + ` WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	return s.queryDLQ(ctx, "dequeue dlq", query, args...)
}

func (s *SQLiteStore) queryDLQ(ctx context.Context, op, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var requestJSON string
		if err := rows.Scan(&e.ID, &e.RequestID, &requestJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(requestJSON), &e.Request); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq request")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: increment dlq rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: dlq entry %s", id)
	}
	return nil
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}
