package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock's pool
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlUpsertDetection = `INSERT INTO detections
		(id, request_id, photo_id, status, results, model_versions, processing_time_ms, tags, summary,
		 confirmation_status, confirmation_updated_at, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		  status = $4, results = $5, model_versions = $6, processing_time_ms = $7, tags = $8, summary = $9`
	sqlDeleteTags      = `DELETE FROM detection_tags WHERE detection_id = $1`
	sqlInsertTag       = `INSERT INTO detection_tags (detection_id, position, name, source, confidence) VALUES ($1, $2, $3, $4, $5)`
	sqlDetectionFields = `SELECT id, request_id, photo_id, status, results, model_versions, processing_time_ms, tags, summary,
		confirmation_status, confirmation_updated_at, correlation_id, created_at FROM detections`
	sqlDLQFields = `SELECT id, request_id, request, error, error_type, retry_count, max_retries, next_retry_at, created_at
		FROM dead_letter_queue`
	sqlCountDLQ = `SELECT COUNT(*) FROM dead_letter_queue`
)

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"upsert_detection": sqlUpsertDetection,
	"delete_tags":      sqlDeleteTags,
	"insert_tag":       sqlInsertTag,
	"get_detection":    sqlDetectionFields + ` WHERE id = $1`,
	"count_dlq":        sqlCountDLQ,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.AfterConnect = prepareStatements

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// prepareStatements registers the hot statements on each new connection.
func prepareStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range preparedStatements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return eris.Wrapf(err, "postgres: prepare %s", name)
		}
	}
	return nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS detections (
	id                      TEXT PRIMARY KEY,
	request_id              TEXT NOT NULL,
	photo_id                TEXT NOT NULL,
	status                  TEXT NOT NULL,
	results                 JSONB NOT NULL DEFAULT '{}'::jsonb,
	model_versions          JSONB NOT NULL DEFAULT '{}'::jsonb,
	processing_time_ms      BIGINT NOT NULL DEFAULT 0,
	tags                    JSONB NOT NULL DEFAULT '[]'::jsonb,
	summary                 JSONB NOT NULL DEFAULT '{}'::jsonb,
	confirmation_status     TEXT NOT NULL DEFAULT 'pending',
	confirmation_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	correlation_id          TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_detections_photo_id ON detections(photo_id);
CREATE INDEX IF NOT EXISTS idx_detections_status ON detections(status);
CREATE INDEX IF NOT EXISTS idx_detections_created_at ON detections(created_at DESC);

CREATE TABLE IF NOT EXISTS detection_tags (
	detection_id TEXT NOT NULL REFERENCES detections(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	name         TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (detection_id, position)
);

CREATE INDEX IF NOT EXISTS idx_detection_tags_name ON detection_tags(name);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL,
	request       JSONB NOT NULL,
	error         TEXT NOT NULL,
	error_type    TEXT NOT NULL DEFAULT 'transient',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	next_retry_at TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveDetection upserts the record and replaces its tag rows in one
// transaction.
func (s *PostgresStore) SaveDetection(ctx context.Context, rec *model.DetectionRecord) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: encode detection")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save detection")
	}

	if err := saveDetectionTx(ctx, tx, rec, cols); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit detection")
}

func saveDetectionTx(ctx context.Context, tx pgx.Tx, rec *model.DetectionRecord, cols encodedRecord) error {
	_, err := tx.Exec(ctx, sqlUpsertDetection,
		rec.ID, rec.RequestID, rec.PhotoID, string(rec.Status),
		cols.results, cols.modelVersions, rec.ProcessingTimeMS, cols.tags, cols.summary,
		string(rec.Confirmation.Status), rec.Confirmation.UpdatedAt, rec.CorrelationID, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert detection %s", rec.ID)
	}
	if _, err := tx.Exec(ctx, sqlDeleteTags, rec.ID); err != nil {
		return eris.Wrapf(err, "postgres: clear tags %s", rec.ID)
	}
	for i, t := range rec.Tags {
		if _, err := tx.Exec(ctx, sqlInsertTag, rec.ID, i, t.Name, string(t.Source), t.Confidence); err != nil {
			return eris.Wrapf(err, "postgres: insert tag %s", t.Name)
		}
	}
	return nil
}

func (s *PostgresStore) GetDetection(ctx context.Context, id string) (*model.DetectionRecord, error) {
	rec, err := scanDetection(s.pool.QueryRow(ctx, sqlDetectionFields+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "detection %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get detection %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListDetections(ctx context.Context, filter DetectionFilter) ([]model.DetectionRecord, error) {
	query := sqlDetectionFields + ` WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.PhotoID != "" {
		query += fmt.Sprintf(` AND photo_id = $%d`, argIdx)
		args = append(args, filter.PhotoID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Tag != "" {
		query += fmt.Sprintf(` AND id IN (SELECT detection_id FROM detection_tags WHERE name = $%d)`, argIdx)
		args = append(args, filter.Tag)
		argIdx++
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list detections")
	}
	defer rows.Close()

	var out []model.DetectionRecord
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan detection")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list detections iterate")
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	requestJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq request")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, request_id, request, error, error_type, retry_count, max_retries, next_retry_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $4, error_type = $5, retry_count = $6, next_retry_at = $8`,
		entry.ID, entry.RequestID, requestJSON, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := sqlDLQFields
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` WHERE error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	return s.queryDLQ(ctx, "list dlq", query, args...)
}

// DequeueDLQ returns entries whose next retry is due and whose retry budget
// is not spent, oldest due first.
func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := sqlDLQFields + ` WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	return s.queryDLQ(ctx, "dequeue dlq", query, args...)
}

func (s *PostgresStore) queryDLQ(ctx context.Context, op, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var requestJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &requestJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(requestJSON, &e.Request); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq request")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, sqlCountDLQ).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
