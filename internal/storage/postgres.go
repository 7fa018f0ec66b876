/**
 * PostgreSQL Client for the generals extraction worker
 *
 * Persists versioned general records and batch run summaries. Every save of
 * a key appends a new version; nothing is updated in place.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/confidence"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/lib/pq"
)

// ErrRecordNotFound is returned when no version of a key exists.
var ErrRecordNotFound = errors.New("record not found")

// uniqueViolation is the Postgres SQLSTATE for a primary key clash.
const uniqueViolation = "23505"

// saveAttempts bounds retries when two writers race for the next version.
const saveAttempts = 3

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// NewPostgresClientFromDB wraps an existing handle.
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// SaveRecord stores rec as the next version of its key and returns it with
// the version that was assigned.
func (p *PostgresClient) SaveRecord(ctx context.Context, rec record.GeneralRecord) (record.GeneralRecord, error) {
	if rec.Key == "" {
		return rec, fmt.Errorf("record key is required")
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("failed to marshal record: %w", err)
	}
	// Raw OCR text may carry control characters that JSONB rejects.
	body = sanitizeJSONForPostgres(body)

	query := `
		INSERT INTO generals.general_records (
			key, version, capture_id, key_source, confidence, completeness,
			review_needed, reference_version, record, extracted_at, created_at
		)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4::NUMERIC(5,4), $5::NUMERIC(5,4),
			$6, $7, $8::jsonb, $9, NOW()
		FROM generals.general_records
		WHERE key = $1
		RETURNING version
	`

	var version int
	for attempt := 1; ; attempt++ {
		err = p.db.QueryRowContext(
			ctx,
			query,
			rec.Key,
			rec.CaptureID,
			string(rec.KeySource),
			confidence.Sanitize(rec.Confidence),
			confidence.Sanitize(rec.Completeness),
			rec.ReviewNeeded,
			rec.ReferenceVersion,
			body,
			rec.ExtractedAt,
		).Scan(&version)

		var pqErr *pq.Error
		if err != nil && errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && attempt < saveAttempts {
			continue
		}
		break
	}
	if err != nil {
		return rec, errors.NewStorageFailedError(rec.CaptureID,
			fmt.Errorf("failed to save record (key=%s, confidence=%.4f): %w", rec.Key, confidence.Sanitize(rec.Confidence), err))
	}

	return rec.WithVersion(version), nil
}

// LatestRecord returns the newest version of key.
func (p *PostgresClient) LatestRecord(ctx context.Context, key string) (record.GeneralRecord, error) {
	query := `
		SELECT version, record
		FROM generals.general_records
		WHERE key = $1
		ORDER BY version DESC
		LIMIT 1
	`
	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return record.GeneralRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return record.GeneralRecord{}, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	return rec, nil
}

// RecordHistory returns every version of key, oldest first.
func (p *PostgresClient) RecordHistory(ctx context.Context, key string) ([]record.GeneralRecord, error) {
	query := `
		SELECT version, record
		FROM generals.general_records
		WHERE key = $1
		ORDER BY version ASC
	`
	return p.queryRecords(ctx, query, key)
}

// ReviewQueue returns the latest version of every key still needing review,
// most recent first.
func (p *PostgresClient) ReviewQueue(ctx context.Context, limit int) ([]record.GeneralRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT version, record FROM (
			SELECT DISTINCT ON (key) key, version, record, review_needed, created_at
			FROM generals.general_records
			ORDER BY key, version DESC
		) latest
		WHERE review_needed
		ORDER BY created_at DESC
		LIMIT $1
	`
	return p.queryRecords(ctx, query, limit)
}

func (p *PostgresClient) queryRecords(ctx context.Context, query string, args ...interface{}) ([]record.GeneralRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []record.GeneralRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads a (version, record) row. The stored JSON predates the
// version assignment, so the column wins.
func scanRecord(row rowScanner) (record.GeneralRecord, error) {
	var (
		version int
		body    []byte
		rec     record.GeneralRecord
	)
	if err := row.Scan(&version, &body); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec.WithVersion(version), nil
}

// SaveBatch stores the summary of a finished batch.
func (p *PostgresClient) SaveBatch(ctx context.Context, source string, batch *processor.BatchResult) error {
	if batch == nil || batch.BatchID == "" {
		return fmt.Errorf("batch ID is required")
	}

	failures := batch.Failures
	if failures == nil {
		failures = []processor.Failure{}
	}
	collisions := batch.Collisions
	if collisions == nil {
		collisions = []processor.Collision{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("failed to marshal failures: %w", err)
	}
	collisionsJSON, err := json.Marshal(collisions)
	if err != nil {
		return fmt.Errorf("failed to marshal collisions: %w", err)
	}

	query := `
		INSERT INTO generals.batch_runs (
			batch_id, source, started_at, finished_at,
			total, assembled, failed, review_needed, skipped,
			failures, collisions, created_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, NOW())
		ON CONFLICT (batch_id) DO NOTHING
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		batch.BatchID,
		source,
		batch.StartedAt,
		batch.FinishedAt,
		batch.Stats.Total,
		batch.Stats.Assembled,
		batch.Stats.Failed,
		batch.Stats.ReviewNeeded,
		batch.Stats.Skipped,
		sanitizeJSONForPostgres(failuresJSON),
		collisionsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", batch.BatchID, err)
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips \u0000 and blanks the other C0 control
// escapes, which JSONB refuses.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
