package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrConflict is returned when the (user, kind, source-id, channel)
// idempotency key already exists.
var ErrConflict = errors.New("idempotency key conflict")

// ErrNotFound is returned when a delivery record is not found.
var ErrNotFound = errors.New("delivery record not found")

// HistoryStore is the durable log of every delivery attempt. Records
// are created by the Router or Retry Engine, mutated only by the
// component driving the current attempt, and never deleted.
type HistoryStore interface {
	// Create inserts a new delivery record. Returns ErrConflict on an
	// idempotency-key collision.
	Create(ctx context.Context, rec *DeliveryRecord) error

	// GetByID retrieves a delivery record.
	GetByID(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error)

	// MarkSent moves a record to sent and stamps sent_at.
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID *string, sentAt time.Time) error

	// MarkDelivered moves a record to delivered.
	MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error

	// MarkRead stamps read_at for a user's record. Returns the number
	// of rows updated so callers can detect foreign records.
	MarkRead(ctx context.Context, userID string, id uuid.UUID, readAt time.Time) (int64, error)

	// ScheduleRetry keeps (or puts) a record in retrying with the next
	// attempt time and the failure that caused it.
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string, code ErrorCode) error

	// MarkFailed terminally fails a record.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, code ErrorCode) error

	// DueRetries returns up to limit records in retrying whose
	// next_attempt_at has elapsed, oldest first.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*DeliveryRecord, error)

	// MarkDeliveredByNotification flips every queued_for_digest record
	// of the given notification ids to delivered. Used by the Digest
	// Engine after a summary email reports sent.
	MarkDeliveredByNotification(ctx context.Context, notificationIDs []uuid.UUID, deliveredAt time.Time) error

	// ListByUser returns a user's records, newest first.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*DeliveryRecord, error)

	// CreateAttempt records one provider attempt.
	CreateAttempt(ctx context.Context, attempt Attempt) error

	// AttemptsFor returns a record's attempts in order.
	AttemptsFor(ctx context.Context, deliveryRecordID uuid.UUID) ([]Attempt, error)
}

// PostgresHistoryStore implements HistoryStore on PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

// NewPostgresHistoryStore creates a PostgreSQL history store.
func NewPostgresHistoryStore(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

const deliveryColumns = `id, notification_id, user_id, kind, source_id, channel, priority,
	title, body, data, status, provider, provider_message_id, retry_count,
	last_attempt_at, next_attempt_at, last_error, last_error_code,
	created_at, sent_at, delivered_at, read_at, correlation_id, idempotency_key`

// Create implements HistoryStore.
func (s *PostgresHistoryStore) Create(ctx context.Context, rec *DeliveryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = IdempotencyKey(rec.UserID, rec.Kind, rec.SourceID, rec.Channel)
	}

	query := `
		INSERT INTO delivery_records (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`

	var lastErrorCode *string
	if rec.LastErrorCode != nil {
		lastErrorCode = Ptr(string(*rec.LastErrorCode))
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.NotificationID, rec.UserID, rec.Kind, rec.SourceID, rec.Channel, rec.Priority,
		rec.Title, rec.Body, rec.Data, rec.Status, rec.Provider, rec.ProviderMessageID, rec.RetryCount,
		rec.LastAttemptAt, rec.NextAttemptAt, rec.LastError, lastErrorCode,
		rec.CreatedAt, rec.SentAt, rec.DeliveredAt, rec.ReadAt, rec.CorrelationID, rec.IdempotencyKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}
	return nil
}

// GetByID implements HistoryStore.
func (s *PostgresHistoryStore) GetByID(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id)
	rec, err := scanDeliveryRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delivery record: %w", err)
	}
	return rec, nil
}

// MarkSent implements HistoryStore. Only pending and retrying records
// may move to sent; the guard keeps the lifecycle forward-only.
func (s *PostgresHistoryStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID *string, sentAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $2, provider_message_id = COALESCE($3, provider_message_id),
			sent_at = $4, last_attempt_at = $4, next_attempt_at = NULL
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`, id, StatusSent, providerMessageID, sentAt)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	return requireRow(result)
}

// MarkDelivered implements HistoryStore.
func (s *PostgresHistoryStore) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $2, delivered_at = $3,
			sent_at = COALESCE(sent_at, $3), last_attempt_at = $3, next_attempt_at = NULL
		WHERE id = $1 AND status IN ('pending', 'retrying', 'sent', 'queued_for_digest')
	`, id, StatusDelivered, deliveredAt)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return requireRow(result)
}

// MarkRead implements HistoryStore.
func (s *PostgresHistoryStore) MarkRead(ctx context.Context, userID string, id uuid.UUID, readAt time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET read_at = $3
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL
	`, id, userID, readAt)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	return result.RowsAffected()
}

// ScheduleRetry implements HistoryStore.
func (s *PostgresHistoryStore) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string, code ErrorCode) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $2, retry_count = $3, next_attempt_at = $4,
			last_attempt_at = $5, last_error = $6, last_error_code = $7
		WHERE id = $1 AND status IN ('pending', 'retrying', 'failed')
	`, id, StatusRetrying, retryCount, nextAttemptAt, time.Now(), lastError, string(code))
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return requireRow(result)
}

// MarkFailed implements HistoryStore.
func (s *PostgresHistoryStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, code ErrorCode) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $2, last_attempt_at = $3, next_attempt_at = NULL,
			last_error = $4, last_error_code = $5
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`, id, StatusFailed, time.Now(), lastError, string(code))
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return requireRow(result)
}

// DueRetries implements HistoryStore.
func (s *PostgresHistoryStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_records
		WHERE status = 'retrying' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due retries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanDeliveryRecords(rows)
}

// MarkDeliveredByNotification implements HistoryStore.
func (s *PostgresHistoryStore) MarkDeliveredByNotification(ctx context.Context, notificationIDs []uuid.UUID, deliveredAt time.Time) error {
	if len(notificationIDs) == 0 {
		return nil
	}

	ids := make([]string, len(notificationIDs))
	for i, id := range notificationIDs {
		ids[i] = id.String()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $2, delivered_at = $3
		WHERE notification_id = ANY($1) AND status = 'queued_for_digest'
	`, pq.Array(ids), StatusDelivered, deliveredAt)
	if err != nil {
		return fmt.Errorf("failed to mark digest records delivered: %w", err)
	}
	return nil
}

// ListByUser implements HistoryStore.
func (s *PostgresHistoryStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanDeliveryRecords(rows)
}

// CreateAttempt implements HistoryStore.
func (s *PostgresHistoryStore) CreateAttempt(ctx context.Context, attempt Attempt) error {
	id := attempt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (
			id, delivery_record_id, attempt_number, success,
			error_message, error_code, started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, attempt.DeliveryRecordID, attempt.AttemptNumber, attempt.Success,
		attempt.ErrorMessage, attempt.ErrorCode, attempt.StartedAt, attempt.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}
	return nil
}

// AttemptsFor implements HistoryStore.
func (s *PostgresHistoryStore) AttemptsFor(ctx context.Context, deliveryRecordID uuid.UUID) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_record_id, attempt_number, success,
			error_message, error_code, started_at, duration_ms
		FROM delivery_attempts
		WHERE delivery_record_id = $1
		ORDER BY attempt_number ASC
	`, deliveryRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.DeliveryRecordID, &a.AttemptNumber, &a.Success,
			&a.ErrorMessage, &a.ErrorCode, &a.StartedAt, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeliveryRecord(row rowScanner) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	var lastErrorCode sql.NullString

	err := row.Scan(
		&rec.ID, &rec.NotificationID, &rec.UserID, &rec.Kind, &rec.SourceID, &rec.Channel, &rec.Priority,
		&rec.Title, &rec.Body, &rec.Data, &rec.Status, &rec.Provider, &rec.ProviderMessageID, &rec.RetryCount,
		&rec.LastAttemptAt, &rec.NextAttemptAt, &rec.LastError, &lastErrorCode,
		&rec.CreatedAt, &rec.SentAt, &rec.DeliveredAt, &rec.ReadAt, &rec.CorrelationID, &rec.IdempotencyKey,
	)
	if err != nil {
		return nil, err
	}

	if lastErrorCode.Valid {
		code := ErrorCode(lastErrorCode.String)
		rec.LastErrorCode = &code
	}
	return &rec, nil
}

func scanDeliveryRecords(rows *sql.Rows) ([]*DeliveryRecord, error) {
	var records []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDeliveryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery records: %w", err)
	}
	return records, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation checks for PostgreSQL error code 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
