package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDLQNotFound is returned when a DLQ record is not found.
var ErrDLQNotFound = errors.New("dlq record not found")

// DLQFilter narrows DLQ listings.
type DLQFilter struct {
	UserID       string
	Channel      Channel
	ReviewStatus ReviewStatus
	Limit        int
}

// DLQStats summarizes the dead letter queue.
type DLQStats struct {
	TotalCount    int64            `json:"total_count"`
	CountByStatus map[string]int64 `json:"count_by_status"`
	CountByKind   map[string]int64 `json:"count_by_kind"`
	OldestItem    *time.Time       `json:"oldest_item,omitempty"`
}

// DLQStore is the durable queue of permanently failed deliveries
// awaiting human action. Records are created by the Retry Engine (or
// the ingestor for unroutable messages) and closed by admin action.
type DLQStore interface {
	// Create inserts a new DLQ record in pending_review.
	Create(ctx context.Context, rec *DLQRecord) error

	// GetByID retrieves a DLQ record.
	GetByID(ctx context.Context, id uuid.UUID) (*DLQRecord, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter DLQFilter) ([]*DLQRecord, error)

	// Claim moves a pending record to under_review for a resolver.
	Claim(ctx context.Context, id uuid.UUID, resolverID string) error

	// Close resolves or abandons a record with notes.
	Close(ctx context.Context, id uuid.UUID, status ReviewStatus, resolverID, notes string) error

	// Stats summarizes the queue.
	Stats(ctx context.Context) (*DLQStats, error)
}

// PostgresDLQStore implements DLQStore on PostgreSQL.
type PostgresDLQStore struct {
	db *sql.DB
}

// NewPostgresDLQStore creates a PostgreSQL DLQ store.
func NewPostgresDLQStore(db *sql.DB) *PostgresDLQStore {
	return &PostgresDLQStore{db: db}
}

const dlqColumns = `id, delivery_record_id, user_id, kind, source_id, channel, priority,
	title, body, reason, total_attempts, failure_history, review_status,
	resolver_id, resolution_notes, correlation_id, created_at, updated_at`

// Create implements DLQStore.
func (s *PostgresDLQStore) Create(ctx context.Context, rec *DLQRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.ReviewStatus == "" {
		rec.ReviewStatus = ReviewPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq_records (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, rec.ID, rec.DeliveryRecordID, rec.UserID, rec.Kind, rec.SourceID, rec.Channel, rec.Priority,
		rec.Title, rec.Body, rec.Reason, rec.TotalAttempts, rec.FailureHistory, rec.ReviewStatus,
		rec.ResolverID, rec.ResolutionNotes, rec.CorrelationID, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dlq record: %w", err)
	}
	return nil
}

// GetByID implements DLQStore.
func (s *PostgresDLQStore) GetByID(ctx context.Context, id uuid.UUID) (*DLQRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_records WHERE id = $1`, id)
	rec, err := scanDLQRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDLQNotFound
		}
		return nil, fmt.Errorf("failed to get dlq record: %w", err)
	}
	return rec, nil
}

// List implements DLQStore.
func (s *PostgresDLQStore) List(ctx context.Context, filter DLQFilter) ([]*DLQRecord, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_records WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Channel != "" {
		query += fmt.Sprintf(" AND channel = $%d", argIdx)
		args = append(args, filter.Channel)
		argIdx++
	}
	if filter.ReviewStatus != "" {
		query += fmt.Sprintf(" AND review_status = $%d", argIdx)
		args = append(args, filter.ReviewStatus)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*DLQRecord
	for rows.Next() {
		rec, err := scanDLQRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dlq record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dlq records: %w", err)
	}
	return records, nil
}

// Claim implements DLQStore.
func (s *PostgresDLQStore) Claim(ctx context.Context, id uuid.UUID, resolverID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dlq_records
		SET review_status = $2, resolver_id = $3, updated_at = $4
		WHERE id = $1 AND review_status = 'pending_review'
	`, id, ReviewUnderway, resolverID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to claim dlq record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDLQNotFound
	}
	return nil
}

// Close implements DLQStore.
func (s *PostgresDLQStore) Close(ctx context.Context, id uuid.UUID, status ReviewStatus, resolverID, notes string) error {
	if status != ReviewResolved && status != ReviewAbandoned {
		return fmt.Errorf("invalid closing status: %s", status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE dlq_records
		SET review_status = $2, resolver_id = $3, resolution_notes = $4, updated_at = $5
		WHERE id = $1 AND review_status IN ('pending_review', 'under_review')
	`, id, status, resolverID, notes, time.Now())
	if err != nil {
		return fmt.Errorf("failed to close dlq record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDLQNotFound
	}
	return nil
}

// Stats implements DLQStore.
func (s *PostgresDLQStore) Stats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{
		CountByStatus: make(map[string]int64),
		CountByKind:   make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq_records`).Scan(&stats.TotalCount); err != nil {
		return nil, fmt.Errorf("failed to get dlq count: %w", err)
	}

	statusRows, err := s.db.QueryContext(ctx, `
		SELECT review_status, COUNT(*) FROM dlq_records GROUP BY review_status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq count by status: %w", err)
	}
	defer func() { _ = statusRows.Close() }()
	for statusRows.Next() {
		var st string
		var count int64
		if err := statusRows.Scan(&st, &count); err != nil {
			continue
		}
		stats.CountByStatus[st] = count
	}

	kindRows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM dlq_records GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq count by kind: %w", err)
	}
	defer func() { _ = kindRows.Close() }()
	for kindRows.Next() {
		var k string
		var count int64
		if err := kindRows.Scan(&k, &count); err != nil {
			continue
		}
		stats.CountByKind[k] = count
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM dlq_records`).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get oldest dlq record: %w", err)
	}
	if oldest.Valid {
		stats.OldestItem = &oldest.Time
	}

	return stats, nil
}

func scanDLQRecord(row rowScanner) (*DLQRecord, error) {
	var rec DLQRecord
	err := row.Scan(
		&rec.ID, &rec.DeliveryRecordID, &rec.UserID, &rec.Kind, &rec.SourceID, &rec.Channel, &rec.Priority,
		&rec.Title, &rec.Body, &rec.Reason, &rec.TotalAttempts, &rec.FailureHistory, &rec.ReviewStatus,
		&rec.ResolverID, &rec.ResolutionNotes, &rec.CorrelationID, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
