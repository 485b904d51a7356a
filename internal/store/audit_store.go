package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

// AttemptRecord holds data for appending one delivery attempt to the audit
// log.
type AttemptRecord struct {
	SubscriptionID  string
	EventID         string
	EventType       domain.EventType
	AttemptNumber   int
	Status          string
	HTTPStatus      *int
	ResponseTimeMs  int
	PayloadSnapshot json.RawMessage
	ErrorDetail     string
	DeliveredAt     *time.Time
}

// RecordAttempt appends one audit row. The log is append-only; rows are
// never updated, replays produce new rows.
func (s *PostgresStore) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	var errDetail *string
	if rec.ErrorDetail != "" {
		errDetail = &rec.ErrorDetail
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts
			(subscription_id, event_id, event_type, attempt_number, status,
			 http_status, response_time_ms, payload_snapshot, error_detail, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.SubscriptionID, rec.EventID, string(rec.EventType), rec.AttemptNumber,
		rec.Status, rec.HTTPStatus, rec.ResponseTimeMs, rec.PayloadSnapshot,
		errDetail, rec.DeliveredAt)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

const attemptColumns = `
	id, subscription_id, event_id, event_type, attempt_number, status,
	http_status, response_time_ms, payload_snapshot, error_detail,
	created_at, delivered_at`

// ListAttempts returns audit rows with optional filtering, newest first.
func (s *PostgresStore) ListAttempts(ctx context.Context, subscriptionID, eventID, status string, limit int) ([]domain.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if subscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, subscriptionID)
		argIdx++
	}
	if eventID != "" {
		conditions = append(conditions, fmt.Sprintf("event_id = $%d", argIdx))
		args = append(args, eventID)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// GetAttempt returns a single audit row, or nil when absent.
func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = $1
	`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery attempt: %w", err)
	}
	return a, nil
}

// AttemptStats aggregates audit rows for one subscription over a window.
type AttemptStats struct {
	Total         int     `json:"total"`
	Delivered     int     `json:"delivered"`
	Failed        int     `json:"failed"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// AttemptStatsSince computes delivery statistics for a subscription from
// audit rows created after the cutoff. Retrying and filtered rows do not
// count toward success or failure.
func (s *PostgresStore) AttemptStatsSince(ctx context.Context, subscriptionID string, since time.Time) (*AttemptStats, error) {
	var stats AttemptStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0) AS avg_response_ms
		FROM delivery_attempts
		WHERE subscription_id = $1 AND created_at >= $2
	`, subscriptionID, since).Scan(&stats.Total, &stats.Delivered, &stats.Failed, &stats.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying attempt stats: %w", err)
	}
	return &stats, nil
}

// FailedAttemptsSince returns terminally failed attempts for replay,
// oldest first, bounded by limit.
func (s *PostgresStore) FailedAttemptsSince(ctx context.Context, subscriptionID string, since time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE subscription_id = $1 AND status = 'failed' AND created_at >= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, subscriptionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying failed attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning failed attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// PurgeAttemptsBefore deletes audit rows older than the cutoff. Invoked by
// the retention sweep, not by request handlers.
func (s *PostgresStore) PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM delivery_attempts WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging delivery attempts: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanAttempt(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var (
		a         domain.DeliveryAttempt
		eventType string
	)
	err := row.Scan(
		&a.ID, &a.SubscriptionID, &a.EventID, &eventType, &a.AttemptNumber,
		&a.Status, &a.HTTPStatus, &a.ResponseTimeMs, &a.PayloadSnapshot,
		&a.ErrorDetail, &a.CreatedAt, &a.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	a.EventType = domain.EventType(eventType)
	return &a, nil
}
