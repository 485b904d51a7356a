package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

// Rolling-failure auto-transition: a subscription flips to failed once more
// than half of at least this many recorded deliveries have failed.
const failureTransitionMinAttempts = 10

const subscriptionColumns = `
	id, tenant_id, endpoint_url, secret, events, filters, settings, headers,
	transform, status, total_deliveries, successful_deliveries,
	failed_deliveries, last_delivery, last_success, last_failure,
	created_at, updated_at, deleted_at`

// CreateSubscription inserts a subscription with a freshly generated
// secret. The secret appears in the returned record and nowhere else; list
// and get queries never select it back out.
func (s *PostgresStore) CreateSubscription(ctx context.Context, tenantID string, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	req.Settings.ApplyDefaults()

	filters, err := marshalNullable(req.Filters)
	if err != nil {
		return nil, fmt.Errorf("encoding filters: %w", err)
	}
	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}
	headers, err := marshalNullable(req.Headers)
	if err != nil {
		return nil, fmt.Errorf("encoding headers: %w", err)
	}

	events := make([]string, len(req.Events))
	for i, e := range req.Events {
		events[i] = string(e)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (tenant_id, endpoint_url, secret, events, filters, settings, headers, transform)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+subscriptionColumns,
		tenantID, req.EndpointURL, secret, events, filters, settings, headers, req.Transform,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	sub.Secret = secret
	return sub, nil
}

// GetSubscription returns one subscription scoped to a tenant, or nil when
// absent. The secret is redacted.
func (s *PostgresStore) GetSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID)

	sub, err := scanSubscription(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	sub.Secret = ""
	return sub, nil
}

// GetSubscriptionWithSecret is the variant used by the pipeline
// and replay paths, which need the signing secret.
func (s *PostgresStore) GetSubscriptionWithSecret(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID)

	sub, err := scanSubscription(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns all non-deleted subscriptions for a tenant,
// secrets redacted.
func (s *PostgresStore) ListSubscriptions(ctx context.Context, tenantID string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		sub.Secret = ""
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ResolveSubscriptions answers "who is subscribed to this event type for
// this tenant". Only active subscriptions resolve; paused and failed ones
// stay visible to management calls but receive nothing.
func (s *PostgresStore) ResolveSubscriptions(ctx context.Context, tenantID string, eventType domain.EventType) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
		  AND status = 'active'
		  AND deleted_at IS NULL
		  AND $2 = ANY(events)
	`, tenantID, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("resolving subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubscription patches the mutable fields. Stats and status are not
// reachable from here; they belong to the pipeline and the lifecycle
// endpoints.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(clause string, val interface{}) {
		setClauses = append(setClauses, fmt.Sprintf(clause, argIdx))
		args = append(args, val)
		argIdx++
	}

	if req.EndpointURL != nil {
		add("endpoint_url = $%d", *req.EndpointURL)
	}
	if req.Events != nil {
		events := make([]string, len(req.Events))
		for i, e := range req.Events {
			events[i] = string(e)
		}
		add("events = $%d", events)
	}
	if req.Filters != nil {
		filters, err := json.Marshal(req.Filters)
		if err != nil {
			return nil, fmt.Errorf("encoding filters: %w", err)
		}
		add("filters = $%d", filters)
	}
	if req.Settings != nil {
		req.Settings.ApplyDefaults()
		settings, err := json.Marshal(req.Settings)
		if err != nil {
			return nil, fmt.Errorf("encoding settings: %w", err)
		}
		add("settings = $%d", settings)
	}
	if req.Headers != nil {
		headers, err := json.Marshal(req.Headers)
		if err != nil {
			return nil, fmt.Errorf("encoding headers: %w", err)
		}
		add("headers = $%d", headers)
	}
	if req.Transform != nil {
		add("transform = $%d", *req.Transform)
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, tenantID, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d AND tenant_id = $%d AND deleted_at IS NULL
		RETURNING `+subscriptionColumns,
		joinClauses(setClauses), argIdx, argIdx+1)
	args = append(args, id, tenantID)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	sub.Secret = ""
	return sub, nil
}

// SetSubscriptionStatus moves a subscription between active and paused, or
// resumes one the engine marked failed.
func (s *PostgresStore) SetSubscriptionStatus(ctx context.Context, tenantID, id string, status domain.SubscriptionStatus) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID, string(status))
	if err != nil {
		return fmt.Errorf("setting subscription status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteSubscription soft-deletes; audit history keeps referencing the row.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// autoFailAfter reports whether one more outcome pushes the rolling
// counters over the automatic failed threshold: at least ten total
// deliveries with failures strictly above half. The condition is checked
// on every outcome, not only failures — a success can be the delivery
// that lifts the total past the floor while the ratio already exceeds
// 50%. The UPDATE in RecordOutcome evaluates this exact condition in SQL
// against the pre-increment column values.
func autoFailAfter(total, failed int64, success bool) bool {
	total++
	if !success {
		failed++
	}
	return total >= failureTransitionMinAttempts && failed*2 > total
}

// RecordOutcome increments the rolling delivery counters for one completed
// event (not one attempt) and applies the automatic failed transition per
// autoFailAfter. The whole read-modify-write happens inside a single
// UPDATE so concurrent delivery completions cannot lose increments.
func (s *PostgresStore) RecordOutcome(ctx context.Context, subscriptionID string, success bool, responseTimeMs int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_delivery = NOW(),
			last_success = CASE WHEN $2 THEN NOW() ELSE last_success END,
			last_failure = CASE WHEN $2 THEN last_failure ELSE NOW() END,
			status = CASE
				WHEN status = 'active'
					AND total_deliveries + 1 >= $3
					AND (failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END) * 2 > total_deliveries + 1
				THEN 'failed'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1
	`, subscriptionID, success, failureTransitionMinAttempts)
	if err != nil {
		return fmt.Errorf("recording delivery outcome: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		events   []string
		filters  []byte
		settings []byte
		headers  []byte
	)
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.EndpointURL, &sub.Secret, &events,
		&filters, &settings, &headers, &sub.Transform, &sub.Status,
		&sub.Stats.TotalDeliveries, &sub.Stats.SuccessfulDeliveries,
		&sub.Stats.FailedDeliveries, &sub.Stats.LastDelivery,
		&sub.Stats.LastSuccess, &sub.Stats.LastFailure,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Events = make([]domain.EventType, len(events))
	for i, e := range events {
		sub.Events[i] = domain.EventType(e)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &sub.Filters); err != nil {
			return nil, fmt.Errorf("decoding filters: %w", err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &sub.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sub.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers: %w", err)
		}
	}
	return &sub, nil
}

func marshalNullable(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case *domain.FilterSpec:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
