package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

const eventColumns = `id, provider, event_id, event_type, signature, timestamp, payload, source_ip,
	processed, processing_error, received_at, processed_at`

func scanEvent(row rowScanner) (*webhooks.Event, error) {
	var (
		e           webhooks.Event
		payload     []byte
		processedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.Signature, &e.Timestamp, &payload, &e.SourceIP,
		&e.Processed, &e.ProcessingError, &e.ReceivedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.ProcessedAt = timePtr(processedAt)
	e.Timestamp = e.Timestamp.UTC()
	e.ReceivedAt = e.ReceivedAt.UTC()
	return &e, nil
}

// SaveEvent implements webhooks.Store
func (s *Store) SaveEvent(ctx context.Context, e *webhooks.Event) (*webhooks.Event, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	q := s.q(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO webhook_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		id, e.Provider, e.EventID, e.EventType, e.Signature, e.Timestamp.UTC(), []byte(e.Payload), e.SourceIP,
		e.Processed, e.ProcessingError, e.ReceivedAt.UTC(), nullTime(e.ProcessedAt),
	)
	if err != nil {
		return nil, wrap(err, "save event %s/%s", e.Provider, e.EventID)
	}

	stored, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND event_id = $2`, e.Provider, e.EventID))
	if err != nil {
		return nil, wrap(err, "read event %s/%s", e.Provider, e.EventID)
	}
	return stored, nil
}

// GetEvent implements webhooks.Store
func (s *Store) GetEvent(ctx context.Context, provider, eventID string) (*webhooks.Event, error) {
	e, err := scanEvent(s.q(ctx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID))
	if err != nil {
		return nil, wrap(err, "get event %s/%s", provider, eventID)
	}
	return e, nil
}

// MarkEventProcessed implements webhooks.Store
func (s *Store) MarkEventProcessed(ctx context.Context, provider, eventID string, at time.Time, processingError string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE webhook_events
		SET processing_error = $4::text,
			processed = CASE WHEN $4::text = '' THEN TRUE ELSE processed END,
			processed_at = CASE WHEN $4::text = '' THEN $3::timestamptz ELSE processed_at END
		WHERE provider = $1 AND event_id = $2`,
		provider, eventID, at.UTC(), processingError,
	)
	if err != nil {
		return wrap(err, "mark event %s/%s", provider, eventID)
	}
	return requireRow(res, "event", provider+"/"+eventID)
}

// requireRow reports ErrNotFound when a keyed write touched nothing
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err, "read affected rows")
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", billing.ErrNotFound, kind, id)
	}
	return nil
}

const dedupColumns = `provider, event_id, state, first_seen, last_seen, occurrence_count, lease_until, expires_at`

func scanDedup(row rowScanner, extra ...interface{}) (*webhooks.DedupRecord, error) {
	var (
		d          webhooks.DedupRecord
		leaseUntil sql.NullTime
	)
	dest := append([]interface{}{&d.Provider, &d.EventID, &d.State, &d.FirstSeen, &d.LastSeen,
		&d.OccurrenceCount, &leaseUntil, &d.ExpiresAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	d.LeaseUntil = timePtr(leaseUntil)
	d.FirstSeen = d.FirstSeen.UTC()
	d.LastSeen = d.LastSeen.UTC()
	d.ExpiresAt = d.ExpiresAt.UTC()
	return &d, nil
}

// AcquireEvent implements webhooks.Store in one upsert. A record is taken
// over when it failed or its processing lease lapsed; the caller holds the
// event exactly when the stored lease is the one it asked for.
func (s *Store) AcquireEvent(ctx context.Context, provider, eventID string, now time.Time, lease, ttl time.Duration) (*webhooks.DedupRecord, bool, error) {
	now = now.UTC()
	leaseUntil := now.Add(lease)

	var acquired bool
	d, err := scanDedup(s.q(ctx).QueryRowContext(ctx, `
		INSERT INTO webhook_dedup AS d (`+dedupColumns+`)
		VALUES ($1, $2, 'processing', $3, $3, 1, $4, $5)
		ON CONFLICT (provider, event_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			occurrence_count = d.occurrence_count + 1,
			state = CASE WHEN `+takeover+` THEN 'processing' ELSE d.state END,
			lease_until = CASE WHEN `+takeover+` THEN EXCLUDED.lease_until ELSE d.lease_until END,
			expires_at = CASE WHEN `+takeover+` THEN EXCLUDED.expires_at ELSE d.expires_at END
		RETURNING `+dedupColumns+`, (d.state = 'processing' AND d.lease_until = $4)`,
		provider, eventID, now, leaseUntil, now.Add(ttl),
	), &acquired)
	if err != nil {
		return nil, false, wrap(err, "acquire event %s/%s", provider, eventID)
	}
	return d, acquired, nil
}

const takeover = `(d.state = 'failed' OR (d.state = 'processing' AND (d.lease_until IS NULL OR d.lease_until <= EXCLUDED.last_seen)))`

// SetDedupState implements webhooks.Store
func (s *Store) SetDedupState(ctx context.Context, provider, eventID string, state webhooks.DedupState, now time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE webhook_dedup
		SET state = $3::text,
			lease_until = CASE WHEN $3::text = 'processing' THEN lease_until ELSE NULL END,
			last_seen = GREATEST(last_seen, $4::timestamptz)
		WHERE provider = $1 AND event_id = $2`,
		provider, eventID, string(state), now.UTC(),
	)
	if err != nil {
		return wrap(err, "set dedup state of %s/%s", provider, eventID)
	}
	return requireRow(res, "dedup record", provider+"/"+eventID)
}

// GetDedup implements webhooks.Store
func (s *Store) GetDedup(ctx context.Context, provider, eventID string) (*webhooks.DedupRecord, error) {
	d, err := scanDedup(s.q(ctx).QueryRowContext(ctx, `SELECT `+dedupColumns+` FROM webhook_dedup WHERE provider = $1 AND event_id = $2`, provider, eventID))
	if err != nil {
		return nil, wrap(err, "get dedup record %s/%s", provider, eventID)
	}
	return d, nil
}

// PurgeExpiredDedup implements webhooks.Store
func (s *Store) PurgeExpiredDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM webhook_dedup
		WHERE state IN ('processed', 'failed') AND expires_at < $1`, now.UTC())
	if err != nil {
		return 0, wrap(err, "purge dedup records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(err, "purge dedup records")
	}
	return n, nil
}

const retryColumns = `id, target, provider, event_id, payload, max_attempts, current_attempt, next_retry_at,
	failure_reason, status, lease_until, created_at, updated_at, completed_at`

func scanRetry(row rowScanner) (*webhooks.Retry, error) {
	var (
		r                       webhooks.Retry
		payload                 []byte
		leaseUntil, completedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Target, &r.Provider, &r.EventID, &payload, &r.MaxAttempts, &r.CurrentAttempt, &r.NextRetryAt,
		&r.FailureReason, &r.Status, &leaseUntil, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	r.LeaseUntil = timePtr(leaseUntil)
	r.CompletedAt = timePtr(completedAt)
	r.NextRetryAt = r.NextRetryAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (s *Store) queryRetries(ctx context.Context, q querier, what, query string, args ...interface{}) ([]*webhooks.Retry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "%s", what)
	}
	defer rows.Close()

	var out []*webhooks.Retry
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, wrap(err, "scan retry")
		}
		out = append(out, r)
	}
	return out, wrap(rows.Err(), "%s", what)
}

// InsertRetry implements webhooks.Store
func (s *Store) InsertRetry(ctx context.Context, r *webhooks.Retry) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO webhook_retries (`+retryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.Target, r.Provider, r.EventID, []byte(r.Payload), r.MaxAttempts, r.CurrentAttempt, r.NextRetryAt.UTC(),
		r.FailureReason, string(r.Status), nullTime(r.LeaseUntil), r.CreatedAt.UTC(), r.UpdatedAt.UTC(), nullTime(r.CompletedAt),
	)
	return wrap(err, "insert %s retry for %s/%s", r.Target, r.Provider, r.EventID)
}

// ClaimDueRetries implements webhooks.Store
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*webhooks.Retry, error) {
	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()
	claimed, err := s.queryRetries(ctx, s.q(ctx), "claim due retries", `
		UPDATE webhook_retries
		SET status = 'in_flight', lease_until = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM webhook_retries
			WHERE (status = 'pending' AND next_retry_at <= $1)
				OR (status = 'in_flight' AND (lease_until IS NULL OR lease_until <= $1))
			ORDER BY next_retry_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+retryColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].NextRetryAt.Equal(claimed[j].NextRetryAt) {
			return claimed[i].NextRetryAt.Before(claimed[j].NextRetryAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

// UpdateRetry implements webhooks.Store
func (s *Store) UpdateRetry(ctx context.Context, r *webhooks.Retry) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE webhook_retries
		SET payload = $2, max_attempts = $3, current_attempt = $4, next_retry_at = $5, failure_reason = $6,
			status = $7, lease_until = $8, updated_at = $9, completed_at = $10
		WHERE id = $1`,
		r.ID, []byte(r.Payload), r.MaxAttempts, r.CurrentAttempt, r.NextRetryAt.UTC(), r.FailureReason,
		string(r.Status), nullTime(r.LeaseUntil), r.UpdatedAt.UTC(), nullTime(r.CompletedAt),
	)
	if err != nil {
		return wrap(err, "update retry %s", r.ID)
	}
	return requireRow(res, "retry", r.ID)
}

// ListRetries implements webhooks.Store
func (s *Store) ListRetries(ctx context.Context, filter webhooks.RetryFilter) ([]*webhooks.Retry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Provider != "" {
		args = append(args, filter.Provider)
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	if filter.EventID != "" {
		args = append(args, filter.EventID)
		where = append(where, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(stringsOf(filter.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + retryColumns + ` FROM webhook_retries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, target`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRetries(ctx, s.r(ctx), "list retries", query, args...)
}
