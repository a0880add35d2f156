package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

// CompletedStops implements billing.UsageSource over the trip_stops table
// the trip subsystem writes
func (s *Store) CompletedStops(ctx context.Context, accountID string, from, to time.Time) ([]billing.StopRecord, error) {
	rows, err := s.r(ctx).QueryContext(ctx, `
		SELECT trip_id, stop_id, account_id, completed_at, distance_meters, duration_seconds
		FROM trip_stops
		WHERE account_id = $1 AND completed_at >= $2 AND completed_at < $3
		ORDER BY completed_at, stop_id`, accountID, from.UTC(), to.UTC())
	if err != nil {
		return nil, wrap(err, "query stops for %s", accountID)
	}
	defer rows.Close()

	var out []billing.StopRecord
	for rows.Next() {
		var stop billing.StopRecord
		if err := rows.Scan(&stop.TripID, &stop.StopID, &stop.AccountID, &stop.CompletedAt, &stop.DistanceMeters, &stop.DurationSeconds); err != nil {
			return nil, wrap(err, "scan stop")
		}
		stop.CompletedAt = stop.CompletedAt.UTC()
		out = append(out, stop)
	}
	return out, wrap(rows.Err(), "query stops for %s", accountID)
}

// Watermark implements billing.UsageSource. No row means nothing has landed.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.r(ctx).QueryRowContext(ctx, `SELECT landed_until FROM usage_watermark`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrap(err, "read usage watermark")
	}
	return t.UTC(), nil
}

// ActiveAccounts implements billing.UsageSource
func (s *Store) ActiveAccounts(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := s.r(ctx).QueryContext(ctx, `
		SELECT DISTINCT account_id FROM trip_stops
		WHERE completed_at >= $1 AND completed_at < $2
		ORDER BY account_id`, from.UTC(), to.UTC())
	if err != nil {
		return nil, wrap(err, "list active accounts")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap(err, "scan account")
		}
		out = append(out, id)
	}
	return out, wrap(rows.Err(), "list active accounts")
}

// RecordStops lands stop records and advances the watermark. The trip
// subsystem owns these tables; this exists for backfills and tests.
func (s *Store) RecordStops(ctx context.Context, landedUntil time.Time, stops ...billing.StopRecord) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		for _, stop := range stops {
			_, err := q.ExecContext(ctx, `
				INSERT INTO trip_stops (stop_id, trip_id, account_id, completed_at, distance_meters, duration_seconds)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (stop_id) DO NOTHING`,
				stop.StopID, stop.TripID, stop.AccountID, stop.CompletedAt.UTC(), stop.DistanceMeters, stop.DurationSeconds)
			if err != nil {
				return wrap(err, "record stop %s", stop.StopID)
			}
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO usage_watermark (id, landed_until) VALUES (TRUE, $1)
			ON CONFLICT (id) DO UPDATE SET landed_until = GREATEST(usage_watermark.landed_until, EXCLUDED.landed_until)`,
			landedUntil.UTC())
		return wrap(err, "advance usage watermark")
	})
}
