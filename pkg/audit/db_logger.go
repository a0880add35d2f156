package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// appendLockKey is the advisory lock id serializing appends across
// processes so the chain never forks.
const appendLockKey = 7305020217

// DBLog implements the security log on PostgreSQL
type DBLog struct {
	db              *sql.DB
	checkpointEvery int64
	now             func() time.Time
}

// NewDBLog creates a new database-backed security log
func NewDBLog(db *sql.DB, checkpointEvery int64) (*DBLog, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	l := &DBLog{
		db:              db,
		checkpointEvery: checkpointEvery,
		now:             time.Now,
	}

	if err := l.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure security_log table: %w", err)
	}

	return l, nil
}

// ensureTable creates the security log tables if they don't exist. The
// rules make the log table append-only at the database level.
func (l *DBLog) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS security_log (
		seq BIGINT PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		category VARCHAR(50) NOT NULL,
		action VARCHAR(100) NOT NULL,
		outcome VARCHAR(50) NOT NULL,
		provider VARCHAR(100),
		event_id VARCHAR(255),
		event_type VARCHAR(100),
		source_ip VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		actor VARCHAR(255),
		message TEXT,
		metadata JSONB,
		prev_hash CHAR(64) NOT NULL,
		hash CHAR(64) NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS security_log_checkpoints (
		seq BIGINT PRIMARY KEY REFERENCES security_log(seq),
		hash CHAR(64) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		archived_key TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_security_log_timestamp ON security_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_security_log_event ON security_log(provider, event_id);
	CREATE INDEX IF NOT EXISTS idx_security_log_outcome ON security_log(outcome);

	CREATE OR REPLACE RULE security_log_no_update AS ON UPDATE TO security_log DO INSTEAD NOTHING;
	CREATE OR REPLACE RULE security_log_no_delete AS ON DELETE TO security_log DO INSTEAD NOTHING;
	`

	_, err := l.db.Exec(query)
	return err
}

// Append implements Log
func (l *DBLog) Append(ctx context.Context, r *Record) (*Record, error) {
	rec := *r
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	var metadataJSON []byte
	if rec.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock security log: %w", err)
	}

	prevSeq, prevHash := int64(0), GenesisHash
	err = tx.QueryRowContext(ctx, "SELECT seq, hash FROM security_log ORDER BY seq DESC LIMIT 1").Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	if err := seal(&rec, prevSeq, prevHash); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO security_log (
			seq, timestamp, category, action, outcome,
			provider, event_id, event_type,
			source_ip, user_agent, request_id, actor,
			message, metadata, prev_hash, hash
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16
		)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.Seq, rec.Timestamp, rec.Category, rec.Action, rec.Outcome,
		rec.Provider, rec.EventID, rec.EventType,
		rec.SourceIP, rec.UserAgent, rec.RequestID, rec.Actor,
		rec.Message, metadataJSON, rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert security log record: %w", err)
	}

	if l.checkpointEvery > 0 && rec.Seq%l.checkpointEvery == 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO security_log_checkpoints (seq, hash, created_at) VALUES ($1, $2, $3)",
			rec.Seq, rec.Hash, rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit security log record: %w", err)
	}
	return &rec, nil
}

const selectColumns = `
	SELECT
		seq, timestamp, category, action, outcome,
		provider, event_id, event_type,
		source_ip, user_agent, request_id, actor,
		message, metadata, prev_hash, hash
	FROM security_log
`

// Search implements Log
func (l *DBLog) Search(ctx context.Context, filter SearchFilter) ([]*Record, error) {
	query := selectColumns + " WHERE 1=1"

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argCount)
		args = append(args, string(filter.Category))
		argCount++
	}

	if len(filter.Outcomes) > 0 {
		query += fmt.Sprintf(" AND outcome = ANY($%d)", argCount)
		outcomes := make([]string, len(filter.Outcomes))
		for i, o := range filter.Outcomes {
			outcomes[i] = string(o)
		}
		args = append(args, pq.Array(outcomes))
		argCount++
	}

	if filter.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argCount)
		args = append(args, filter.Provider)
		argCount++
	}

	if filter.EventID != "" {
		query += fmt.Sprintf(" AND event_id = $%d", argCount)
		args = append(args, filter.EventID)
		argCount++
	}

	query += " ORDER BY seq DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	return l.query(ctx, query, args...)
}

// Get implements Log
func (l *DBLog) Get(ctx context.Context, seq int64) (*Record, error) {
	records, err := l.query(ctx, selectColumns+" WHERE seq = $1", seq)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// Range implements Log
func (l *DBLog) Range(ctx context.Context, fromSeq, toSeq int64, limit int) ([]*Record, error) {
	query := selectColumns + " WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC"
	args := []interface{}{fromSeq, toSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return l.query(ctx, query, args...)
}

// Head implements Log
func (l *DBLog) Head(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := l.db.QueryRowContext(ctx, "SELECT seq, hash FROM security_log ORDER BY seq DESC LIMIT 1").Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read chain head: %w", err)
	}
	return seq, hash, nil
}

// Checkpoints implements Log
func (l *DBLog) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT seq, hash, created_at, archived_key FROM security_log_checkpoints ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var archivedKey sql.NullString
		if err := rows.Scan(&cp.Seq, &cp.Hash, &cp.CreatedAt, &archivedKey); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.ArchivedKey = archivedKey.String
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// MarkArchived implements Log
func (l *DBLog) MarkArchived(ctx context.Context, seq int64, key string) error {
	result, err := l.db.ExecContext(ctx, "UPDATE security_log_checkpoints SET archived_key = $1 WHERE seq = $2", key, seq)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint archived: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *DBLog) query(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search security log: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		var (
			r            Record
			metadataJSON []byte
			provider     sql.NullString
			eventID      sql.NullString
			eventType    sql.NullString
			sourceIP     sql.NullString
			userAgent    sql.NullString
			requestID    sql.NullString
			actor        sql.NullString
			message      sql.NullString
		)
		err := rows.Scan(
			&r.Seq, &r.Timestamp, &r.Category, &r.Action, &r.Outcome,
			&provider, &eventID, &eventType,
			&sourceIP, &userAgent, &requestID, &actor,
			&message, &metadataJSON, &r.PrevHash, &r.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security log record: %w", err)
		}
		r.Timestamp = NormalizeTimestamp(r.Timestamp)
		r.Provider = provider.String
		r.EventID = eventID.String
		r.EventType = eventType.String
		r.SourceIP = sourceIP.String
		r.UserAgent = userAgent.String
		r.RequestID = requestID.String
		r.Actor = actor.String
		r.Message = message.String

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security log: %w", err)
	}
	return records, nil
}
