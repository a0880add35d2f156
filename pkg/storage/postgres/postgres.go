package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

var (
	_ billing.Store       = (*Store)(nil)
	_ billing.UsageSource = (*Store)(nil)
	_ payments.Store      = (*Store)(nil)
	_ webhooks.Store      = (*Store)(nil)
	_ dunning.Store       = (*Store)(nil)
)

// querier is the subset of *sql.DB and *sql.Tx the stores use
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txKey struct{}

// Store implements every billing core store contract on PostgreSQL.
// Writes go to the primary; listings outside a transaction may be served
// by a read replica.
type Store struct {
	db     *sql.DB
	reader func() *sql.DB
	txOpts *sql.TxOptions
}

// Option configures a Store
type Option func(*Store)

// WithReader routes non-transactional listings through pick, typically
// ConnectionManager.Replica
func WithReader(pick func() *sql.DB) Option {
	return func(s *Store) { s.reader = pick }
}

// WithIsolation sets the isolation level of WithinTx transactions
func WithIsolation(level sql.IsolationLevel) Option {
	return func(s *Store) { s.txOpts = &sql.TxOptions{Isolation: level} }
}

// NewStore creates a store on an open database handle
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		txOpts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the primary handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithinTx implements billing.Transactor. Row locks taken through Lock*
// methods are held until fn returns.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, s.txOpts)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// q returns the transaction carried by ctx, or the primary
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// r is q for read-only listings that tolerate replica lag
func (s *Store) r(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	if s.reader != nil {
		if db := s.reader(); db != nil {
			return db
		}
	}
	return s.db
}

// PostgreSQL error codes the stores classify
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeAdminShutdown        = "57P01"
)

// mapError wraps err with the billing classification sentinel that matches
// it, keeping the original error in the chain
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", billing.ErrNotFound, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", billing.ErrTransient, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %w", billing.ErrConflict, err)
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled, codeAdminShutdown:
			return fmt.Errorf("%w: %w", billing.ErrTransient, err)
		}
	}
	return err
}

// wrap annotates a failed operation and classifies it
func wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return mapError(fmt.Errorf("failed to "+format+": %w", append(args, err)...))
}

// expectOne turns a zero-row write into ErrConflict or ErrNotFound
// depending on whether the row exists at all
func (s *Store) expectOne(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err, "read affected rows")
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = s.q(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return wrap(err, "check %s %s", table, id)
	}
	if !exists {
		return fmt.Errorf("%w: %s %s", billing.ErrNotFound, table, id)
	}
	return fmt.Errorf("%w: %s %s changed concurrently", billing.ErrConflict, table, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
