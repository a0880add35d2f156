// Package storage groups the persistence backends of the billing core.
//
// # Overview
//
// The billing, payments, webhooks and dunning packages each declare the store
// interface they need next to the code that uses it. Two backends implement
// all of them at once:
//
//   - memory: a mutex-guarded in-process store for dev mode and unit tests
//   - postgres: the production store on PostgreSQL, with embedded migrations
//
// Both honor the same contract, so a test written against memory.Store
// describes the behavior expected from postgres.Store.
//
// # Transactions
//
// Every store implements billing.Transactor. WithinTx carries the open
// transaction in the context; store methods called with that context join
// it, and a nested WithinTx does not open a second one:
//
//	err := store.WithinTx(ctx, func(ctx context.Context) error {
//		inv, err := store.LockInvoice(ctx, invoiceID)
//		if err != nil {
//			return err
//		}
//		return store.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusPaid, now, billing.InvoiceStatusPending)
//	})
//
// Lock* methods take a row lock (SELECT ... FOR UPDATE in PostgreSQL) that is
// held until the callback returns.
//
// # Error Classification
//
// Backends translate driver errors into the billing sentinels:
//
//   - billing.ErrNotFound for missing rows
//   - billing.ErrConflict for unique violations and failed status guards
//   - billing.ErrTransient for serialization failures, deadlocks, lock
//     timeouts and dropped connections
//
// Callers branch with errors.Is; the driver error stays in the chain for
// logging.
//
// # PostgreSQL
//
// The connection manager opens a primary and optional read replicas:
//
//	cm, err := postgres.NewConnectionManager(cfg.Database, logger, metrics)
//	if err != nil {
//		return err
//	}
//	defer cm.Close()
//
//	store := postgres.NewStore(cm.Primary(), postgres.WithReader(cm.Replica))
//	if cfg.Database.AutoMigrate {
//		if _, err := store.Migrate(ctx); err != nil {
//			return err
//		}
//	}
//
// Listings outside a transaction go to a replica; everything else uses the
// primary. Migrations are embedded SQL files applied in order under a
// transaction-scoped advisory lock, so concurrent processes can start
// together.
//
// Background claimers (the payment retry poller and the webhook redelivery
// worker) use UPDATE ... FOR UPDATE SKIP LOCKED, so several instances can
// poll the same tables without double-claiming a row.
//
// # Testing
//
// Unit tests for the PostgreSQL store use sqlmock. Tests tagged integration
// start PostgreSQL with testcontainers:
//
//	go test -tags integration ./pkg/storage/postgres/...
package storage
