// Package memory is an in-process implementation of every billing store
// interface. It backs dev mode and the package tests.
//
// All operations are serialized by one mutex. WithinTx holds that mutex for
// the whole callback and restores a snapshot if the callback fails, so a
// transaction is isolated and atomic. Stored values are copied on the way in
// and on the way out; callers never share memory with the store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

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

type txKey struct{}

// state is everything the store holds. Maps hold private copies that are
// replaced, never mutated, so a shallow copy of the maps is a snapshot.
type state struct {
	ledgers      map[string]*billing.UsageLedger
	ledgerIndex  map[string]string
	adjustments  map[string][]billing.LedgerAdjustment
	invoices     map[string]*billing.Invoice
	invoiceIndex map[string]string
	numbers      map[string]string
	sequences    map[string]int64
	corrections  map[string][]*billing.InvoiceCorrection

	attempts map[string]*payments.PaymentAttempt

	events  map[string]*webhooks.Event
	dedup   map[string]*webhooks.DedupRecord
	retries map[string]*webhooks.Retry

	notices map[string]*dunning.Notice

	stops     []billing.StopRecord
	watermark time.Time
}

func newState() *state {
	return &state{
		ledgers:      make(map[string]*billing.UsageLedger),
		ledgerIndex:  make(map[string]string),
		adjustments:  make(map[string][]billing.LedgerAdjustment),
		invoices:     make(map[string]*billing.Invoice),
		invoiceIndex: make(map[string]string),
		numbers:      make(map[string]string),
		sequences:    make(map[string]int64),
		corrections:  make(map[string][]*billing.InvoiceCorrection),
		attempts:     make(map[string]*payments.PaymentAttempt),
		events:       make(map[string]*webhooks.Event),
		dedup:        make(map[string]*webhooks.DedupRecord),
		retries:      make(map[string]*webhooks.Retry),
		notices:      make(map[string]*dunning.Notice),
	}
}

func (st *state) snapshot() *state {
	return &state{
		ledgers:      copyMap(st.ledgers),
		ledgerIndex:  copyMap(st.ledgerIndex),
		adjustments:  copyMap(st.adjustments),
		invoices:     copyMap(st.invoices),
		invoiceIndex: copyMap(st.invoiceIndex),
		numbers:      copyMap(st.numbers),
		sequences:    copyMap(st.sequences),
		corrections:  copyMap(st.corrections),
		attempts:     copyMap(st.attempts),
		events:       copyMap(st.events),
		dedup:        copyMap(st.dedup),
		retries:      copyMap(st.retries),
		notices:      copyMap(st.notices),
		stops:        st.stops,
		watermark:    st.watermark,
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is the in-memory store
type Store struct {
	mu sync.Mutex
	st *state
}

// New creates an empty store
func New() *Store {
	return &Store{st: newState()}
}

// WithinTx implements billing.Transactor
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.st.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = saved
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock takes the store mutex unless ctx already runs inside this store's
// transaction
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += "\x00"
		}
		k += p
	}
	return k
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", billing.ErrNotFound, kind, id)
}

func conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", billing.ErrConflict, fmt.Sprintf(format, args...))
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
