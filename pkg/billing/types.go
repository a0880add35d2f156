package billing

import (
	"sort"
	"time"
)

// LedgerStatus represents the lifecycle state of a usage ledger
type LedgerStatus string

const (
	// LedgerStatusOpen accepts adjustments; usage totals are not final
	LedgerStatusOpen LedgerStatus = "open"
	// LedgerStatusFrozen has final usage totals and is waiting for its invoice
	LedgerStatusFrozen LedgerStatus = "frozen"
	// LedgerStatusInvoiced has produced its invoice; changes need a correction
	LedgerStatusInvoiced LedgerStatus = "invoiced"
)

// Cost component names. Line items are ordered by these names.
const (
	ComponentBase     = "base"
	ComponentDistance = "distance"
	ComponentTime     = "time"
)

// UsageLedger is the monthly usage summary of one account
type UsageLedger struct {
	ID              string             `json:"id"`
	AccountID       string             `json:"account_id"`
	Month           BillingMonth       `json:"month"`
	RideCount       int64              `json:"ride_count"`
	DistanceMeters  int64              `json:"distance_meters"`
	DurationSeconds int64              `json:"duration_seconds"`
	CostComponents  map[string]int64   `json:"cost_components"`
	Adjustments     []LedgerAdjustment `json:"adjustments"`
	Currency        string             `json:"currency"`
	Status          LedgerStatus       `json:"status"`
	FrozenAt        *time.Time         `json:"frozen_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ComponentNames returns the cost component names in line-item order
func (l *UsageLedger) ComponentNames() []string {
	names := make([]string, 0, len(l.CostComponents))
	for name := range l.CostComponents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AdjustmentKind is the direction of a ledger adjustment
type AdjustmentKind string

const (
	AdjustmentCredit AdjustmentKind = "credit"
	AdjustmentDebit  AdjustmentKind = "debit"
)

// LedgerAdjustment is a manual credit or debit against a ledger. AmountCents
// is always positive; Kind carries the sign.
type LedgerAdjustment struct {
	ID          string         `json:"id"`
	LedgerID    string         `json:"ledger_id"`
	Kind        AdjustmentKind `json:"kind"`
	AmountCents int64          `json:"amount_cents"`
	Reason      string         `json:"reason"`
	Actor       string         `json:"actor"`
	AppliedAt   time.Time      `json:"applied_at"`
}

// SignedCents returns the adjustment as a signed amount (credits negative)
func (a LedgerAdjustment) SignedCents() int64 {
	if a.Kind == AdjustmentCredit {
		return -a.AmountCents
	}
	return a.AmountCents
}

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Payable reports whether a new payment attempt may be created
func (s InvoiceStatus) Payable() bool {
	return s == InvoiceStatusPending || s == InvoiceStatusOverdue
}

// Terminal reports whether the status can no longer change
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusCancelled
}

// LineItemKind distinguishes usage charges from adjustments
type LineItemKind string

const (
	LineItemUsage      LineItemKind = "usage"
	LineItemAdjustment LineItemKind = "adjustment"
)

// LineItem is one immutable row of an invoice
type LineItem struct {
	Position    int          `json:"position"`
	Kind        LineItemKind `json:"kind"`
	Code        string       `json:"code"`
	Description string       `json:"description"`
	AmountCents int64        `json:"amount_cents"`
}

// Invoice is the immutable billing document generated from a frozen ledger.
// Only Status and the status timestamps change after generation.
type Invoice struct {
	ID            string        `json:"id"`
	InvoiceNumber string        `json:"invoice_number"`
	AccountID     string        `json:"account_id"`
	LedgerID      string        `json:"ledger_id"`
	Month         BillingMonth  `json:"month"`
	LineItems     []LineItem    `json:"line_items"`
	SubtotalCents int64         `json:"subtotal_cents"`
	TaxCents      int64         `json:"tax_cents"`
	TotalCents    int64         `json:"total_cents"`
	Currency      string        `json:"currency"`
	Status        InvoiceStatus `json:"status"`
	DueDate       time.Time     `json:"due_date"`
	IssuedAt      time.Time     `json:"issued_at"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	CancelledAt   *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// LineItemsTotal sums the line item amounts
func (inv *Invoice) LineItemsTotal() int64 {
	var sum int64
	for _, item := range inv.LineItems {
		sum += item.AmountCents
	}
	return sum
}

// Consistent reports whether the stored totals agree with the line items
func (inv *Invoice) Consistent() bool {
	return inv.LineItemsTotal() == inv.SubtotalCents && inv.SubtotalCents+inv.TaxCents == inv.TotalCents
}

// InvoiceCorrection amends an issued invoice without touching it. The amounts
// are signed deltas against the original invoice.
type InvoiceCorrection struct {
	ID               string           `json:"id"`
	CorrectionNumber string           `json:"correction_number"`
	InvoiceID        string           `json:"invoice_id"`
	Adjustment       LedgerAdjustment `json:"adjustment"`
	SubtotalCents    int64            `json:"subtotal_cents"`
	TaxCents         int64            `json:"tax_cents"`
	TotalCents       int64            `json:"total_cents"`
	Currency         string           `json:"currency"`
	IssuedAt         time.Time        `json:"issued_at"`
}

// CostRates are the cost-component formula inputs in minor currency units
type CostRates struct {
	Currency       string `json:"currency"`
	BaseFareCents  int64  `json:"base_fare_cents"`
	PerKmCents     int64  `json:"per_km_cents"`
	PerMinuteCents int64  `json:"per_minute_cents"`
}

// StopRecord is one completed trip stop handed over by the trip subsystem
type StopRecord struct {
	TripID          string    `json:"trip_id"`
	StopID          string    `json:"stop_id"`
	AccountID       string    `json:"account_id"`
	CompletedAt     time.Time `json:"completed_at"`
	DistanceMeters  int64     `json:"distance_meters"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// InvoiceFilter selects invoices for listing
type InvoiceFilter struct {
	AccountID string
	Statuses  []InvoiceStatus
	DueBefore *time.Time
	Limit     int
}
