package dunning

import (
	"time"
)

// NoticeStatus is the delivery state of a dunning notice
type NoticeStatus string

const (
	// NoticeScheduled is written before delivery is attempted
	NoticeScheduled NoticeStatus = "scheduled"
	NoticeSent      NoticeStatus = "sent"
	// NoticeSkipped means the invoice left overdue before delivery
	NoticeSkipped NoticeStatus = "skipped"
	// NoticeFailed means the notifier returned an error; delivery is retried
	// on later runs up to Policy.MaxDeliveryAttempts
	NoticeFailed NoticeStatus = "failed"
	// NoticeCollections marks the invoice as handed to manual collections.
	// Its level is always Policy.MaxLevel+1.
	NoticeCollections NoticeStatus = "collections"
)

// Notice is one step of an invoice's escalation. Levels per invoice start
// at 1 and strictly increase.
type Notice struct {
	ID            string       `json:"id"`
	InvoiceID     string       `json:"invoice_id"`
	AccountID     string       `json:"account_id"`
	Level         int          `json:"level"`
	DueDate       time.Time    `json:"due_date"`
	AmountCents   int64        `json:"amount_cents"`
	Currency      string       `json:"currency"`
	Status        NoticeStatus `json:"status"`
	ScheduledAt   time.Time    `json:"scheduled_at"`
	SentAt        *time.Time   `json:"sent_at,omitempty"`
	Attempts      int          `json:"attempts"`
	FailureReason string       `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Handoff reports whether the notice is the collections hand-off
func (n *Notice) Handoff(maxLevel int) bool {
	return n.Level > maxLevel
}

// Policy configures escalation
type Policy struct {
	// MaxLevel is the last notice level; the step after it is collections
	MaxLevel int
	// Cooldown is the minimum time between two notices for one invoice
	Cooldown time.Duration
	// MaxDeliveryAttempts caps redelivery of a failed notice before the
	// engine moves on to the next level
	MaxDeliveryAttempts int
}

// DefaultPolicy returns three levels, three days apart
func DefaultPolicy() Policy {
	return Policy{
		MaxLevel:            3,
		Cooldown:            72 * time.Hour,
		MaxDeliveryAttempts: 5,
	}
}

// Summary reports what one run did
type Summary struct {
	MarkedOverdue int `json:"marked_overdue"`
	Scheduled     int `json:"scheduled"`
	Sent          int `json:"sent"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	HandedOff     int `json:"handed_off"`
	Errors        int `json:"errors"`
}
