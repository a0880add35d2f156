package audit

import (
	"time"
)

// Category groups security log records by the subsystem that wrote them
type Category string

const (
	// CategoryWebhook records the validation outcome of an inbound webhook
	CategoryWebhook Category = "webhook"
	// CategoryBilling records operator actions on invoices and ledgers
	CategoryBilling Category = "billing"
)

// Outcome is the result recorded for an entry
type Outcome string

// Webhook validation outcomes
const (
	OutcomeValid            Outcome = "valid"
	OutcomeInvalidSignature Outcome = "invalid_signature"
	OutcomeInvalidTimestamp Outcome = "invalid_timestamp"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeError            Outcome = "error"
)

// Operator action outcomes
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record is one entry of the append-only, hash-chained security log.
// Seq, PrevHash and Hash are assigned by the log on append.
type Record struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	Action    string    `json:"action"`
	Outcome   Outcome   `json:"outcome"`

	// Webhook context
	Provider  string `json:"provider,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`

	// Request context
	SourceIP  string `json:"source_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Actor     string `json:"actor,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Checkpoint pins the chain head at a sequence number. Archived
// checkpoints carry the object key their range was uploaded to.
type Checkpoint struct {
	Seq         int64     `json:"seq"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	ArchivedKey string    `json:"archived_key,omitempty"`
}

// SearchFilter represents filters for searching the security log
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	Category Category
	Outcomes []Outcome
	Provider string
	EventID  string

	Limit  int
	Offset int
}

// ExportFormat represents the format for exporting log records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// VerifyResult reports a chain verification
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	Checked     int64  `json:"checked"`
	FirstBadSeq int64  `json:"first_bad_seq,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
