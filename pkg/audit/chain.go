package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the PrevHash of the first record
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashedContent fixes the field set and order covered by the digest.
// Metadata keys are sorted by encoding/json.
type hashedContent struct {
	Seq       int64                  `json:"seq"`
	Timestamp string                 `json:"timestamp"`
	Category  Category               `json:"category"`
	Action    string                 `json:"action"`
	Outcome   Outcome                `json:"outcome"`
	Provider  string                 `json:"provider"`
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	SourceIP  string                 `json:"source_ip"`
	UserAgent string                 `json:"user_agent"`
	RequestID string                 `json:"request_id"`
	Actor     string                 `json:"actor"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// NormalizeTimestamp truncates to the microsecond precision PostgreSQL
// stores, so a hash computed before insert matches one computed after read.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeHash returns sha256(prevHash || canonical JSON of r's content)
func ComputeHash(prevHash string, r *Record) (string, error) {
	content, err := json.Marshal(hashedContent{
		Seq:       r.Seq,
		Timestamp: NormalizeTimestamp(r.Timestamp).Format(time.RFC3339Nano),
		Category:  r.Category,
		Action:    r.Action,
		Outcome:   r.Outcome,
		Provider:  r.Provider,
		EventID:   r.EventID,
		EventType: r.EventType,
		SourceIP:  r.SourceIP,
		UserAgent: r.UserAgent,
		RequestID: r.RequestID,
		Actor:     r.Actor,
		Message:   r.Message,
		Metadata:  r.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// seal assigns the chain fields of r given the current head
func seal(r *Record, prevSeq int64, prevHash string) error {
	r.Seq = prevSeq + 1
	r.Timestamp = NormalizeTimestamp(r.Timestamp)
	r.PrevHash = prevHash
	hash, err := ComputeHash(prevHash, r)
	if err != nil {
		return err
	}
	r.Hash = hash
	return nil
}

// VerifyChain checks a contiguous run of records. prevHash is the hash of
// the record before records[0] (GenesisHash when starting at seq 1).
func VerifyChain(prevHash string, records []*Record) VerifyResult {
	result := VerifyResult{Valid: true}
	var prevSeq int64 = -1
	for _, r := range records {
		if prevSeq >= 0 && r.Seq != prevSeq+1 {
			return VerifyResult{Checked: result.Checked, FirstBadSeq: r.Seq, Reason: fmt.Sprintf("gap after seq %d", prevSeq)}
		}
		if r.PrevHash != prevHash {
			return VerifyResult{Checked: result.Checked, FirstBadSeq: r.Seq, Reason: "previous hash mismatch"}
		}
		expected, err := ComputeHash(prevHash, r)
		if err != nil {
			return VerifyResult{Checked: result.Checked, FirstBadSeq: r.Seq, Reason: err.Error()}
		}
		if expected != r.Hash {
			return VerifyResult{Checked: result.Checked, FirstBadSeq: r.Seq, Reason: "content hash mismatch"}
		}
		prevHash = r.Hash
		prevSeq = r.Seq
		result.Checked++
	}
	return result
}
