// Package audit is the append-only, hash-chained security log.
//
// Every record carries the hash of the record before it, so changing or
// removing any row breaks verification from that point on:
//
//	hash(n) = sha256(hash(n-1) || canonical JSON of record n)
//
// The first record chains from GenesisHash. Every N appends the log also
// writes a checkpoint pinning (seq, hash); checkpoints are what the
// Archiver uploads to object storage and what the Verifier cross-checks.
//
// # Writing
//
//	rec, err := log.Append(ctx, &audit.Record{
//		Category: audit.CategoryWebhook,
//		Action:   "webhook.receive",
//		Outcome:  audit.OutcomeValid,
//		Provider: "stripe",
//		EventID:  "evt_123",
//	})
//
// DBLog serializes appends with a transaction-scoped advisory lock and the
// table rejects UPDATE and DELETE. MemoryLog backs tests and dev mode.
//
// # Reading
//
// Search returns newest-first pages, Range returns records in chain order,
// and Export renders JSON, NDJSON or CSV. The HTTP handlers expose all
// three read-only.
package audit
