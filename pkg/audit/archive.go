package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// ObjectStore receives archived log segments
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
}

// Archiver uploads each checkpointed segment of the log as NDJSON. A
// segment covers the records after the previous checkpoint up to and
// including its own, and is verified against both checkpoint hashes
// before it leaves the database.
type Archiver struct {
	log    Log
	store  ObjectStore
	prefix string
	logger *observability.Logger
}

// NewArchiver creates an archiver writing under prefix
func NewArchiver(log Log, store ObjectStore, prefix string, logger *observability.Logger) *Archiver {
	return &Archiver{
		log:    log,
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// SegmentKey returns the object key for records fromSeq..toSeq
func (a *Archiver) SegmentKey(fromSeq, toSeq int64) string {
	key := fmt.Sprintf("security-log/%012d-%012d.ndjson", fromSeq, toSeq)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}

// Run archives every checkpoint not yet archived and returns how many
// segments were uploaded
func (a *Archiver) Run(ctx context.Context) (int, error) {
	checkpoints, err := a.log.Checkpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	uploaded := 0
	prevSeq, prevHash := int64(0), GenesisHash
	for _, cp := range checkpoints {
		if cp.ArchivedKey != "" {
			prevSeq, prevHash = cp.Seq, cp.Hash
			continue
		}

		key, err := a.archiveSegment(ctx, prevSeq, prevHash, cp)
		if err != nil {
			return uploaded, err
		}
		uploaded++

		a.logger.WithFields(map[string]interface{}{
			"from_seq": prevSeq + 1,
			"to_seq":   cp.Seq,
			"key":      key,
		}).Info("Archived security log segment")

		prevSeq, prevHash = cp.Seq, cp.Hash
	}
	return uploaded, nil
}

func (a *Archiver) archiveSegment(ctx context.Context, prevSeq int64, prevHash string, cp Checkpoint) (string, error) {
	records, err := a.log.Range(ctx, prevSeq+1, cp.Seq, 0)
	if err != nil {
		return "", fmt.Errorf("failed to read segment: %w", err)
	}

	if int64(len(records)) != cp.Seq-prevSeq {
		return "", fmt.Errorf("segment %d-%d has %d records", prevSeq+1, cp.Seq, len(records))
	}
	result := VerifyChain(prevHash, records)
	if !result.Valid {
		return "", fmt.Errorf("segment %d-%d failed verification at seq %d: %s", prevSeq+1, cp.Seq, result.FirstBadSeq, result.Reason)
	}
	if records[len(records)-1].Hash != cp.Hash {
		return "", fmt.Errorf("segment %d-%d does not end at checkpoint hash", prevSeq+1, cp.Seq)
	}

	data, err := exportNDJSON(records)
	if err != nil {
		return "", err
	}

	key := a.SegmentKey(prevSeq+1, cp.Seq)
	if err := a.store.PutObject(ctx, key, bytes.NewReader(data), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("failed to upload segment: %w", err)
	}
	if err := a.log.MarkArchived(ctx, cp.Seq, key); err != nil {
		return "", fmt.Errorf("failed to mark checkpoint archived: %w", err)
	}
	return key, nil
}
