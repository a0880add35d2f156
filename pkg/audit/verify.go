package audit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

const defaultVerifyPageSize = 500

// Verifier walks the whole chain from genesis and cross-checks every
// checkpoint. A broken chain raises a security_log_tampered alert.
type Verifier struct {
	log      Log
	alerter  observability.Alerter
	logger   *observability.Logger
	pageSize int
}

// NewVerifier creates a verifier over log
func NewVerifier(log Log, alerter observability.Alerter, logger *observability.Logger) *Verifier {
	return &Verifier{
		log:      log,
		alerter:  alerter,
		logger:   logger,
		pageSize: defaultVerifyPageSize,
	}
}

// Verify checks every record and checkpoint
func (v *Verifier) Verify(ctx context.Context) (VerifyResult, error) {
	result, err := v.verifyChain(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	if result.Valid {
		result, err = v.verifyCheckpoints(ctx, result)
		if err != nil {
			return VerifyResult{}, err
		}
	}

	if !result.Valid {
		v.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertSecurityLogTampered,
			Message: "Security log chain verification failed",
			Fields: map[string]interface{}{
				"first_bad_seq": result.FirstBadSeq,
				"reason":        result.Reason,
			},
		})
		return result, nil
	}

	v.logger.WithField("checked", result.Checked).Info("Security log chain verified")
	return result, nil
}

func (v *Verifier) verifyChain(ctx context.Context) (VerifyResult, error) {
	total := VerifyResult{Valid: true}
	prevHash := GenesisHash
	next := int64(1)

	for {
		page, err := v.log.Range(ctx, next, math.MaxInt64, v.pageSize)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("failed to read security log: %w", err)
		}
		if len(page) == 0 {
			return total, nil
		}
		if page[0].Seq != next {
			return VerifyResult{Checked: total.Checked, FirstBadSeq: next, Reason: fmt.Sprintf("missing seq %d", next)}, nil
		}

		res := VerifyChain(prevHash, page)
		total.Checked += res.Checked
		if !res.Valid {
			res.Checked = total.Checked
			return res, nil
		}

		last := page[len(page)-1]
		prevHash = last.Hash
		next = last.Seq + 1
		if len(page) < v.pageSize {
			return total, nil
		}
	}
}

func (v *Verifier) verifyCheckpoints(ctx context.Context, result VerifyResult) (VerifyResult, error) {
	checkpoints, err := v.log.Checkpoints(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	for _, cp := range checkpoints {
		r, err := v.log.Get(ctx, cp.Seq)
		if errors.Is(err, ErrNotFound) {
			return VerifyResult{Checked: result.Checked, FirstBadSeq: cp.Seq, Reason: "checkpointed record missing"}, nil
		}
		if err != nil {
			return VerifyResult{}, fmt.Errorf("failed to read checkpointed record: %w", err)
		}
		if r.Hash != cp.Hash {
			return VerifyResult{Checked: result.Checked, FirstBadSeq: cp.Seq, Reason: "checkpoint hash mismatch"}, nil
		}
	}
	return result, nil
}
