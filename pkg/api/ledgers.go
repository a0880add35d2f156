package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
)

// LedgerView is a ledger with its adjustments and, once invoiced, the
// invoice generated from it
type LedgerView struct {
	*billing.UsageLedger
	InvoiceID string `json:"invoice_id,omitempty"`
}

// AdjustmentRequest is the body of POST /v1/accounts/{account}/adjustments
type AdjustmentRequest struct {
	Month       string                 `json:"month"`
	Kind        billing.AdjustmentKind `json:"kind"`
	AmountCents int64                  `json:"amount_cents"`
	Reason      string                 `json:"reason"`
	Actor       string                 `json:"actor"`
}

func parseLedgerStatus(raw string) (billing.LedgerStatus, error) {
	switch status := billing.LedgerStatus(raw); status {
	case "", billing.LedgerStatusOpen, billing.LedgerStatusFrozen, billing.LedgerStatusInvoiced:
		return status, nil
	default:
		return "", fmt.Errorf("unknown ledger status %q", raw)
	}
}

func (s *Server) listLedgers(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("month")
	if raw == "" {
		httputil.WriteBadRequest(w, "month is required (YYYY-MM)")
		return
	}
	month, err := billing.ParseBillingMonth(raw)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	status, err := parseLedgerStatus(r.URL.Query().Get("status"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	ledgers, err := s.store.ListLedgers(r.Context(), month, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if account := r.URL.Query().Get("account"); account != "" {
		filtered := ledgers[:0]
		for _, l := range ledgers {
			if l.AccountID == account {
				filtered = append(filtered, l)
			}
		}
		ledgers = filtered
	}
	if ledgers == nil {
		ledgers = []*billing.UsageLedger{}
	}
	httputil.WriteSuccess(w, ledgers)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	ledger, err := s.store.GetLedger(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	adjustments, err := s.store.ListAdjustments(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ledger.Adjustments = adjustments

	view := LedgerView{UsageLedger: ledger}
	if ledger.Status == billing.LedgerStatusInvoiced {
		inv, err := s.store.FindInvoiceByLedger(ctx, id)
		switch {
		case err == nil:
			view.InvoiceID = inv.ID
		case !errors.Is(err, billing.ErrNotFound):
			writeError(w, r, err)
			return
		}
	}
	httputil.WriteSuccess(w, view)
}

func (s *Server) recordAdjustment(w http.ResponseWriter, r *http.Request) {
	account, ok := httputil.ParsePathStringOrError(w, r, "account")
	if !ok {
		return
	}
	var req AdjustmentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	month, err := billing.ParseBillingMonth(req.Month)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	adj, err := s.aggregator.RecordAdjustment(r.Context(), account, month, billing.LedgerAdjustment{
		Kind:        req.Kind,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		Actor:       req.Actor,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, adj)
}
