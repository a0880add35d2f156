package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// VoidRequest is the body of POST /v1/invoices/{id}/void
type VoidRequest struct {
	Reason string `json:"reason"`
}

// CorrectionRequest is the body of POST /v1/invoices/{id}/corrections
type CorrectionRequest struct {
	Kind        billing.AdjustmentKind `json:"kind"`
	AmountCents int64                  `json:"amount_cents"`
	Reason      string                 `json:"reason"`
	Actor       string                 `json:"actor"`
}

// InvoiceList is the response of GET /v1/invoices
type InvoiceList struct {
	Invoices []*billing.Invoice `json:"invoices"`
	Count    int                `json:"count"`
}

func parseStatuses(raw string) ([]billing.InvoiceStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []billing.InvoiceStatus
	for _, part := range strings.Split(raw, ",") {
		status := billing.InvoiceStatus(strings.TrimSpace(part))
		switch status {
		case billing.InvoiceStatusDraft, billing.InvoiceStatusPending, billing.InvoiceStatusPaid,
			billing.InvoiceStatusOverdue, billing.InvoiceStatusCancelled:
			out = append(out, status)
		default:
			return nil, fmt.Errorf("unknown invoice status %q", part)
		}
	}
	return out, nil
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	dueBefore, err := httputil.ParseQueryTime(r, "due_before")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	filter := billing.InvoiceFilter{
		AccountID: httputil.ParseQueryString(r, "account", ""),
		Statuses:  statuses,
		Limit:     limit,
	}
	if !dueBefore.IsZero() {
		filter.DueBefore = &dueBefore
	}

	invoices, err := s.store.ListInvoices(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []*billing.Invoice{}
	}
	httputil.WriteSuccess(w, InvoiceList{Invoices: invoices, Count: len(invoices)})
}

// loadInvoice serves terminal invoices from the cache and stores any
// terminal invoice it reads.
func (s *Server) loadInvoice(r *http.Request, id string) (*billing.Invoice, error) {
	if inv, ok := s.invoices.get(id); ok {
		return inv, nil
	}
	inv, err := s.store.GetInvoice(r.Context(), id)
	if err != nil {
		return nil, err
	}
	s.invoices.put(inv)
	return inv, nil
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	inv, err := s.loadInvoice(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

func (s *Server) voidInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req VoidRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Reason, "reason") {
		return
	}

	inv, err := s.payments.CancelInvoice(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.invoices.put(inv)

	observability.FromContext(r.Context()).WithFields(map[string]interface{}{
		"invoice_id": id,
		"reason":     req.Reason,
	}).Info("Invoice voided via API")
	httputil.WriteSuccess(w, inv)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.loadInvoice(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := s.payments.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*payments.PaymentAttempt{}
	}
	httputil.WriteSuccess(w, attempts)
}

// chargeInvoice opens an attempt (or reuses the active one) and submits it
// when it is still pending. A processor that answers asynchronously leaves
// the attempt in processing until its webhook arrives.
func (s *Server) chargeInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	attempt, err := s.payments.CreateAttempt(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempt.Status != payments.AttemptStatusPending {
		httputil.WriteJSON(w, http.StatusAccepted, &payments.Settlement{Attempt: attempt, Action: payments.ActionNoop})
		return
	}

	settlement, err := s.payments.Submit(r.Context(), attempt.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if settlement.Action == payments.ActionPaid {
		s.invoices.remove(id)
	}
	httputil.WriteJSON(w, http.StatusAccepted, settlement)
}

func (s *Server) listNotices(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.loadInvoice(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	notices, err := s.dunning.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if notices == nil {
		notices = []*dunning.Notice{}
	}
	httputil.WriteSuccess(w, notices)
}

func (s *Server) listCorrections(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.loadInvoice(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	corrections, err := s.store.ListCorrections(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if corrections == nil {
		corrections = []*billing.InvoiceCorrection{}
	}
	httputil.WriteSuccess(w, corrections)
}

func (s *Server) issueCorrection(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req CorrectionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Reason, "reason") {
		return
	}

	correction, err := s.generator.IssueCorrection(r.Context(), id, billing.LedgerAdjustment{
		Kind:        req.Kind,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		Actor:       req.Actor,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, correction)
}
