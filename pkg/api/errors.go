package api

import (
	"errors"
	"net/http"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

// statusFor maps a domain error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, payments.ErrAttemptNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrInvalidAdjustment):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrConflict),
		errors.Is(err, billing.ErrLedgerFrozen),
		errors.Is(err, billing.ErrLedgerNotFrozen),
		errors.Is(err, billing.ErrNotInvoiced),
		errors.Is(err, payments.ErrInvoiceNotPayable),
		errors.Is(err, payments.ErrInvoiceNotCancellable),
		errors.Is(err, payments.ErrAttemptNotPending):
		return http.StatusConflict
	case errors.Is(err, billing.ErrTransient), errors.Is(err, billing.ErrIncompleteUsageData):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusFor picks. Server errors are
// logged and never echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		observability.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteError(w, status, err)
}
