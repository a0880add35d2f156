package audit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// Handlers provides read-only HTTP handlers for the security log
type Handlers struct {
	log      Log
	verifier *Verifier
}

// NewHandlers creates new security log handlers. verifier may be nil,
// which disables the verify route.
func NewHandlers(log Log, verifier *Verifier) *Handlers {
	return &Handlers{
		log:      log,
		verifier: verifier,
	}
}

// RegisterRoutes registers security log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/security-log", h.listRecords).Methods("GET")
	router.HandleFunc("/security-log/export", h.exportRecords).Methods("GET")
	router.HandleFunc("/security-log/checkpoints", h.listCheckpoints).Methods("GET")
	if h.verifier != nil {
		router.HandleFunc("/security-log/verify", h.verify).Methods("POST")
	}
	router.HandleFunc("/security-log/{seq:[0-9]+}", h.getRecord).Methods("GET")
}

// listRecords handles GET /security-log
func (h *Handlers) listRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	records, err := h.log.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// getRecord handles GET /security-log/{seq}
func (h *Handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	seq, ok := httputil.ParsePathInt64OrError(w, r, "seq")
	if !ok {
		return
	}

	record, err := h.log.Get(r.Context(), seq)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFoundError(w, "record not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, record)
}

// exportRecords handles GET /security-log/export
func (h *Handlers) exportRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}
	if format != ExportFormatJSON && format != ExportFormatCSV && format != ExportFormatNDJSON {
		httputil.WriteBadRequest(w, "format must be json, csv or ndjson")
		return
	}

	data, err := Export(r.Context(), h.log, filter, format)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=security-log.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=security-log.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=security-log.json")
	}

	w.Write(data)
}

// listCheckpoints handles GET /security-log/checkpoints
func (h *Handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.log.Checkpoints(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []Checkpoint{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"checkpoints": checkpoints})
}

// verify handles POST /security-log/verify
func (h *Handlers) verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.verifier.Verify(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// parseFilter parses a search filter from query parameters
func parseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{Limit: defaultSearchLimit}

	if s := query.Get("start_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, errors.New("start_time must be RFC3339")
		}
		filter.StartTime = &t
	}

	if s := query.Get("end_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, errors.New("end_time must be RFC3339")
		}
		filter.EndTime = &t
	}

	filter.Category = Category(query.Get("category"))
	filter.Provider = query.Get("provider")
	filter.EventID = query.Get("event_id")

	for _, o := range strings.Split(query.Get("outcome"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			filter.Outcomes = append(filter.Outcomes, Outcome(o))
		}
	}

	if s := query.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}
		filter.Limit = limit
	}

	if s := query.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	return filter, nil
}
