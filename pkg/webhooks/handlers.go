package webhooks

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// maxPayloadBytes bounds inbound webhook bodies
const maxPayloadBytes = 1 << 20

// Handlers provides the webhook receiver and its operator endpoints
type Handlers struct {
	pipeline   *Pipeline
	store      Store
	deliveries *DeliveryLogStore
}

// NewHandlers creates new webhook handlers
func NewHandlers(pipeline *Pipeline, store Store, deliveries *DeliveryLogStore) *Handlers {
	return &Handlers{
		pipeline:   pipeline,
		store:      store,
		deliveries: deliveries,
	}
}

// RegisterRoutes registers webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/retries", h.listRetries).Methods("GET")
	router.HandleFunc("/webhooks/deliveries", h.listDeliveries).Methods("GET")
	router.HandleFunc("/webhooks/deliveries/stats", h.deliveryStats).Methods("GET")
	router.HandleFunc("/webhooks/{provider}", h.receive).Methods("POST")
}

// receive handles POST /webhooks/{provider}
func (h *Handlers) receive(w http.ResponseWriter, r *http.Request) {
	provider, ok := httputil.ParsePathStringOrError(w, r, "provider")
	if !ok {
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	requestID := observability.GetRequestID(r.Context())
	if requestID == "" {
		requestID = r.Header.Get("X-Request-ID")
	}

	res := h.pipeline.Ingest(r.Context(), Request{
		Provider:  provider,
		Payload:   payload,
		Headers:   r.Header,
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: requestID,
	})
	httputil.WriteJSON(w, res.Status, res)
}

// listRetries handles GET /webhooks/retries
func (h *Handlers) listRetries(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil || limit < 1 {
		httputil.WriteBadRequest(w, "invalid limit")
		return
	}

	filter := RetryFilter{
		Provider: r.URL.Query().Get("provider"),
		EventID:  r.URL.Query().Get("event_id"),
		Limit:    limit,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			filter.Statuses = append(filter.Statuses, RetryStatus(strings.TrimSpace(s)))
		}
	}

	retries, err := h.store.ListRetries(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, retries)
}

// listDeliveries handles GET /webhooks/deliveries
func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil || limit < 1 {
		httputil.WriteBadRequest(w, "invalid limit")
		return
	}
	consumer := r.URL.Query().Get("consumer")
	httputil.WriteSuccess(w, h.deliveries.GetByConsumer(consumer, limit))
}

// deliveryStats handles GET /webhooks/deliveries/stats
func (h *Handlers) deliveryStats(w http.ResponseWriter, r *http.Request) {
	consumer := r.URL.Query().Get("consumer")
	if !httputil.RequireNonEmpty(w, consumer, "consumer") {
		return
	}
	httputil.WriteSuccess(w, h.deliveries.GetStats(consumer))
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
