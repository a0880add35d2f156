package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

// Config wires the server to the billing components. Store, Payments and
// Dunning are required; the rest are optional.
type Config struct {
	Store      billing.Store
	Aggregator *billing.Aggregator
	Generator  *billing.Generator
	Payments   *payments.Service
	Dunning    *dunning.Engine

	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Registry, when set, is exposed on /metrics
	Registry *prometheus.Registry
	// Health, when set, serves /health, /health/live and /health/ready
	Health *observability.HealthChecker

	MaxBodyBytes int64
	CacheSize    int
	CacheTTL     time.Duration
}

// Server is the billing HTTP API: read-only projections of ledgers,
// invoices, attempts and notices plus the operator actions (void, charge,
// adjust, correct). Webhook ingress and the security log are mounted with
// RegisterRoutes.
type Server struct {
	router     *mux.Router
	store      billing.Store
	aggregator *billing.Aggregator
	generator  *billing.Generator
	payments   *payments.Service
	dunning    *dunning.Engine
	invoices   *invoiceCache
	logger     *observability.Logger
	config     Config
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}

	s := &Server{
		router:     mux.NewRouter(),
		store:      cfg.Store,
		aggregator: cfg.Aggregator,
		generator:  cfg.Generator,
		payments:   cfg.Payments,
		dunning:    cfg.Dunning,
		invoices:   newInvoiceCache(cfg.CacheSize, cfg.CacheTTL),
		logger:     cfg.Logger,
		config:     cfg,
	}
	s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Invoices
	v1.HandleFunc("/invoices", s.listInvoices).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{id}", s.getInvoice).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{id}/void", s.voidInvoice).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}/attempts", s.listAttempts).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{id}/attempts", s.chargeInvoice).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}/notices", s.listNotices).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{id}/corrections", s.listCorrections).Methods(http.MethodGet)
	if s.generator != nil {
		v1.HandleFunc("/invoices/{id}/corrections", s.issueCorrection).Methods(http.MethodPost)
	}

	// Ledgers
	v1.HandleFunc("/ledgers", s.listLedgers).Methods(http.MethodGet)
	v1.HandleFunc("/ledgers/{id}", s.getLedger).Methods(http.MethodGet)
	if s.aggregator != nil {
		v1.HandleFunc("/accounts/{account}/adjustments", s.recordAdjustment).Methods(http.MethodPost)
	}

	s.router.HandleFunc("/internal/cache", s.cacheStats).Methods(http.MethodGet)

	if s.config.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.config.Health)
	}
	if s.config.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.config.Registry)).Methods(http.MethodGet)
	}
}

// RouteRegistrar is implemented by handler groups that mount their own routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes mounts a handler group on the server's router
func (s *Server) RegisterRoutes(registrars ...RouteRegistrar) {
	for _, r := range registrars {
		r.RegisterRoutes(s.router)
	}
}

// Router exposes the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler without the outer middleware stack
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in request id, logging, panic recovery,
// body limit and tracing middleware.
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.MaxBytesMiddleware(s.config.MaxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.router), "billing-api")
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.invoices.stats())
}
