// Package api provides the HTTP server for PacePipe.
//
// It exposes endpoints to manage WhatsApp sessions, queue single and bulk
// sends, preview message variations and report queue and campaign state.
// Handlers only enqueue; delivery happens in the dispatcher.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/PacePipe/internal/metrics"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/pause"
	"github.com/BTreeMap/PacePipe/internal/session"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server defaults
const (
	DefaultAddr              = ":3000"
	DefaultBulkVariations    = 4
	DefaultPreviewVariations = 4
	MaxPreviewVariations     = 20
	// maxBodyBytes caps request bodies; bulk requests carry whole contact lists.
	maxBodyBytes = 10 << 20
)

// SessionManager creates and tracks named WhatsApp sessions.
type SessionManager interface {
	CreateSession(ctx context.Context, name string) (models.SessionStatus, error)
	Status(name string) (models.SessionStatus, bool)
	Statuses() []models.SessionStatus
	DestroySession(ctx context.Context, name string) error
}

// Queue accepts work items and reports on them.
type Queue interface {
	Enqueue(item models.WorkItem) string
	Stats() models.QueueStats
	QueueSize(name string) int
	Sessions() []string
}

// TemplateSuggester rewrites a plain message into variation markup.
type TemplateSuggester interface {
	SuggestTemplate(ctx context.Context, message string) (string, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr       string
	Limiter    *DailyLimiter
	Suggester  TemplateSuggester
	Variations int
	Pauses     *pause.Engine
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDailyLimiter sets the per-session daily ceiling.
func WithDailyLimiter(l *DailyLimiter) Option {
	return func(o *Opts) { o.Limiter = l }
}

// WithSuggester enables POST /api/templates/suggest.
func WithSuggester(s TemplateSuggester) Option {
	return func(o *Opts) { o.Suggester = s }
}

// WithBulkVariations sets how many message variations a bulk request rotates through.
func WithBulkVariations(n int) Option {
	return func(o *Opts) { o.Variations = n }
}

// WithPauseEngine sets the engine that computes bulk pacing. A seeded engine
// makes pause durations reproducible.
func WithPauseEngine(e *pause.Engine) Option {
	return func(o *Opts) { o.Pauses = e }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	sessions   SessionManager
	provider   session.Provider
	queue      Queue
	store      store.Store
	limiter    *DailyLimiter
	suggester  TemplateSuggester
	variations int
	pauses     *pause.Engine
	addr       string
	started    time.Time
	httpServer *http.Server
}

// NewServer wires the API. provider decides whether a session can send and
// may cover more sessions than the manager (for example a Twilio backend).
func NewServer(sessions SessionManager, provider session.Provider, q Queue, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Variations: DefaultBulkVariations}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewDailyLimiter(DefaultDailyLimit)
	}
	if cfg.Pauses == nil {
		cfg.Pauses = pause.NewEngine(nil)
	}
	if cfg.Variations <= 0 {
		cfg.Variations = DefaultBulkVariations
	}
	slog.Debug("Server.NewServer: options set", "addr", cfg.Addr, "dailyLimit", cfg.Limiter.Limit(), "genai", cfg.Suggester != nil)
	return &Server{
		sessions:   sessions,
		provider:   provider,
		queue:      q,
		store:      st,
		limiter:    cfg.Limiter,
		suggester:  cfg.Suggester,
		variations: cfg.Variations,
		pauses:     cfg.Pauses,
		addr:       cfg.Addr,
		started:    time.Now(),
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/instances", s.createInstanceHandler)
	mux.HandleFunc("GET /api/instances", s.listInstancesHandler)
	mux.HandleFunc("GET /api/instances/{name}/qr", s.instanceQRHandler)
	mux.HandleFunc("GET /api/instances/{name}/status", s.instanceStatusHandler)
	mux.HandleFunc("DELETE /api/instances/{name}", s.deleteInstanceHandler)

	mux.HandleFunc("POST /api/messages/send", s.sendHandler)
	mux.HandleFunc("POST /api/messages/bulk", s.bulkHandler)
	mux.HandleFunc("POST /api/messages/variations", s.variationsHandler)
	mux.HandleFunc("POST /api/templates/suggest", s.suggestHandler)

	mux.HandleFunc("GET /api/messages/queue", s.queueHandler)
	mux.HandleFunc("GET /api/queue/stats", s.queueStatsHandler)
	mux.HandleFunc("GET /api/admin/dashboard", s.dashboardHandler)
	mux.HandleFunc("GET /api/campaigns", s.listCampaignsHandler)
	mux.HandleFunc("GET /api/campaigns/{id}/stats", s.campaignStatsHandler)

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	return metricsMiddleware(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	slog.Info("Server.Start: API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server.Start: server error", "error", err)
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("Server.Shutdown: shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// ResetDailyCounts clears the daily ceiling counters. It runs from the
// midnight cron job.
func (s *Server) ResetDailyCounts() {
	s.limiter.Reset()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"queue":          s.queue.Stats(),
	}))
}

// metricsMiddleware records request latency by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// the mux stores the matched pattern on the request
		route := r.Pattern
		if route == "" {
			route = "unknown"
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
