// internal/server/mux.go
// Package server implements the HTTP routing, middleware and JSON envelopes
// of the discovery API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/communitylink/service-discovery/internal/discovery"
	errordefs "github.com/communitylink/service-discovery/internal/errors"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/metrics"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/schema"
	"github.com/communitylink/service-discovery/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes = 1 << 20

	// HeaderUserID carries the reviewing user, set by the authenticating proxy.
	HeaderUserID = "X-User-Id"
)

// Syncer runs provider syncs. *feeds.Synchronizer satisfies it.
type Syncer interface {
	SyncAll(ctx context.Context) (*feeds.Report, error)
	SyncSource(ctx context.Context, source model.Source) (*feeds.Report, error)
}

// Options wires the HTTP API. Sync may be nil, in which case the sync
// routes answer 503.
type Options struct {
	Engine             *discovery.Engine
	Sync               Syncer
	Schema             *schema.Validator
	Metrics            *metrics.Metrics
	CORSAllowedOrigins []string // Empty means deny all cross-origin requests
}

// Mux handles HTTP requests for the discovery service.
type Mux struct {
	mux       *http.ServeMux
	engine    *discovery.Engine
	sync      Syncer
	validator *schema.Validator
	metrics   *metrics.Metrics

	corsAllowedOrigins []string
}

// NewMux creates the HTTP mux with every discovery endpoint registered.
func NewMux(opts Options) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		engine:             opts.Engine,
		sync:               opts.Sync,
		validator:          opts.Schema,
		metrics:            opts.Metrics,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}
	if m.validator == nil {
		m.validator = schema.MustNewValidator()
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}

	// Health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())
	m.mux.HandleFunc("OPTIONS /", m.withMiddleware("preflight", m.handlePreflight))

	// Search
	m.mux.HandleFunc("GET /services/search", m.withMiddleware("search", m.handleSearch))
	m.mux.HandleFunc("GET /services/essential", m.withMiddleware("essential", m.handleEssential))
	m.mux.HandleFunc("GET /services/categories", m.withMiddleware("categories", m.handleCategories))

	// Catalogue records
	m.mux.HandleFunc("GET /services/{id}", m.withMiddleware("get", m.handleGet))
	m.mux.HandleFunc("POST /services", m.withMiddleware("create", m.handleCreate))
	m.mux.HandleFunc("PUT /services/{id}", m.withMiddleware("update", m.handleUpdate))
	m.mux.HandleFunc("DELETE /services/{id}", m.withMiddleware("delete", m.handleDelete))
	m.mux.HandleFunc("POST /services/{id}/reviews", m.withMiddleware("review", m.handleReview))
	m.mux.HandleFunc("POST /services/{id}/reviews/{userId}/helpful", m.withMiddleware("helpful", m.handleHelpful))
	m.mux.HandleFunc("POST /services/{id}/contact", m.withMiddleware("contact", m.handleContact))

	// Provider sync
	m.mux.HandleFunc("POST /services/sync/government", m.withMiddleware("sync_government", m.handleSyncGovernment))
	m.mux.HandleFunc("POST /services/sync", m.withMiddleware("sync", m.handleSync))

	return m.mux
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation ids, body limits, request logging
// and request metrics. route labels the metrics.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
		m.logRequest(r, rec.status, duration, correlationID, rec.err)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handlePreflight answers CORS preflight requests.
func (m *Mux) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-Id, X-User-Id")
		w.Header().Set("Access-Control-Max-Age", "86400")
	}
	w.WriteHeader(http.StatusNoContent)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err})
}

// fail maps err onto the error taxonomy and writes it. Unclassified errors
// are store failures.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	cid := correlationID(r.Context())
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}

	var (
		verr   *model.ValidationError
		maxErr *http.MaxBytesError
		def    *errordefs.Error
	)
	switch {
	case errors.As(err, &def):
		def.CorrelationID = cid
	case errors.As(err, &verr):
		def = errordefs.NewWithDetails(errordefs.DISC_VALIDATION, "request validation failed", cid, verr.Fields)
	case errors.As(err, &maxErr):
		def = errordefs.New(errordefs.DISC_TOO_LARGE, "request body too large", cid)
	case errors.Is(err, storage.ErrNotFound):
		def = errordefs.New(errordefs.DISC_NOT_FOUND, "service not found", cid)
	case errors.Is(err, model.ErrReviewNotFound):
		def = errordefs.New(errordefs.DISC_NOT_FOUND, "review not found", cid)
	case errors.Is(err, storage.ErrConflict):
		def = errordefs.New(errordefs.DISC_CONFLICT, "source and sourceId already belong to another service", cid)
	case errors.Is(err, feeds.ErrSyncInProgress):
		def = errordefs.New(errordefs.DISC_SYNC_IN_PROGRESS, "a sync is already running", cid)
	default:
		def = errordefs.New(errordefs.DISC_STORE, "catalogue store failure", cid)
	}
	m.writeErrorDef(w, def)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if userID := r.Header.Get(HeaderUserID); userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready when the catalogue store answers a ping.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.engine.Ping(ctx); err != nil {
		slog.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
