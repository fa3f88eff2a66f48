package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/metrics"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// maxBodyBytes caps request bodies; batch uploads are the largest.
const maxBodyBytes = 16 << 20

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/anomalies", s.handleAnomalyStream).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Ingestion
	api.Handle("/samples", s.limited(s.handleSample)).Methods(http.MethodPost)
	api.Handle("/samples/batch", s.limited(s.handleSampleBatch)).Methods(http.MethodPost)
	api.Handle("/samples/async", s.limited(s.handleSampleAsync)).Methods(http.MethodPost)

	// Engine lifecycle
	api.HandleFunc("/initialize", s.handleInitialize).Methods(http.MethodPost)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/retention/prune", s.handlePrune).Methods(http.MethodPost)

	// Forecasting
	api.HandleFunc("/forecast/{server}/{metric}", s.handleForecast).Methods(http.MethodGet)
	api.HandleFunc("/trend", s.handleTrend).Methods(http.MethodPost)

	// Anomalies
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/summary", s.handleAnomalySummary).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/{id}", s.handleAnomaly).Methods(http.MethodGet)
}

// limited applies the ingestion rate limit when one is configured.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

// statusRecorder captures the response code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route template and status code. The
// WebSocket route is passed through untouched so the upgrader can hijack
// the connection.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if route == "/ws/anomalies" {
			metrics.HTTPRequests.WithLabelValues(route, "101").Inc()
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Version:   s.opts.Version,
		Storage:   s.opts.Storage,
		Timestamp: time.Now().UTC(),
	})
}

// handleReady reports ready once the server is listening and not stopping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
