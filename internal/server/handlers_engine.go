package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// StatsResponse adds the ingest queue depth to the coordinator counters.
type StatsResponse struct {
	analytics.StreamingStats
	QueueDepth int `json:"queueDepth"`
}

// ConfigResponse reports the active engine configuration.
type ConfigResponse struct {
	Engine     analytics.EngineConfig `json:"engine"`
	Thresholds types.ThresholdTable   `json:"thresholds"`
}

// handleInitialize seeds the models from the request body, or from the
// history store when the body is empty or from_store is set.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req types.InitializeRequest
	if r.ContentLength == 0 {
		req.FromStore = true
	} else if !decodeBody(w, r, &req) {
		return
	}

	start := time.Now()
	var rep analytics.InitReport
	if req.FromStore {
		var err error
		rep, err = s.pipeline.Warmup(r.Context())
		if err != nil {
			s.logger.Error("warmup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		rep = s.pipeline.Initialize(r.Context(), analytics.Historical{
			MultiMetric: req.MultiMetric,
			PerMetric:   req.PerMetric,
		})
	}

	s.logger.Info("engine initialized",
		zap.Bool("from_store", req.FromStore),
		zap.Int("joint_samples", rep.JointSamples),
		zap.Bool("forest_trained", rep.IsolationForestTrained),
		zap.Duration("took", time.Since(start)))
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		StreamingStats: s.pipeline.Stats(),
		QueueDepth:     s.pipeline.QueueLen(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConfigResponse{
		Engine:     s.pipeline.Coordinator().Config(),
		Thresholds: s.pipeline.Thresholds(),
	})
}

// handlePrune applies the retention period immediately.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	removed, err := s.pipeline.PruneNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// handleForecast predicts one metric of a server against its thresholds.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := types.ParseMetric(vars["metric"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.pipeline.Forecast(r.Context(), vars["server"], m)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTrend projects a metric over the requested horizon.
func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	var req types.TrendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ServerID == "" {
		writeError(w, http.StatusBadRequest, "server_id is required")
		return
	}
	m, err := types.ParseMetric(req.Metric)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	horizon := s.pipeline.Coordinator().Config().Forecast.Horizon
	if req.Horizon != "" {
		horizon, err = forecasting.ParseHorizon(req.Horizon)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if horizon <= 0 {
		writeError(w, http.StatusBadRequest, "horizon must be positive")
		return
	}

	res, err := s.pipeline.Trend(r.Context(), req.ServerID, m, horizon)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
