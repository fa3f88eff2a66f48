package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// BatchResponse carries one verdict per submitted sample, in order.
type BatchResponse struct {
	Verdicts  []analytics.UnifiedVerdict `json:"verdicts"`
	Count     int                        `json:"count"`
	Anomalies int                        `json:"anomalies"`
}

// toInput converts a request into a coordinator input.
func toInput(req types.SampleRequest, now time.Time) (analytics.Input, error) {
	values, err := req.Normalize()
	if err != nil {
		return analytics.Input{}, err
	}
	in := analytics.Input{ServerID: req.ServerID, Timestamp: now}
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		in.Timestamp = req.Timestamp.UTC()
	}
	for m, v := range values {
		i := m.Index()
		in.Values[i] = v
		in.Present[i] = true
	}
	return in, nil
}

func toInputs(reqs []types.SampleRequest) ([]analytics.Input, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("samples cannot be empty")
	}
	now := time.Now().UTC()
	inputs := make([]analytics.Input, len(reqs))
	for i, req := range reqs {
		in, err := toInput(req, now)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		inputs[i] = in
	}
	return inputs, nil
}

// handleSample scores one sample synchronously and returns its verdict.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	var req types.SampleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := toInput(req, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := s.pipeline.Ingest(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleSampleBatch scores samples in submission order.
func (s *Server) handleSampleBatch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchSampleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inputs, err := toInputs(req.Samples)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	verdicts := s.pipeline.IngestBatch(r.Context(), inputs)
	resp := BatchResponse{Verdicts: verdicts, Count: len(verdicts)}
	for _, v := range verdicts {
		if v.IsAnomaly {
			resp.Anomalies++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSampleAsync queues samples for the background workers. Samples
// accepted before the queue filled stay queued.
func (s *Server) handleSampleAsync(w http.ResponseWriter, r *http.Request) {
	var req types.BatchSampleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inputs, err := toInputs(req.Samples)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted := 0
	for _, in := range inputs {
		if err := s.pipeline.Enqueue(in); err != nil {
			status := http.StatusServiceUnavailable
			if !errors.Is(err, analytics.ErrQueueFull) && !errors.Is(err, analytics.ErrPipelineStopped) {
				status = http.StatusBadRequest
			}
			s.logger.Warn("async ingest rejected",
				zap.Int("accepted", accepted), zap.Int("submitted", len(inputs)), zap.Error(err))
			writeJSON(w, status, map[string]interface{}{
				"error":       err.Error(),
				"accepted":    accepted,
				"queue_depth": s.pipeline.QueueLen(),
			})
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, types.AcceptedResponse{Accepted: accepted, QueueDepth: s.pipeline.QueueLen()})
}
