package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

const (
	defaultAnomalyLimit = 100
	maxAnomalyLimit     = 1000
)

// parseSince accepts an RFC3339 timestamp or a look-back such as "2h" or "7d".
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := forecasting.ParseHorizon(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or a duration like 2h", s)
	}
	return now.Add(-d), nil
}

func parseSeverity(s string) (types.Severity, error) {
	sev := types.Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("invalid severity %q", s)
	}
	return sev, nil
}

// anomalyFilter builds a filter from ?server=&min_severity=&since=&limit=.
func anomalyFilter(r *http.Request) (types.AnomalyFilter, error) {
	q := r.URL.Query()
	f := types.AnomalyFilter{ServerID: q.Get("server"), Limit: defaultAnomalyLimit}

	if v := q.Get("min_severity"); v != "" {
		sev, err := parseSeverity(v)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		if n > maxAnomalyLimit {
			n = maxAnomalyLimit
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	f, err := anomalyFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.pipeline.Anomalies(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.AnomalyListResponse{Anomalies: events, Count: len(events)})
}

// handleAnomalySummary counts anomalies by severity over ?from=&to=,
// defaulting to the last 24 hours.
func (s *Server) handleAnomalySummary(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now
	q := r.URL.Query()
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = parseSince(v, now); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	var counts map[types.Severity]int
	if s.anomalies != nil {
		counts, err = s.anomalies.AnomalySummary(r.Context(), from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		events, err := s.pipeline.Anomalies(r.Context(), types.AnomalyFilter{Since: from})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts = make(map[types.Severity]int)
		for _, e := range events {
			if !e.Timestamp.After(to) {
				counts[e.Severity]++
			}
		}
	}

	resp := types.AnomalySummaryResponse{From: from, To: to, Counts: counts}
	for _, n := range counts {
		resp.Total += n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnomaly(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.anomalies != nil {
		ev, err := s.anomalies.GetAnomaly(r.Context(), id)
		switch {
		case errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "anomaly not found: "+id)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, ev)
		}
		return
	}

	events, err := s.pipeline.Anomalies(r.Context(), types.AnomalyFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, ev := range events {
		if ev.ID == id {
			writeJSON(w, http.StatusOK, ev)
			return
		}
	}
	writeError(w, http.StatusNotFound, "anomaly not found: "+id)
}
