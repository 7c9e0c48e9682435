package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/common/middleware"
	"github.com/synaptica-ai/patient-matching/pkg/common/models"
	"github.com/synaptica-ai/patient-matching/pkg/export"
	"github.com/synaptica-ai/patient-matching/pkg/matching"
	"github.com/synaptica-ai/patient-matching/pkg/matchstore"
	"github.com/synaptica-ai/patient-matching/pkg/observability/metrics"
)

type MatchingApp struct {
	service  *matching.Service
	store    matchstore.Store
	minScore float64
	ready    func(ctx context.Context) error
}

// routes builds the router. A nil validator leaves the admin API open.
func (a *MatchingApp) routes(maxBody int64, validator middleware.TokenValidator) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	if validator != nil {
		api.Use(middleware.Authenticate(validator))
	}
	api.HandleFunc("/matches", a.handleList).Methods(http.MethodGet)
	api.HandleFunc("/matches/discover", a.handleDiscover).Methods(http.MethodPost)
	api.HandleFunc("/matches/notify", a.handleNotify).Methods(http.MethodPost)
	api.HandleFunc("/matches/reject", a.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/finders/{name}/runs/last", a.handleLastRun).Methods(http.MethodGet)

	var handler http.Handler = router
	if maxBody > 0 {
		handler = middleware.BodyLimit(maxBody)(handler)
	}
	return middleware.Recovery(middleware.Logging(handler))
}

func (a *MatchingApp) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			logger.Log.WithError(err).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *MatchingApp) handleList(w http.ResponseWriter, r *http.Request) {
	minScore := a.minScore
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "invalid min_score", http.StatusBadRequest)
			return
		}
		minScore = v
	}
	notified := false
	if raw := r.URL.Query().Get("notified"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid notified", http.StatusBadRequest)
			return
		}
		notified = v
	}

	matches, err := a.store.LoadByFilter(r.Context(), minScore, notified)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load matches")
		http.Error(w, "match store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, export.ToStructured(matches))
}

func (a *MatchingApp) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req models.DiscoverRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	minScore := a.minScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	saved, err := a.service.FindAndSaveMatches(r.Context(), minScore)
	if errors.Is(err, matching.ErrInvalidThreshold) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("discovery failed")
		http.Error(w, "discovery failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, export.ToStructured(saved))
}

func (a *MatchingApp) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req models.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	responses := a.service.SendNotifications(r.Context(), req.MatchIDs)
	results := make([]models.NotificationResult, 0, len(responses))
	for _, resp := range responses {
		results = append(results, models.NotificationResult{
			MatchID:  resp.MatchID,
			Success:  resp.Success,
			Recorded: resp.Recorded,
			Reason:   resp.Reason,
		})
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *MatchingApp) handleReject(w http.ResponseWriter, r *http.Request) {
	var req models.RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	err := a.service.SetRejected(r.Context(), req.MatchIDs, req.Rejected)
	switch {
	case errors.Is(err, matchstore.ErrMatchNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		logger.Log.WithError(err).Error("failed to update rejected flag")
		http.Error(w, "match store unavailable", http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *MatchingApp) handleLastRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.service.LastRun(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		logger.Log.WithError(err).Warn("failed to read run info")
		http.Error(w, "run info unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.WithError(err).Warn("failed to encode response")
	}
}
