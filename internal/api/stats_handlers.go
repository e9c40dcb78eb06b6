package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/store"
)

// knownSessions merges live sessions with sessions that only have queued work.
func (s *Server) knownSessions() []string {
	names := s.queue.Sessions()
	for _, st := range s.sessions.Statuses() {
		if !slices.Contains(names, st.Name) {
			names = append(names, st.Name)
		}
	}
	slices.Sort(names)
	return names
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.queue.Stats()))
}

func (s *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	sizes := make(map[string]int)
	for _, name := range s.knownSessions() {
		sizes[name] = s.queue.QueueSize(name)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"stats":       s.queue.Stats(),
		"queue_sizes": sizes,
	}))
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.sessions.Statuses()
	views := make([]instanceView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, s.view(st))
	}
	instances, err := s.store.ListInstances(r.Context())
	if err != nil {
		slog.Error("Server.dashboardHandler: failed to list instances", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load dashboard"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"sessions":    views,
		"queue":       s.queue.Stats(),
		"instances":   instances,
		"daily_limit": s.limiter.Limit(),
		"daily_usage": s.limiter.Counts(),
	}))
}

func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		slog.Error("Server.listCampaignsHandler: failed to list campaigns", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list campaigns"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(campaigns))
}

func (s *Server) campaignStatsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid campaign id"))
		return
	}
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}
	if err != nil {
		slog.Error("Server.campaignStatsHandler: failed to load campaign", "campaign", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load campaign"))
		return
	}
	stats, err := s.store.CampaignStats(r.Context(), id)
	if err != nil {
		slog.Error("Server.campaignStatsHandler: failed to compute stats", "campaign", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load campaign"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"campaign": campaign,
		"stats":    stats,
	}))
}
