package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/BTreeMap/PacePipe/internal/variation"
)

type sendRequest struct {
	Session    string           `json:"instance_name"`
	To         string           `json:"to"`
	Message    string           `json:"message"`
	MediaURL   string           `json:"media_url"`
	MediaType  models.MediaKind `json:"media_type"`
	CampaignID *int64           `json:"campaign_id"`
	ContactID  *int64           `json:"contact_id"`
}

type distributionEntry struct {
	Session  string `json:"instance_name"`
	Messages int    `json:"messages"`
}

type contact struct {
	ID    int64  `json:"id"`
	Phone string `json:"telefono"`
}

type bulkRequest struct {
	Distribution []distributionEntry `json:"distribution"`
	Contacts     []contact           `json:"contacts"`
	Message      string              `json:"message"`
	MediaURL     string              `json:"media_url"`
	MediaType    models.MediaKind    `json:"media_type"`
	CampaignID   *int64              `json:"campaign_id"`
	CampaignName string              `json:"campaign_name"`
}

type bulkResult struct {
	Session string `json:"instance_name"`
	Status  string `json:"status"`
	Queued  int    `json:"queued"`
	Limited int    `json:"limited,omitempty"`
	Error   string `json:"error,omitempty"`
}

type variationsRequest struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// mediaRef builds the media reference for a request, or nil for text sends.
func mediaRef(url string, kind models.MediaKind) *models.MediaRef {
	if url == "" && kind == "" {
		return nil
	}
	if kind == "" {
		kind = models.MediaKindImage
	}
	return &models.MediaRef{URL: url, Kind: kind}
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, "sendHandler", &req) {
		return
	}
	slog.Debug("Server.sendHandler: parsed request", "session", req.Session, "to", req.To, "media", req.MediaURL != "")

	if req.Session == "" || req.To == "" || req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("instance_name, to and message are required"))
		return
	}
	item := models.WorkItem{
		Session:    req.Session,
		To:         req.To,
		Body:       req.Message,
		Media:      mediaRef(req.MediaURL, req.MediaType),
		CampaignID: req.CampaignID,
		ContactID:  req.ContactID,
		MaxRetries: models.DefaultMaxRetries,
	}
	if err := item.Validate(); err != nil {
		slog.Warn("Server.sendHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := variation.Validate(item.Body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.provider.IsConnected(req.Session) {
		slog.Warn("Server.sendHandler: session not connected", "session", req.Session)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Instance not connected"))
		return
	}
	if !s.limiter.Allow(req.Session) {
		slog.Warn("Server.sendHandler: daily limit reached", "session", req.Session, "limit", s.limiter.Limit())
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error(fmt.Sprintf("Daily limit of %d messages reached for instance", s.limiter.Limit())))
		return
	}

	id := s.queue.Enqueue(item)
	slog.Info("Server.sendHandler: message queued", "id", id, "session", req.Session)
	writeJSONResponse(w, http.StatusOK, models.Queued("Message queued", map[string]interface{}{
		"message_id": id,
		"queued":     true,
	}))
}

func (s *Server) bulkHandler(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, "bulkHandler", &req) {
		return
	}
	slog.Info("Server.bulkHandler: bulk request received", "contacts", len(req.Contacts), "distribution", len(req.Distribution), "media", req.MediaURL != "")

	if len(req.Distribution) == 0 || len(req.Contacts) == 0 || req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("distribution, contacts and message are required"))
		return
	}
	if err := variation.Validate(req.Message); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	ref := mediaRef(req.MediaURL, req.MediaType)
	if ref != nil {
		check := models.WorkItem{Session: "-", To: "-", Media: ref}
		if err := check.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}

	campaignID, status, err := s.resolveCampaign(r, req)
	if err != nil {
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}

	messages := variation.Generate(req.Message, s.variations)
	slog.Debug("Server.bulkHandler: variations generated", "count", len(messages))

	results := make([]bulkResult, 0, len(req.Distribution))
	totalQueued := 0
	next := 0 // contacts are consumed in order across the distribution

	for _, dist := range req.Distribution {
		if !s.provider.IsConnected(dist.Session) {
			slog.Warn("Server.bulkHandler: session not connected", "session", dist.Session)
			results = append(results, bulkResult{Session: dist.Session, Status: "error", Error: "Instance not connected"})
			continue
		}
		end := min(next+max(dist.Messages, 0), len(req.Contacts))
		batch := req.Contacts[next:end]
		granted := s.limiter.AllowN(dist.Session, len(batch))

		queued := 0
		for i, c := range batch[:granted] {
			loopIndex := next + i
			decision := s.pauses.Compute(loopIndex, dist.Session)
			seq := loopIndex
			item := models.WorkItem{
				Session:       dist.Session,
				To:            c.Phone,
				Body:          messages[loopIndex%len(messages)],
				Media:         ref,
				SequenceIndex: &seq,
				PauseBefore:   decision.Duration,
				MaxRetries:    models.DefaultMaxRetries,
			}
			if campaignID != nil {
				cid, contactID := *campaignID, c.ID
				item.CampaignID = &cid
				item.ContactID = &contactID
			}
			if err := item.Validate(); err != nil {
				slog.Warn("Server.bulkHandler: skipping invalid contact", "session", dist.Session, "contact", c.ID, "error", err)
				continue
			}
			if campaignID != nil {
				s.addCampaignLog(r, *campaignID, c.ID, dist.Session, c.Phone)
			}
			id := s.queue.Enqueue(item)
			slog.Debug("Server.bulkHandler: message queued", "id", id, "session", dist.Session, "index", loopIndex, "pause", decision.Kind, "pauseSeconds", decision.Seconds())
			queued++
		}
		next = end
		totalQueued += queued

		res := bulkResult{Session: dist.Session, Status: "success", Queued: queued}
		if limited := len(batch) - granted; limited > 0 {
			res.Limited = limited
			slog.Warn("Server.bulkHandler: daily limit reached", "session", dist.Session, "limited", limited)
		}
		slog.Info("Server.bulkHandler: session batch queued", "session", dist.Session, "queued", queued)
		results = append(results, res)
	}

	result := map[string]interface{}{
		"total_queued": totalQueued,
		"results":      results,
	}
	if campaignID != nil {
		result["campaign_id"] = *campaignID
	}
	slog.Info("Server.bulkHandler: bulk send queued", "total", totalQueued)
	writeJSONResponse(w, http.StatusOK, models.Queued("Bulk send queued", result))
}

// resolveCampaign returns the campaign a bulk request reports to: an existing
// one by id, a new one by name, or none.
func (s *Server) resolveCampaign(r *http.Request, req bulkRequest) (*int64, int, error) {
	if req.CampaignID != nil {
		if _, err := s.store.GetCampaign(r.Context(), *req.CampaignID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, http.StatusNotFound, errors.New("campaign not found")
			}
			slog.Error("Server.bulkHandler: failed to load campaign", "campaign", *req.CampaignID, "error", err)
			return nil, http.StatusInternalServerError, errors.New("failed to load campaign")
		}
		return req.CampaignID, 0, nil
	}
	name := strings.TrimSpace(req.CampaignName)
	if name == "" {
		return nil, 0, nil
	}
	id, err := s.store.CreateCampaign(r.Context(), name, len(req.Contacts))
	if err != nil {
		slog.Error("Server.bulkHandler: failed to create campaign", "name", name, "error", err)
		return nil, http.StatusInternalServerError, errors.New("failed to create campaign")
	}
	slog.Info("Server.bulkHandler: campaign created", "campaign", id, "name", name)
	return &id, 0, nil
}

func (s *Server) addCampaignLog(r *http.Request, campaignID, contactID int64, session, phone string) {
	err := s.store.AddCampaignLog(r.Context(), models.CampaignLog{
		CampaignID: campaignID,
		ContactID:  contactID,
		Session:    session,
		Phone:      phone,
		Status:     models.LogStatusPending,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		slog.Error("Server.addCampaignLog: failed to record pending log", "campaign", campaignID, "contact", contactID, "error", err)
	}
}

func (s *Server) variationsHandler(w http.ResponseWriter, r *http.Request) {
	var req variationsRequest
	if !decodeJSON(w, r, "variationsHandler", &req) {
		return
	}
	if req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("message is required"))
		return
	}
	if err := variation.Validate(req.Message); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	count := req.Count
	if count <= 0 {
		count = DefaultPreviewVariations
	}
	count = min(count, MaxPreviewVariations)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"has_variations": variation.HasMarkup(req.Message),
		"variations":     variation.Generate(req.Message, count),
	}))
}

func (s *Server) suggestHandler(w http.ResponseWriter, r *http.Request) {
	if s.suggester == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("GenAI client not configured"))
		return
	}
	var req variationsRequest
	if !decodeJSON(w, r, "suggestHandler", &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("message is required"))
		return
	}
	tmpl, err := s.suggester.SuggestTemplate(r.Context(), req.Message)
	if err != nil {
		slog.Error("Server.suggestHandler: suggestion failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to suggest template"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"template": tmpl,
		"preview":  variation.Generate(tmpl, DefaultPreviewVariations),
	}))
}
