package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/BTreeMap/PacePipe/internal/whatsapp"
)

type createInstanceRequest struct {
	Name string `json:"instance_name"`
}

// instanceView is the API representation of a session.
type instanceView struct {
	models.SessionStatus
	IsConnected bool `json:"is_connected"`
}

func (s *Server) view(st models.SessionStatus) instanceView {
	return instanceView{SessionStatus: st, IsConnected: s.provider.IsConnected(st.Name)}
}

func (s *Server) createInstanceHandler(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if !decodeJSON(w, r, "createInstanceHandler", &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("instance_name is required"))
		return
	}

	_, err := s.store.GetInstance(r.Context(), req.Name)
	existed := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Server.createInstanceHandler: failed to look up instance", "session", req.Name, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to query instances"))
		return
	}

	status, err := s.sessions.CreateSession(r.Context(), req.Name)
	if err != nil {
		slog.Error("Server.createInstanceHandler: failed to create session", "session", req.Name, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create instance: "+err.Error()))
		return
	}

	msg := "Instance created"
	if existed {
		msg = "Instance recovered"
	}
	slog.Info("Server.createInstanceHandler: session ready", "session", req.Name, "status", status.State, "recovered", existed)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(msg, s.view(status)))
}

func (s *Server) listInstancesHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.sessions.Statuses()
	out := make([]instanceView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, s.view(st))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) instanceQRHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	status, ok := s.sessions.Status(name)
	if !ok {
		// unknown sessions start a login flow, like POST /api/instances
		var err error
		status, err = s.sessions.CreateSession(r.Context(), name)
		if err != nil {
			slog.Warn("Server.instanceQRHandler: could not start session", "session", name, "error", err)
			writeJSONResponse(w, http.StatusNotFound, models.Error("Instance not found"))
			return
		}
	}

	result := map[string]interface{}{
		"instance_name": name,
		"status":        status.State,
		"qr_code":       nil,
	}
	if status.State == models.SessionStateConnected {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Instance already connected", result))
		return
	}
	if status.QRCode != "" {
		result["qr_code"] = status.QRCode
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) instanceStatusHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if status, ok := s.sessions.Status(name); ok {
		writeJSONResponse(w, http.StatusOK, models.Success(s.view(status)))
		return
	}

	// sessions served by another backend, or known only from the registry
	if s.provider.IsConnected(name) {
		writeJSONResponse(w, http.StatusOK, models.Success(instanceView{
			SessionStatus: models.SessionStatus{Name: name, State: models.SessionStateConnected},
			IsConnected:   true,
		}))
		return
	}
	inst, err := s.store.GetInstance(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Instance not found"))
		return
	}
	if err != nil {
		slog.Error("Server.instanceStatusHandler: failed to look up instance", "session", name, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to query instances"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(instanceView{SessionStatus: inst}))
}

func (s *Server) deleteInstanceHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.sessions.DestroySession(r.Context(), name)
	if errors.Is(err, whatsapp.ErrUnknownSession) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Instance not found"))
		return
	}
	if err != nil {
		slog.Error("Server.deleteInstanceHandler: failed to destroy session", "session", name, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to destroy instance"))
		return
	}
	slog.Info("Server.deleteInstanceHandler: session destroyed", "session", name)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session destroyed", nil))
}
