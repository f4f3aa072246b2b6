// Package api provides HTTP handlers for TicketPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing webhook", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ingester == nil {
		slog.Warn("Server.webhookHandler: no webhook ingester configured")
		writeJSONResponse(w, http.StatusNotFound, models.Error("Webhook ingestion is not enabled"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	if err := s.ingester.IngestWebhook(r.Context(), body); err != nil {
		slog.Warn("Server.webhookHandler: ingestion failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}
	// Providers retry non-2xx responses, so ack as soon as the payload
	// is accepted; processing continues asynchronously.
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Webhook accepted", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.healthHandler: processing health check")
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultHealthTimeout)
	defer cancel()

	deps := map[string]string{
		"store":    "ok",
		"sessions": "ok",
	}
	// Ping errors can carry DSN and host detail; the response only says
	// which dependency is down, the slog line keeps the cause.
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("Server.healthHandler: store ping failed", "error", err)
		deps["store"] = "unavailable"
		healthy = false
	}
	if err := s.sessions.Ping(ctx); err != nil {
		slog.Warn("Server.healthHandler: session store ping failed", "error", err)
		deps["sessions"] = "unavailable"
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, models.Success(deps))
}

func (s *Server) ticketsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.ticketsHandler: processing tickets request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tickets, err := s.store.GetTickets(r.Context())
	if err != nil {
		slog.Error("Server.ticketsHandler: failed to query tickets", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to retrieve tickets"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tickets))
}

func (s *Server) projectsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.projectsHandler: processing projects request", "method", r.Method)
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.ListProjects(r.Context())
		if err != nil {
			slog.Error("Server.projectsHandler: failed to query projects", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to retrieve projects"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(projects))

	case http.MethodPost:
		var p models.Project
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)).Decode(&p); err != nil {
			slog.Warn("Server.projectsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if p.Name == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
			return
		}
		if err := s.store.UpsertProject(r.Context(), p); err != nil {
			slog.Error("Server.projectsHandler: failed to upsert project", "error", err, "project", p.Name)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save project"))
			return
		}
		slog.Info("Server.projectsHandler: project saved", "project", p.Name, "external_set", p.ExternalID != "")
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Project saved", p))

	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
