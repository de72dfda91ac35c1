package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/nkkko/agentdesk/internal/api/errors"
	"github.com/nkkko/agentdesk/internal/api/models"
	"github.com/nkkko/agentdesk/internal/api/response"
	"github.com/nkkko/agentdesk/internal/api/validation"
	"github.com/nkkko/agentdesk/internal/logging"
	"github.com/nkkko/agentdesk/internal/pause"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// source recorded for presence reports made over plain HTTP
	httpPresenceSource = "http"
)

// handleHealth reports the status of every registered dependency
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := models.HealthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range a.deps.Checks {
		if err := check.HealthCheck(ctx); err != nil {
			a.logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			health.Checks[name] = err.Error()
			health.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		health.Checks[name] = "ok"
	}
	response.JSON(w, r, status, health)
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.deps.Pause.Snapshot())
}

func (a *API) handleListReasons(w http.ResponseWriter, r *http.Request) {
	reasons, err := a.deps.Catalog.List(r.Context())
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Failed to list reasons")
		response.Error(w, r, apierrors.UnavailableError("catalog_unavailable", "Pause reasons are unavailable"))
		return
	}

	data := make([]*models.ReasonResponse, 0, len(reasons))
	for _, reason := range reasons {
		data = append(data, models.ReasonFromProto(reason))
	}
	response.JSON(w, r, http.StatusOK, data)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := validation.QueryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	data := make([]*models.HistoryResponse, 0)
	if a.deps.History != nil {
		records, err := a.deps.History.List(r.Context(), a.deps.Agent, limit)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Msg("Failed to list history")
			response.Error(w, r, apierrors.InternalError("list_history_failed", "Failed to list history"))
			return
		}
		for _, record := range records {
			data = append(data, models.HistoryFromProto(record))
		}
	}
	response.WithMeta(w, r, http.StatusOK, data, models.PaginationMeta{Limit: limit, Count: len(data)})
}

func (a *API) handleSelectReason(w http.ResponseWriter, r *http.Request) {
	var req models.SelectReasonRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	a.runCommand(w, r, "select", func(ctx context.Context) error {
		return a.deps.Pause.SelectReason(ctx, req.ReasonID)
	})
}

// command adapts a body-less controller command to a handler
func (a *API) command(name string, fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.runCommand(w, r, name, fn)
	}
}

// runCommand executes fn and answers with the resulting snapshot. A command
// that does not apply in the current state is not an error.
func (a *API) runCommand(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context) error) {
	if err := fn(r.Context()); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Str("command", name).Msg("Pause command failed")
		response.Error(w, r, commandError(err))
		return
	}
	response.JSON(w, r, http.StatusOK, a.deps.Pause.Snapshot())
}

// commandError maps controller errors onto the API error taxonomy
func commandError(err error) error {
	switch {
	case errors.Is(err, pause.ErrUnknownReason):
		return apierrors.ValidationError("unknown_reason", "Unknown pause reason")
	case errors.Is(err, pause.ErrCatalogUnavailable):
		return apierrors.UnavailableError("catalog_unavailable", "Pause reasons are unavailable")
	case errors.Is(err, pause.ErrStartFailed):
		return apierrors.UpstreamError("start_failed", err.Error())
	case errors.Is(err, pause.ErrRequestFailed):
		return apierrors.UpstreamError("request_failed", err.Error())
	case errors.Is(err, pause.ErrEndFailed):
		return apierrors.UpstreamError("end_failed", err.Error())
	default:
		return apierrors.InternalError("command_failed", err.Error())
	}
}

func (a *API) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req models.VisibilityRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if req.Source == "" {
		req.Source = httpPresenceSource
	}
	a.deps.Stream.SetVisibility(req.Source, req.Visible, req.Focused)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req models.PermissionRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if req.Source == "" {
		req.Source = httpPresenceSource
	}
	a.deps.Stream.SetPermission(req.Source, req.Granted)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMarkViewed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.Required("id", id); err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.deps.Notifications.MarkViewed(r.Context(), id); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("message_id", id).Msg("Failed to mark message viewed")
		response.Error(w, r, apierrors.InternalError("mark_viewed_failed", "Failed to record view"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.deps.Notifications.Settings())
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req models.NotificationSettingsRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	a.deps.Notifications.UpdateSettings(req.ToSettings())
	response.JSON(w, r, http.StatusOK, a.deps.Notifications.Settings())
}
