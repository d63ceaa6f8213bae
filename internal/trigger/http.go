package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/spotbuild/spotbuild/internal/domain"
	"github.com/spotbuild/spotbuild/internal/platform/auth"
	"github.com/spotbuild/spotbuild/internal/platform/httpserver"
)

const maxEventBytes = 64 << 10

// Register mounts the invocation routes on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/invocations", s.handleTrigger)
	mux.HandleFunc("GET /v1/invocations/last", s.handleLast)
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		httpserver.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error":      "event_too_large",
			"request_id": requestID,
		})
		return
	}
	ev, err := domain.ParseEvent(body)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_event",
			"detail":     domain.Detail(err),
			"request_id": requestID,
		})
		return
	}

	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		s.log(slog.LevelInfo, "trigger accepted", "subject", identity.Subject, "request_id", requestID, "force_build", ev.ForceBuild)
	}

	// A dropped client connection must not abort a fleet request mid-flight;
	// shutdown still reaches the run through the service lifecycle.
	res, err := s.Trigger(context.WithoutCancel(r.Context()), SourceHTTP, ev)
	switch {
	case errors.Is(err, ErrBusy):
		httpserver.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":      "invocation_in_progress",
			"request_id": requestID,
		})
		return
	case errors.Is(err, ErrShuttingDown):
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":      "shutting_down",
			"request_id": requestID,
		})
		return
	}
	httpserver.WriteJSON(w, statusCode(res.Err()), res)
}

func (s *Service) handleLast(w http.ResponseWriter, r *http.Request) {
	res, ok := s.Last()
	if !ok {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "no_invocation"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, res)
}

func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrCapacityQuery), errors.Is(err, domain.ErrProvisioning):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
