package tasks

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/auth"
	"github.com/tasksync/project/internal/platform/httpx"
)

type Handler struct {
	Service       *Service
	Auth          auth.Authenticator
	AllowedOrigin string
}

func NewHandler(service *Service, authenticator auth.Authenticator, allowedOrigin string) *Handler {
	return &Handler{Service: service, Auth: authenticator, AllowedOrigin: allowedOrigin}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORS(h.AllowedOrigin))

	r.Group(func(authR chi.Router) {
		authR.Use(h.Auth.Middleware(httpx.WriteAuthError))
		authR.Get("/tasks", h.handleList)
		authR.Post("/tasks", h.handleCreate)
		authR.Patch("/tasks/{publicID}", h.handlePatch)
		authR.Post("/tasks/reassign", h.handleReassign)
	})
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	if principal == nil {
		httpx.WriteAuthError(w, auth.ErrUnauthorized)
		return
	}
	list, err := h.Service.List(r.Context(), *principal)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	principal, _ := auth.PrincipalFrom(r.Context())
	if principal == nil {
		httpx.WriteAuthError(w, auth.ErrUnauthorized)
		return
	}
	task, err := h.Service.Create(r.Context(), *principal, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, task)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req PatchInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	principal, _ := auth.PrincipalFrom(r.Context())
	if principal == nil {
		httpx.WriteAuthError(w, auth.ErrUnauthorized)
		return
	}
	task, err := h.Service.Patch(r.Context(), *principal, chi.URLParam(r, "publicID"), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	if principal == nil {
		httpx.WriteAuthError(w, auth.ErrUnauthorized)
		return
	}
	moved, err := h.Service.ReassignOpen(r.Context(), *principal)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"reassigned": moved})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var pubErr *messaging.PublishError
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrForbidden):
		httpx.WriteAuthError(w, err)
	case errors.Is(err, ErrTitleRequired), errors.Is(err, ErrInvalidStatus):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, ErrConflict):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoEligibleAssignee):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.As(err, &pubErr):
		httpx.WriteError(w, http.StatusInternalServerError, "change saved but event publish failed")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
