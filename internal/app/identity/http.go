package identity

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
	AllowedOrigin string
}

func NewHandler(service *Service, allowedOrigin string) *Handler {
	return &Handler{Service: service, AllowedOrigin: allowedOrigin}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORS(h.AllowedOrigin))

	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)

	authn := auth.Authenticator{Tokens: h.Service.AuthToken, Resolver: h.Service}
	r.Group(func(authR chi.Router) {
		authR.Use(authn.Middleware(httpx.WriteAuthError))
		authR.Get("/users", h.handleListUsers)
		authR.Put("/users/{publicID}", h.handleUpdateUser)
		authR.Put("/users/{publicID}/active", h.handleSetActive)
	})
	return r
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	u, err := h.Service.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"message":   "user registered successfully",
		"public_id": u.PublicID,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	token, err := h.Service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	if principal == nil {
		httpx.WriteAuthError(w, auth.ErrUnauthorized)
		return
	}
	users, err := h.Service.ListUsers(r.Context(), *principal)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	principal, _ := auth.PrincipalFrom(r.Context())
	if principal == nil {
		httpx.WriteAuthError(w, auth.ErrUnauthorized)
		return
	}
	u, err := h.Service.UpdateUser(r.Context(), *principal, chi.URLParam(r, "publicID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"updated_user": u})
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil || req.Active == nil {
		httpx.WriteError(w, http.StatusBadRequest, "active flag is required")
		return
	}
	principal, _ := auth.PrincipalFrom(r.Context())
	if principal == nil {
		httpx.WriteAuthError(w, auth.ErrUnauthorized)
		return
	}
	u, err := h.Service.SetActive(r.Context(), *principal, chi.URLParam(r, "publicID"), *req.Active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"updated_user": u})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var pubErr *messaging.PublishError
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrForbidden):
		httpx.WriteAuthError(w, err)
	case errors.Is(err, ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrInvalidUsername),
		errors.Is(err, ErrInvalidPassword), errors.Is(err, auth.ErrInvalidRole):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEmailTaken):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &pubErr):
		httpx.WriteError(w, http.StatusInternalServerError, "change saved but event publish failed")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
