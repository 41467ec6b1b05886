package user

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dmchat/internal/middleware"
)

// RefreshCookieName carries the refresh token next to the access cookie.
const RefreshCookieName = "refreshToken"

type Handler struct {
	Service *Service
	logger  *slog.Logger
	// secureCookie marks the access token cookie Secure outside dev.
	secureCookie bool
}

func NewHandler(s *Service, logger *slog.Logger, secureCookie bool) *Handler {
	return &Handler{Service: s, logger: logger, secureCookie: secureCookie}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	switch {
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrEmailTaken):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("register failed", "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if !errors.Is(err, ErrBadCredentials) {
			h.logger.Error("login failed", "error", err)
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	h.setCookie(w, middleware.CookieName, res.AccessToken, h.Service.tokenTTL)
	h.setCookie(w, RefreshCookieName, res.RefreshToken, h.Service.refreshTTL)
	writeJSON(w, http.StatusOK, res)
}

// RefreshToken takes the refresh token from the body or the refresh cookie
// and answers with a new access token.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		if c, err := r.Cookie(RefreshCookieName); err == nil {
			req.Token = c.Value
		}
	}
	if req.Token == "" {
		http.Error(w, "refresh token required", http.StatusUnauthorized)
		return
	}

	res, err := h.Service.Refresh(r.Context(), req.Token)
	switch {
	case errors.Is(err, ErrInvalidRefreshToken):
		http.Error(w, ErrInvalidRefreshToken.Error(), http.StatusForbidden)
		return
	case err != nil:
		h.logger.Error("refresh failed", "error", err)
		http.Error(w, "refresh failed", http.StatusInternalServerError)
		return
	}

	h.setCookie(w, middleware.CookieName, res.AccessToken, h.Service.tokenTTL)
	writeJSON(w, http.StatusOK, res)
}

// Logout revokes the caller's refresh token and clears both cookies.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.Service.Logout(r.Context(), userID); err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("logout failed", "user_id", userID, "error", err)
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	h.setCookie(w, middleware.CookieName, "", -1)
	h.setCookie(w, RefreshCookieName, "", -1)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// setCookie writes an HttpOnly cookie living ttl; a negative ttl deletes it.
func (h *Handler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
	} else {
		c.Expires = time.Now().Add(ttl)
	}
	http.SetCookie(w, c)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserFromContext(r.Context())
	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"), userID)
	if err != nil {
		h.logger.Error("search users failed", "error", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	u, err := h.Service.Me(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("load profile failed", "user_id", userID, "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
