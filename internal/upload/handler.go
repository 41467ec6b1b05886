package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"dmchat/internal/middleware"
	"dmchat/internal/user"
)

// MaxImageSize caps a single uploaded image.
const MaxImageSize = 5 << 20

// ProfileUpdater records a user's new profile picture.
type ProfileUpdater interface {
	UpdateImage(ctx context.Context, userID int64, imageURL string) (*user.User, error)
}

type Handler struct {
	store    Store
	profiles ProfileUpdater
	logger   *slog.Logger
}

// NewHandler serves uploads through store. A nil store answers 503.
func NewHandler(store Store, profiles ProfileUpdater, logger *slog.Logger) *Handler {
	return &Handler{store: store, profiles: profiles, logger: logger}
}

type response struct {
	URL string `json:"url"`
}

// UploadImage accepts a multipart "image" field and stores it.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	u, ok := h.receive(w, r, userID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, response{URL: u})
}

// UpdateProfileImage stores the uploaded "image" and makes it the caller's
// profile picture.
func (h *Handler) UpdateProfileImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.profiles == nil {
		http.Error(w, "profiles are not configured", http.StatusServiceUnavailable)
		return
	}
	u, ok := h.receive(w, r, userID)
	if !ok {
		return
	}
	updated, err := h.profiles.UpdateImage(r.Context(), userID, u)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("profile image update failed", "user_id", userID, "error", err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// receive validates the multipart image and puts it in the store. On failure
// it has already written the response.
func (h *Handler) receive(w http.ResponseWriter, r *http.Request, userID int64) (string, bool) {
	if h.store == nil {
		http.Error(w, "uploads are not configured", http.StatusServiceUnavailable)
		return "", false
	}

	// Room for the multipart framing around the file.
	r.Body = http.MaxBytesReader(w, r.Body, MaxImageSize+64<<10)
	file, header, err := r.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
			return "", false
		}
		http.Error(w, "image field is required", http.StatusBadRequest)
		return "", false
	}
	defer file.Close()

	if header.Size > MaxImageSize {
		http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
		return "", false
	}

	data, err := io.ReadAll(io.LimitReader(file, MaxImageSize+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return "", false
	}
	if len(data) > MaxImageSize {
		http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
		return "", false
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		http.Error(w, "only images are accepted", http.StatusUnsupportedMediaType)
		return "", false
	}

	key := objectKey(userID, header.Filename, contentType)
	u, err := h.store.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		h.logger.Error("image upload failed", "user_id", userID, "error", err)
		http.Error(w, "upload failed", http.StatusBadGateway)
		return "", false
	}
	return u, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func objectKey(userID int64, filename, contentType string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = "." + strings.TrimPrefix(contentType, "image/")
	}
	return fmt.Sprintf("images/%d/%s%s", userID, uuid.NewString(), ext)
}
