package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubValidator map[string]int64

func (s stubValidator) ValidateToken(token string) (int64, string, error) {
	id, ok := s[token]
	if !ok {
		return 0, "", errors.New("bad token")
	}
	return id, "user", nil
}

func TestAuthMiddleware(t *testing.T) {
	am := NewAuthMiddleware(stubValidator{"good": 7, "zero": 0})
	var seen int64
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		userID int64
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer good") }, http.StatusOK, 7},
		{"query param", func(r *http.Request) { r.URL.RawQuery = "token=good" }, http.StatusOK, 7},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "good"}) }, http.StatusOK, 7},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, 0},
		{"invalid", func(r *http.Request) { r.Header.Set("Authorization", "Bearer forged") }, http.StatusUnauthorized, 0},
		{"zero user", func(r *http.Request) { r.Header.Set("Authorization", "Bearer zero") }, http.StatusUnauthorized, 0},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic good") }, http.StatusUnauthorized, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = 0
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.userID, seen)
		})
	}
}

func TestUserFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := UserFromContext(req.Context())
	assert.False(t, ok)

	id, ok := UserFromContext(WithUser(req.Context(), 3, "carol"))
	assert.True(t, ok)
	assert.EqualValues(t, 3, id)
}
