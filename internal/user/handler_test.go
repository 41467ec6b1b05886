package user_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/middleware"
	"dmchat/internal/obs"
	"dmchat/internal/user"
)

func postJSON(h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(body)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", &buf))
	return rec
}

func TestHandlerRegisterLogin(t *testing.T) {
	h := user.NewHandler(newService(time.Hour), obs.Discard(), false)

	rec := postJSON(h.Register, user.RegisterRequest{Name: "alice", Email: "alice@example.com", Password: "password123"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = postJSON(h.Register, user.RegisterRequest{Name: "alice", Email: "alice@example.com", Password: "password123"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = postJSON(h.Register, user.RegisterRequest{Name: "x", Email: "bad", Password: "password123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(h.Login, user.LoginRequest{Email: "alice@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(h.Login, user.LoginRequest{Email: "alice@example.com", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res user.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.NotEmpty(t, res.AccessToken)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)
	assert.Equal(t, middleware.CookieName, cookies[0].Name)
	assert.Equal(t, res.AccessToken, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, user.RefreshCookieName, cookies[1].Name)
	assert.Equal(t, res.RefreshToken, cookies[1].Value)
	assert.True(t, cookies[1].HttpOnly)

	// Me reads the user the auth middleware put on the context.
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), res.User.ID, res.User.Name))
	rec = httptest.NewRecorder()
	h.Me(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var me user.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	assert.Equal(t, "alice@example.com", me.Email)

	rec = httptest.NewRecorder()
	h.Me(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerSearchReturnsEmptyArray(t *testing.T) {
	h := user.NewHandler(newService(time.Hour), obs.Discard(), false)
	req := httptest.NewRequest(http.MethodGet, "/api/users/search?q=zzz", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), 1, "alice"))
	rec := httptest.NewRecorder()

	h.SearchUsers(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandlerRefreshAndLogout(t *testing.T) {
	h := user.NewHandler(newService(time.Hour), obs.Discard(), false)
	require.Equal(t, http.StatusCreated,
		postJSON(h.Register, user.RegisterRequest{Name: "alice", Email: "alice@example.com", Password: "password123"}).Code)
	rec := postJSON(h.Login, user.LoginRequest{Email: "alice@example.com", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login user.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&login))
	require.NotEmpty(t, login.RefreshToken)

	t.Run("token in body", func(t *testing.T) {
		rec := postJSON(h.RefreshToken, user.RefreshRequest{Token: login.RefreshToken})
		require.Equal(t, http.StatusOK, rec.Code)
		var res user.LoginResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.NotEmpty(t, res.AccessToken)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, middleware.CookieName, cookies[0].Name)
		assert.Equal(t, res.AccessToken, cookies[0].Value)
	})

	t.Run("token in cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/refresh-token", nil)
		req.AddCookie(&http.Cookie{Name: user.RefreshCookieName, Value: login.RefreshToken})
		rec := httptest.NewRecorder()
		h.RefreshToken(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.RefreshToken(rec, httptest.NewRequest(http.MethodPost, "/refresh-token", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		rec := postJSON(h.RefreshToken, user.RefreshRequest{Token: login.AccessToken})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	// Logout revokes the refresh token and expires both cookies.
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), login.User.ID, login.User.Name))
	rec = httptest.NewRecorder()
	h.Logout(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, c := range cookies {
		assert.Empty(t, c.Value)
		assert.Negative(t, c.MaxAge)
	}

	rec = postJSON(h.RefreshToken, user.RefreshRequest{Token: login.RefreshToken})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.Logout(rec, httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
