package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jackdisk/internal/middleware"
	"jackdisk/internal/pkg/jwt"
)

func TestLogin(t *testing.T) {
	tokens := jwt.New("secret", 30*time.Minute)
	svc, err := NewService("hunter2", tokens)
	require.NoError(t, err)
	assert.NotContains(t, string(svc.passwordHash), "hunter2")

	_, err = svc.Login(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	session, err := svc.Login(context.Background(), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, ScopeAdmin, session.Scope)

	claims, err := tokens.ValidateToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, ScopeAdmin, claims.Scope)
}

func TestLoginOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := jwt.New("secret", 30*time.Minute)
	svc, err := NewService("hunter2", tokens)
	require.NoError(t, err)

	router := gin.New()
	RegisterRoutes(router.Group("/api/v1"), NewHandler(svc), middleware.RequireCapability(tokens, ScopeAdmin))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{"password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_FAILED")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{"password":"hunter2"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.AccessToken)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/me", nil)
	req.Header.Set("Authorization", "Bearer "+body.Data.AccessToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"scope":"admin"`)
}
