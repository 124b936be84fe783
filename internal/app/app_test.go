package app

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

	"jackdisk/internal/config"
	"jackdisk/internal/database"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		AppEnv:          "test",
		DatabaseURL:     "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared",
		StorageBackend:  config.BackendFilesystem,
		StorageDir:      t.TempDir(),
		PublicBaseURL:   "http://example.com",
		CapacityBytes:   1 << 20,
		MaxFileSize:     1 << 20,
		ChunkThreshold:  8,
		ChunkSize:       4,
		MaxChunkSize:    16,
		RetentionWindow: time.Hour,
		SessionTTL:      time.Minute,
		CleanInterval:   time.Minute,
		AdminPassword:   "pw",
		JWTSecret:       "secret",
		AdminTokenTTL:   time.Minute,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func call(t *testing.T, h http.Handler, method, target, body, token string) envelope {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" && strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Less(t, w.Code, 300, "%s %s: %s", method, target, w.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestChunkedUploadThroughWiredRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := New(context.Background(), testConfig(t), database.Silent())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	router := a.Router()

	env := call(t, router, http.MethodPost, "/api/v1/uploads/plan", `{"filename":"big.txt","size":10}`, "")
	assert.Contains(t, string(env.Data), `"method":"chunked"`)

	env = call(t, router, http.MethodPost, "/api/v1/uploads/sessions", `{"filename":"big.txt","total_size":10}`, "")
	var created struct {
		Session struct {
			ID string `json:"session_id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	base := "/api/v1/uploads/sessions/" + created.Session.ID

	call(t, router, http.MethodPut, base+"/chunks/0", "0123", "")
	call(t, router, http.MethodPut, base+"/chunks/1", "4567", "")
	call(t, router, http.MethodPut, base+"/chunks/2", "89", "")
	call(t, router, http.MethodPost, base+"/finalize", "", "")

	env = call(t, router, http.MethodGet, "/api/v1/stats", "", "")
	assert.Contains(t, string(env.Data), `"used_bytes":10`)

	env = call(t, router, http.MethodPost, "/api/v1/admin/login", `{"password":"pw"}`, "")
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))

	call(t, router, http.MethodDelete, "/api/v1/objects/big.txt", "", login.AccessToken)
	env = call(t, router, http.MethodGet, "/api/v1/objects", "", "")
	assert.Contains(t, string(env.Data), `"total":0`)
}

func TestUnknownRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := New(context.Background(), testConfig(t), database.Silent())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}
