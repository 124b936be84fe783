package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func serve(router http.Handler, method, path string, body []byte, contentType string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func newSessionRouter(f *fixture) *gin.Engine {
	router := gin.New()
	RegisterRoutes(router.Group("/api/v1"), NewHandler(f.manager, NewHub(), 4, 16))
	return router
}

func TestChunkedUploadOverHTTP(t *testing.T) {
	f := newFixture(t, 10*mib)
	router := newSessionRouter(f)

	w, env := serve(router, http.MethodPost, "/api/v1/uploads/sessions",
		[]byte(`{"filename":"report.txt","total_size":10}`), "application/json")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, int64(4), created.Session.ChunkSize, "chunk size defaults when omitted")
	assert.Equal(t, 3, created.Session.ChunkCount)
	base := "/api/v1/uploads/sessions/" + created.Session.ID

	w, env = serve(router, http.MethodPost, base+"/finalize", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INCOMPLETE_UPLOAD", env.Error.Code)
	assert.JSONEq(t, `{"missing_chunks":[0,1,2]}`, string(env.Error.Details))

	w, env = serve(router, http.MethodPut, base+"/chunks/2", []byte("xyz"), "application/octet-stream")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CHUNK_SIZE_MISMATCH", env.Error.Code)

	w, env = serve(router, http.MethodPut, base+"/chunks/3", []byte("ab"), "application/octet-stream")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INDEX_OUT_OF_RANGE", env.Error.Code)

	w, env = serve(router, http.MethodPut, base+"/chunks/0", bytes.Repeat([]byte("a"), 17), "application/octet-stream")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CHUNK_SIZE_MISMATCH", env.Error.Code)

	for i, part := range []string{"abcd", "efgh", "ij"} {
		w, _ = serve(router, http.MethodPut, base+"/chunks/"+string(rune('0'+i)), []byte(part), "application/octet-stream")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w, env = serve(router, http.MethodGet, base, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResult
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, []int{0, 1, 2}, status.ReceivedChunks)
	assert.Empty(t, status.MissingChunks)

	w, env = serve(router, http.MethodPost, base+"/finalize", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, string(env.Data), `"key":"report.txt"`)
	assert.Contains(t, string(env.Data), `"already_completed":false`)
	assert.Equal(t, "abcdefghij", string(f.read(t, "report.txt")))

	w, env = serve(router, http.MethodPost, base+"/finalize", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"already_completed":true`)

	w, env = serve(router, http.MethodPut, base+"/chunks/0", []byte("abcd"), "application/octet-stream")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_SESSION", env.Error.Code)
}

func TestMultipartChunkAndAbort(t *testing.T) {
	f := newFixture(t, 10*mib)
	router := newSessionRouter(f)

	w, env := serve(router, http.MethodPost, "/api/v1/uploads/sessions",
		[]byte(`{"filename":"m.bin","total_size":8,"chunk_size":4}`), "application/json")
	require.Equal(t, http.StatusCreated, w.Code)
	var created CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &created))
	base := "/api/v1/uploads/sessions/" + created.Session.ID

	body := &bytes.Buffer{}
	boundary := "chunkboundary"
	body.WriteString("--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="chunk"; filename="blob"` + "\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		"wxyz\r\n--" + boundary + "--\r\n")
	w, _ = serve(router, http.MethodPut, base+"/chunks/1", body.Bytes(), "multipart/form-data; boundary="+boundary)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = serve(router, http.MethodPost, "/api/v1/uploads/sessions",
		[]byte(`{"filename":"m.bin","total_size":8,"chunk_size":4}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"resumed":true`)
	assert.Contains(t, string(env.Data), `"received_chunks":[1]`)

	w, _ = serve(router, http.MethodDelete, base, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, env = serve(router, http.MethodDelete, base, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_SESSION", env.Error.Code)
}

func TestCreateSessionErrors(t *testing.T) {
	f := newFixture(t, 10*mib)
	f.seed(t, "existing.bin", 9*mib)
	router := newSessionRouter(f)

	w, env := serve(router, http.MethodPost, "/api/v1/uploads/sessions",
		[]byte(`{"filename":"big.bin","total_size":2097152,"chunk_size":1048576}`), "application/json")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", env.Error.Code)

	w, env = serve(router, http.MethodPost, "/api/v1/uploads/sessions",
		[]byte(`{"filename":"a.bin","total_size":-5}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_SIZE", env.Error.Code)

	w, env = serve(router, http.MethodPost, "/api/v1/uploads/sessions",
		[]byte(`{"total_size":5}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	w, _ = serve(router, http.MethodGet, "/api/v1/uploads/sessions/"+strings.Repeat("0", 36), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWatchStreamsProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*mib)
	hub := NewHub()
	f.manager.SetNotifier(hub)

	router := gin.New()
	RegisterRoutes(router.Group("/api/v1"), NewHandler(f.manager, hub, 4, 16))
	srv := httptest.NewServer(router)
	defer srv.Close()
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/uploads/sessions/"

	created, err := f.manager.Create(ctx, "watched.txt", 6, 4)
	require.NoError(t, err)
	id := created.Session.ID

	conn, _, err := websocket.DefaultDialer.Dial(wsBase+id+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers(id) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = f.manager.SubmitChunk(ctx, id, 0, []byte("abcd"))
	require.NoError(t, err)
	_, err = f.manager.SubmitChunk(ctx, id, 1, []byte("ef"))
	require.NoError(t, err)
	_, err = f.manager.Finalize(ctx, id)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []Event
	for len(got) < 3 {
		var e Event
		require.NoError(t, conn.ReadJSON(&e))
		got = append(got, e)
	}
	assert.Equal(t, EventChunkReceived, got[0].Type)
	assert.Equal(t, 0, got[0].ChunkIndex)
	assert.Equal(t, EventChunkReceived, got[1].Type)
	assert.Equal(t, int64(6), got[1].ReceivedBytes)
	assert.Equal(t, EventFinalized, got[2].Type)
	assert.Equal(t, "watched.txt", got[2].Key)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers(id) == 0 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"no-such-session/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
