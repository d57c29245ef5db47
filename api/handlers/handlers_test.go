package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/ptyrelay/internal/db"
	"github.com/remote-agent-terminal/ptyrelay/internal/model"
	"github.com/remote-agent-terminal/ptyrelay/internal/repository"
	"github.com/remote-agent-terminal/ptyrelay/internal/session"
	"github.com/remote-agent-terminal/ptyrelay/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	registry *session.Registry
	projects *repository.ProjectRepository
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	projects := repository.NewProjectRepository(testDB, 5)

	registry := session.NewRegistry(session.NewPTYSpawner(session.ProgramConfig{
		Command: "sleep",
		Args:    []string{"30"},
	}), session.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Close(ctx)
	})

	terminals := ws.NewHandler(registry, projects, ws.Config{})
	t.Cleanup(terminals.Close)

	r := gin.New()
	r.Use(RequestLogger())
	api := r.Group("/api")
	NewSessionHandler(registry).RegisterRoutes(api)
	NewProjectHandler(projects).RegisterRoutes(api)
	NewWebSocketHandler(terminals).RegisterRoutes(r)

	return &testEnv{router: r, registry: registry, projects: projects}
}

func (e *testEnv) do(method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestProjectHandler_AddListRemove(t *testing.T) {
	env := setupTestEnv(t)
	dir := t.TempDir()

	w := env.do(http.MethodPost, "/api/projects", model.AddProjectRequest{Path: dir + "/"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"path":"`+dir+`"`)

	w = env.do(http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, dir, list[0].Path)

	w = env.do(http.MethodDelete, "/api/projects?path="+url.QueryEscape(dir), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodDelete, "/api/projects?path="+url.QueryEscape(dir), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PROJECT_NOT_FOUND", decodeError(t, w).Code)
}

func TestProjectHandler_RejectsBadInput(t *testing.T) {
	env := setupTestEnv(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	os.WriteFile(file, nil, 0o644)

	w := env.do(http.MethodPost, "/api/projects", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)

	for _, p := range []string{file, filepath.Join(dir, "missing")} {
		w = env.do(http.MethodPost, "/api/projects", model.AddProjectRequest{Path: p})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_PATH", decodeError(t, w).Code)
	}

	w = env.do(http.MethodDelete, "/api/projects", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/projects", nil)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestSessionHandler_ListAndKill(t *testing.T) {
	env := setupTestEnv(t)
	dir := t.TempDir()

	w := env.do(http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	s, created, err := env.registry.GetOrCreate(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, created)

	w = env.do(http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, dir, list[0].Cwd)
	assert.Equal(t, s.PID(), list[0].PID)
	assert.Equal(t, string(model.SessionStatusRunning), list[0].Status)
	assert.NotEmpty(t, list[0].Uptime)
	if list[0].RSSBytes != nil {
		assert.Greater(t, *list[0].RSSBytes, uint64(0))
	}

	w = env.do(http.MethodDelete, "/api/sessions?cwd="+url.QueryEscape(dir), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("killed session did not exit")
	}

	w = env.do(http.MethodDelete, "/api/sessions?cwd="+url.QueryEscape(dir), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeError(t, w).Code)

	w = env.do(http.MethodDelete, "/api/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocketHandler_SelectRecordsProject(t *testing.T) {
	env := setupTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	dir := t.TempDir()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readControl := func() ws.Control {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			mt, data, err := conn.ReadMessage()
			require.NoError(t, err)
			if mt == websocket.TextMessage {
				ctl, err := ws.DecodeControl(data)
				require.NoError(t, err)
				return ctl
			}
		}
	}

	assert.Equal(t, ws.ControlReady, readControl().Type)

	body, _ := json.Marshal(map[string]string{"cwd": dir})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, append([]byte{2}, body...)))
	ctl := readControl()
	assert.Equal(t, ws.ControlSpawned, ctl.Type)
	assert.Equal(t, dir, ctl.Cwd)
	assert.NotZero(t, ctl.PID)

	assert.Eventually(t, func() bool {
		list, err := env.projects.List(context.Background())
		return err == nil && len(list) == 1 && list[0].Path == dir
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h0m1s", formatDuration(time.Hour+time.Second))
}
