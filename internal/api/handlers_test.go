package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderoom/backend/internal/db"
	"github.com/coderoom/backend/internal/document"
	"github.com/coderoom/backend/internal/exec"
	"github.com/coderoom/backend/internal/presence"
	"github.com/coderoom/backend/internal/room"
	docsync "github.com/coderoom/backend/internal/sync"
	"github.com/coderoom/backend/internal/ws"
)

type fixture struct {
	api      *API
	store    *document.Store
	registry *room.Registry
	database *db.Database
}

func newTestAPI(t *testing.T, executorURL string) *fixture {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coderoom-api-test-*")
	require.NoError(t, err)

	database, err := db.New(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Close()
		os.RemoveAll(tmpDir)
	})

	engine := docsync.NewEngine()
	t.Cleanup(engine.Close)

	store := document.New(engine, database, document.DefaultOptions())
	registry := room.NewRegistry(time.Minute, nil)
	hub := ws.NewHub(registry, store, presence.NewNoop(), 100, 200)
	dispatcher := exec.New(executorURL, time.Second)

	return &fixture{
		api:      New(hub, registry, store, database, dispatcher),
		store:    store,
		registry: registry,
		database: database,
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthHandler(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")
	rec := doJSON(t, f.api.Router(), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestCreateAndGetRoom(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")
	router := f.api.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/rooms", CreateRoomRequest{ID: "R1", Name: "interview"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/rooms/R1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "R1", body["id"])
	assert.Equal(t, "interview", body["name"])

	rec = doJSON(t, router, http.MethodGet, "/api/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRoomValidation(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")

	rec := doJSON(t, f.api.Router(), http.MethodPost, "/api/rooms", CreateRoomRequest{Name: "no id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRoomIncludesActiveUsers(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")
	router := f.api.Router()

	require.NoError(t, f.database.CreateRoom("R1", ""))
	_, err := f.registry.Join("R1", "alice")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/rooms/R1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeBody(t, rec)["active_users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].(map[string]interface{})["name"])
}

func TestListFilesHandler(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")
	router := f.api.Router()

	_, err := f.store.CreateFile("R1", "main.js", "javascript")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/rooms/R1/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	files := decodeBody(t, rec)["files"].([]interface{})
	require.Len(t, files, 1)
	assert.Equal(t, "main.js", files[0].(map[string]interface{})["name"])

	rec = doJSON(t, router, http.MethodGet, "/api/rooms/missing/files", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointListAndRestore(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")
	router := f.api.Router()

	file, err := f.store.CreateFile("R1", "main.js", "javascript")
	require.NoError(t, err)

	_, err = f.store.Save(context.Background(), "R1", file.ID, "v1 content", "alice")
	require.NoError(t, err)
	_, err = f.store.Save(context.Background(), "R1", file.ID, "v2 content", "alice")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/rooms/R1/files/%s/checkpoints", file.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	checkpoints := decodeBody(t, rec)["checkpoints"].([]interface{})
	require.Len(t, checkpoints, 2)

	// Oldest checkpoint is last; restore it.
	oldest := checkpoints[1].(map[string]interface{})
	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/rooms/R1/files/%s/restore", file.ID),
		map[string]interface{}{"checkpoint_id": oldest["id"]})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1 content", decodeBody(t, rec)["content"])

	got, err := f.store.Get(context.Background(), "R1", file.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1 content", got.Content)
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")
	router := f.api.Router()

	file, err := f.store.CreateFile("R1", "main.js", "javascript")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/rooms/R1/files/%s/restore", file.ID),
		map[string]interface{}{"checkpoint_id": 12345})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteHandler(t *testing.T) {
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output":"42\n"}`))
	}))
	defer executor.Close()

	f := newTestAPI(t, executor.URL)

	rec := doJSON(t, f.api.Router(), http.MethodPost, "/api/execute",
		exec.Request{Code: "print(42)", Language: "python", RoomID: "R1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42\n", decodeBody(t, rec)["output"])
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")

	rec := doJSON(t, f.api.Router(), http.MethodPost, "/api/execute",
		exec.Request{Code: "puts 42", Language: "ruby"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "Unsupported language")
}

func TestExecuteExecutorDown(t *testing.T) {
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	executor.Close()

	f := newTestAPI(t, executor.URL)

	rec := doJSON(t, f.api.Router(), http.MethodPost, "/api/execute",
		exec.Request{Code: "print(1)", Language: "python"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Executor unavailable", decodeBody(t, rec)["error"])
}

func TestStatsHandler(t *testing.T) {
	f := newTestAPI(t, "http://localhost:0")

	_, err := f.registry.Join("R1", "alice")
	require.NoError(t, err)

	rec := doJSON(t, f.api.Router(), http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["active_rooms"])
	assert.Equal(t, float64(1), body["active_sessions"])
	assert.Equal(t, float64(0), body["pending_executions"])
}
