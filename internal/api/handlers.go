package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/coderoom/backend/internal/db"
	"github.com/coderoom/backend/internal/document"
	"github.com/coderoom/backend/internal/exec"
	"github.com/coderoom/backend/internal/room"
	"github.com/coderoom/backend/internal/ws"
)

// supportedLanguages mirrors what the editor UI offers.
var supportedLanguages = map[string]bool{
	"javascript": true,
	"python":     true,
	"java":       true,
	"cpp":        true,
	"html":       true,
	"css":        true,
}

type API struct {
	hub        *ws.Hub
	registry   *room.Registry
	store      *document.Store
	database   *db.Database
	dispatcher *exec.Dispatcher
}

func New(hub *ws.Hub, registry *room.Registry, store *document.Store, database *db.Database, dispatcher *exec.Dispatcher) *API {
	return &API{
		hub:        hub,
		registry:   registry,
		store:      store,
		database:   database,
		dispatcher: dispatcher,
	}
}

// Router mounts all HTTP endpoints.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/rooms/{id}/files", a.ListFilesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}/files/{fileId}/checkpoints", a.ListCheckpointsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}/files/{fileId}/restore", a.RestoreCheckpointHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/execute", a.ExecuteHandler).Methods(http.MethodPost)
	return r
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":       a.registry.RoomCount(),
		"active_sessions":    a.registry.SessionCount(),
		"open_connections":   a.hub.GetClientCount(),
		"pending_executions": a.dispatcher.Pending(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		if dbStats, err := a.database.GetStats(); err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_files"] = dbStats["file_count"]
			stats["total_checkpoints"] = dbStats["checkpoint_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
}

type CreateRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	active := a.registry.ActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, rm := range rooms {
		response[i] = RoomResponse{
			ID:          rm.ID,
			Name:        rm.Name,
			CreatedAt:   rm.CreatedAt,
			UpdatedAt:   rm.UpdatedAt,
			ActiveUsers: active[rm.ID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	if err := a.database.CreateRoom(req.ID, req.Name); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	rm, err := a.database.GetRoom(req.ID)
	if err != nil || rm == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	jsonResponse(w, http.StatusCreated, RoomResponse{
		ID:        rm.ID,
		Name:      rm.Name,
		CreatedAt: rm.CreatedAt,
		UpdatedAt: rm.UpdatedAt,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rm, err := a.database.GetRoom(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if rm == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	users := make([]map[string]string, 0)
	for _, s := range a.registry.List(id) {
		users = append(users, map[string]string{
			"id":    s.ID,
			"name":  s.Username,
			"color": s.Color,
		})
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"id":           rm.ID,
		"name":         rm.Name,
		"created_at":   rm.CreatedAt,
		"updated_at":   rm.UpdatedAt,
		"active_users": users,
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := a.database.DeleteRoom(id); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// File and checkpoint handlers

func (a *API) ListFilesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	files, err := a.store.List(r.Context(), id)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Room not found")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Failed to list files")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (a *API) ListCheckpointsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	checkpoints, err := a.database.ListCheckpoints(vars["id"], vars["fileId"], limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list checkpoints")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
		"limit":       limit,
		"offset":      offset,
	})
}

type restoreRequest struct {
	CheckpointID int `json:"checkpoint_id"`
}

func (a *API) RestoreCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := a.store.Restore(r.Context(), vars["id"], vars["fileId"], req.CheckpointID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Checkpoint not found")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Failed to restore checkpoint")
		return
	}

	// The restored content is authoritative; every session converges on it.
	a.hub.BroadcastRoom(vars["id"], ws.CodeUpdate(vars["fileId"], result.Content, result.Version))

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"version": result.Version,
		"content": result.Content,
	})
}

// Execution handler

func (a *API) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	var req exec.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !supportedLanguages[req.Language] {
		// Execution failures are output, not transport errors.
		jsonResponse(w, http.StatusOK, map[string]string{"error": "Unsupported language: " + req.Language})
		return
	}

	result, err := a.dispatcher.Execute(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrTimedOut):
			jsonResponse(w, http.StatusOK, map[string]string{"error": "Execution timed out"})
		case errors.Is(err, exec.ErrExecutorUnavailable):
			jsonResponse(w, http.StatusOK, map[string]string{"error": "Executor unavailable"})
		case errors.Is(err, context.Canceled):
			// Requester disconnected; nothing to deliver.
		default:
			errorResponse(w, http.StatusInternalServerError, "Execution failed")
		}
		return
	}

	if result.Error != "" {
		jsonResponse(w, http.StatusOK, map[string]string{"error": result.Error})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"output": result.Output})
}
