package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/coderoom/backend/internal/api"
	"github.com/coderoom/backend/internal/config"
	"github.com/coderoom/backend/internal/db"
	"github.com/coderoom/backend/internal/document"
	"github.com/coderoom/backend/internal/exec"
	"github.com/coderoom/backend/internal/presence"
	"github.com/coderoom/backend/internal/room"
	docsync "github.com/coderoom/backend/internal/sync"
	"github.com/coderoom/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.DB.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	engine := docsync.NewEngine()
	defer engine.Close()

	store := document.New(engine, database, document.Options{
		AutoCheckpointEvery: cfg.Room.AutoCheckpointEvery,
		CheckpointRetention: cfg.Room.CheckpointRetention,
	})

	pres := presence.NewNoop()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pres = presence.NewRedis(rdb)
		log.Printf("Presence mirror enabled (redis: %s)", cfg.Redis.Addr)
	}

	registry := room.NewRegistry(cfg.Room.GracePeriod, func(roomID string) {
		store.DisposeRoom(roomID)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pres.DisposeRoom(ctx, roomID); err != nil {
			log.Printf("Presence cleanup failed for room %s: %v", roomID, err)
		}
	})

	hub := ws.NewHub(registry, store, pres, cfg.WS.MessagesPerSecond, cfg.WS.MessageBurst)
	go hub.Run()

	dispatcher := exec.New(cfg.Executor.URL, cfg.Executor.Timeout)

	apiHandler := api.New(hub, registry, store, database, dispatcher)
	router := apiHandler.Router()

	// WebSocket endpoint
	router.HandleFunc("/ws/code", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: corsMiddleware(router),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("🚀 coderoom server starting on :%d", cfg.Server.Port)
	log.Printf("📁 Database: %s", cfg.DB.Path)
	log.Printf("🏃 Executor: %s (timeout %v)", cfg.Executor.URL, cfg.Executor.Timeout)
	log.Println("Endpoints:")
	log.Println("  - WebSocket:   /ws/code?roomId={id}&username={name}")
	log.Println("  - Health:      GET /health")
	log.Println("  - Stats:       GET /api/stats")
	log.Println("  - Rooms:       GET/POST /api/rooms")
	log.Println("  - Room:        GET/DELETE /api/rooms/{id}")
	log.Println("  - Files:       GET /api/rooms/{id}/files")
	log.Println("  - Checkpoints: GET /api/rooms/{id}/files/{fileId}/checkpoints")
	log.Println("  - Restore:     POST /api/rooms/{id}/files/{fileId}/restore")
	log.Println("  - Execute:     POST /api/execute")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
