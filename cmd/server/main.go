package main

import (
	"log"

	"canvas-backend/internal/channel"
	"canvas-backend/internal/config"
	"canvas-backend/internal/database"
	"canvas-backend/internal/handler"
	"canvas-backend/internal/presence"
	"canvas-backend/internal/server"
)

func main() {
	cfg := config.Load()

	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer database.Close()

	if err := database.Ping(); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}
	log.Printf("Database connected successfully")

	opChannel, err := channel.NewRedisChannel(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Operation log channel unavailable: %v", err)
	}
	defer opChannel.Close()

	// Records expire well after the staleness cutoff so a slow heartbeat
	// does not flap presence.
	presenceStore, err := presence.NewRedisStore(
		cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		2*cfg.Sync.PresenceTimeout,
	)
	if err != nil {
		log.Fatalf("Presence store unavailable: %v", err)
	}
	defer presenceStore.Close()

	healthHandler := handler.NewHealthHandler(db, opChannel.Client())

	srv := server.New(cfg, db, opChannel, presenceStore, healthHandler)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
