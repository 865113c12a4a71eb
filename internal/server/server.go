package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"canvas-backend/internal/auth"
	"canvas-backend/internal/channel"
	"canvas-backend/internal/config"
	"canvas-backend/internal/handler"
	"canvas-backend/internal/presence"
)

// Server wires the Fiber app, the canvas handlers, and the relay hub.
type Server struct {
	app           *fiber.App
	cfg           *config.Config
	db            *gorm.DB
	canvasHandler *handler.CanvasHandler
	canvasHub     *handler.CanvasHub
	healthHandler *handler.HealthHandler
	jwtManager    *auth.JWTManager
}

// New builds the server around its backends.
func New(cfg *config.Config, db *gorm.DB, ch channel.Channel, store presence.Store, healthHandler *handler.HealthHandler) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "Canvas Collaboration Backend",
		ServerHeader:    "Fiber",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Prefork:         false, // incompatible with WebSocket
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		BodyLimit:       10 * 1024 * 1024,
	})

	jwtManager := auth.NewJWTManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	canvasHandler := handler.NewCanvasHandler(db, cfg)
	canvasHub := handler.NewCanvasHub(ch, store, canvasHandler)

	return &Server{
		app:           app,
		cfg:           cfg,
		db:            db,
		canvasHandler: canvasHandler,
		canvasHub:     canvasHub,
		healthHandler: healthHandler,
		jwtManager:    jwtManager,
	}
}

// SetupMiddleware installs recovery, logging, and CORS.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs REST and WebSocket routes.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)

	canvasGroup := s.app.Group("/api/canvas", auth.Middleware(s.jwtManager))
	canvasGroup.Post("/", s.canvasHandler.CreateCanvas)
	canvasGroup.Get("/", s.canvasHandler.ListCanvases)
	canvasGroup.Get("/:id", s.canvasHandler.GetCanvas)
	canvasGroup.Get("/:id/document", s.canvasHandler.GetDocument)

	// WebSocket collaboration endpoint. Browsers cannot set headers on the
	// upgrade request, so the token also rides a query parameter.
	s.app.Get("/ws/canvas/:id", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		token := c.Query("token")
		if token == "" {
			token = c.Cookies("access_token")
		}
		if token == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.jwtManager.ValidateAccessToken(token)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		c.Locals("userID", claims.UserID)
		c.Locals("displayName", claims.DisplayName)
		return c.Next()
	}, websocket.New(s.canvasHub.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start serves until SIGINT/SIGTERM, then drains connections.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Canvas collaboration backend starting on %s", s.cfg.Server.Port)
	log.Printf("WebSocket endpoint: ws://localhost%s/ws/canvas/:id", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server with a drain timeout.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
