package delivery

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/config"
)

type Server struct {
	config    *config.Config
	presence  PresenceStore
	wsManager *WSManager
	app       *fiber.App
}

func NewServer(config *config.Config, presence PresenceStore, wsManager *WSManager) *Server {
	s := &Server{
		config:    config,
		presence:  presence,
		wsManager: wsManager,
	}
	s.app = s.setupApp()
	return s
}

func (s *Server) setupApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Agent Notification Hub",
		DisableStartupMessage: true,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestLogger())

	corsConfig := cors.Config{
		AllowMethods:     "GET,HEAD,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		log.Info().Str("origins", corsConfig.AllowOrigins).Msg("CORS configured for production")
	} else {
		corsConfig.AllowOrigins = "*"
		// fiber refuses credentials with a wildcard origin
		corsConfig.AllowCredentials = false
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":          "ok",
			"message":         "Agent notification hub is running",
			"port":            s.config.Port,
			"environment":     s.config.Environment,
			"node":            s.config.NodeID,
			"active_sessions": len(s.wsManager.GetActiveConnections()),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// REST API routes
	api := app.Group("/api")
	api.Get("/sessions", s.handleListSessions)
	api.Get("/sessions/:session_id/status", s.handleGetSessionStatus)

	app.Use("/hub", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/hub/:session_id", websocket.New(func(c *websocket.Conn) {
		s.wsManager.HandleConnection(c, c.Params("session_id"))
	}))

	return app
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Debug().
			Int("status", c.Response().StatusCode()).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Dur("latency", time.Since(start)).
			Msg("request")
		return err
	}
}

// Start blocks serving HTTP and websocket traffic.
func (s *Server) Start() error {
	log.Info().Str("port", s.config.Port).Msg("notification hub (WebSocket + REST) starting")
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}
