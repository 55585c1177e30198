package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/vault-agent/internal/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	localRequestID  = "request_id"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	CORSOrigins string
}

// Server serves the management API: probes, metrics, item and agent views,
// and the human approval endpoints.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	addr   string
}

// NewServer builds the Fiber app. m may be nil.
func NewServer(cfg ServerConfig, handlers *Handlers, m *metrics.Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "mgmt").Logger()
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestID())
	if cfg.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + headerRequestID,
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}
	app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))
	app.Use(accessLog(logger))

	app.Get("/healthz", handlers.Liveness)
	app.Get("/readyz", handlers.Readiness)
	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# metrics disabled\n")
		})
	}

	v1 := app.Group("/api/v1")
	v1.Get("/items", requireRole(RoleReadOnly), handlers.ListItems)
	v1.Get("/items/:id", requireRole(RoleReadOnly), handlers.GetItem)
	v1.Get("/agents", requireRole(RoleReadOnly), handlers.ListAgents)
	v1.Post("/approvals/:id/approve", requireRole(RoleOperator), handlers.Approve)
	v1.Post("/approvals/:id/reject", requireRole(RoleOperator), handlers.Reject)

	return &Server{app: app, logger: logger, addr: cfg.ListenAddr}
}

// App returns the underlying Fiber app (for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("management API listening")
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// requestID echoes the caller's X-Request-ID or assigns a new one.
func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(headerRequestID, id)
		c.Locals(localRequestID, id)
		return c.Next()
	}
}

// accessLog logs API calls after they complete. Probes are not logged.
func accessLog(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		reqID, _ := c.Locals(localRequestID).(string)
		identity, _ := c.Locals(localIdentity).(string)
		logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("took", time.Since(start)).
			Str("identity", identity).
			Str("request_id", reqID).
			Msg("mgmt api request")
		return err
	}
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
			return problemResponse(c, code, "internal_error", "Internal Server Error", "An internal error occurred")
		}
		return problemResponse(c, code, "request_error", "Request Error", err.Error())
	}
}
