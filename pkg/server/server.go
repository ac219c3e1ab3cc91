package server

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/infra/metrics"
	"github.com/aegislabs/aiguard/pkg/safeguard"
)

const defaultRecentLimit = 50

// DiagnosticsServer exposes the read-only monitoring surface: statistics
// counters, recent audit records, Prometheus metrics. It never mutates
// safeguard state.
type DiagnosticsServer struct {
	app     *fiber.App
	cfg     config.ServerConfig
	manager *safeguard.Manager
	logger  *logrus.Logger
}

func NewDiagnosticsServer(cfg config.ServerConfig, manager *safeguard.Manager, log *logrus.Logger) *DiagnosticsServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &DiagnosticsServer{
		app:     app,
		cfg:     cfg,
		manager: manager,
		logger:  log,
	}
	s.registerRoutes()
	return s
}

func (s *DiagnosticsServer) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	v1 := s.app.Group("/api/v1")
	v1.Get("/stats", s.handleStats)
	v1.Get("/audit", s.handleAudit)
}

func (s *DiagnosticsServer) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":        "ok",
		"circuit_state": s.manager.CircuitState(),
	})
}

func (s *DiagnosticsServer) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.manager.Statistics())
}

func (s *DiagnosticsServer) handleAudit(c *fiber.Ctx) error {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		limit = parsed
	}
	entries := s.manager.Audit().Recent(limit)
	return c.JSON(fiber.Map{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *DiagnosticsServer) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.WithField("addr", addr).Info("starting diagnostics server")
	return s.app.Listen(addr)
}

func (s *DiagnosticsServer) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app for tests.
func (s *DiagnosticsServer) App() *fiber.App {
	return s.app
}
