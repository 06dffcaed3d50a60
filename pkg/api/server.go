// Package api serves the directory and records HTTP surface, the /ws
// relay endpoint and the live record feed on one Fiber app.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	feedws "github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/hub"
	"github.com/teslashibe/go-intake/pkg/relay"
	"github.com/teslashibe/go-intake/pkg/store"
)

const (
	// FeedPath is the live record feed endpoint.
	FeedPath = "/ws/records"

	maxClientMessage = 1 << 20
	shutdownTimeout  = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// WSPath is the relay endpoint, "/ws" when empty.
	WSPath  string
	Debug   bool
	Version string
	Logger  *slog.Logger
}

// Server wires the store, the relay manager and the record feed into HTTP
// routes.
type Server struct {
	app    *fiber.App
	store  store.Store
	relay  *relay.Manager
	feed   *hub.Hub
	opts   Options
	logger *slog.Logger
}

// New builds the app. Records saved by relay sessions are published on feed.
func New(st store.Store, mgr *relay.Manager, feed *hub.Hub, opts Options) *Server {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.Logger == nil {
		opts.Logger = log.L()
	}
	s := &Server{
		store:  st,
		relay:  mgr,
		feed:   feed,
		opts:   opts,
		logger: opts.Logger.With("component", "api"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "intake",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if opts.Debug {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)
	app.Get("/sessions", s.handleSessions)

	dir := app.Group("/directory")
	dir.Get("/", s.handleListEntries)
	dir.Get("/summary", s.handleSummary)
	dir.Post("/", s.handleCreateEntry)
	dir.Put("/:id", s.handleUpdateEntry)
	dir.Delete("/:id", s.handleDeleteEntry)

	records := app.Group("/records")
	records.Get("/", s.handleListRecords)
	records.Post("/", s.handleCreateRecord)
	records.Put("/:id/status", s.handleUpdateStatus)

	app.Use(FeedPath, requireUpgrade)
	app.Get(FeedPath, feedws.New(s.handleFeed))
	app.Use(opts.WSPath, requireUpgrade)
	app.Get(opts.WSPath, websocket.New(s.handleRelay, websocket.Config{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}))

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	})

	if mgr != nil && feed != nil {
		mgr.OnRecord(func(r store.Record) {
			if err := feed.PublishTopic(r.OrganizationID, hub.EventRecordCreated, r); err != nil {
				s.logger.Warn("publish record", "error", err)
			}
		})
	}

	s.app = app
	return s
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on ln until ctx is cancelled, then closes live sessions and
// shuts the app down.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.feed != nil {
		go s.feed.Run(ctx)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()
	s.logger.Info("listening", "addr", ln.Addr().String(), "ws", s.opts.WSPath, "feed", FeedPath)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if s.relay != nil {
		if err := s.relay.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("sessions did not close in time", "error", err)
		}
	}
	return s.app.ShutdownWithContext(shutdownCtx)
}

// ListenAndRun listens on addr and calls Run.
func (s *Server) ListenAndRun(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Run(ctx, ln)
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= 500 {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
