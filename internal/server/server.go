package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/balancehold/balancehold/internal/balance"
	"github.com/balancehold/balancehold/internal/routes"
)

// Server wraps the Fiber application serving the balance REST API.
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(d routes.Deps) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:               d.Cfg.AppName,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	if err := routes.Setup(app, d); err != nil {
		return nil, err
	}

	return &Server{app: app, addr: d.Cfg.Address(), logger: d.Logger}, nil
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler renders errors that escape the handlers (middleware
// rejections, unknown routes) in the same shape as balance errors.
func errorHandler(c *fiber.Ctx, err error) error {
	code := balance.HTTPStatus(err)
	kind := "internal"
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		kind = "http_error"
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": kind, "message": msg})
}
