// Package webhook serves the inbound completion endpoint that asynchronous
// providers call when a task finishes.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/reconciler"
	"github.com/gofiber/fiber/v2"
)

const (
	// TokenHeader carries the shared secret providers must echo.
	TokenHeader     = "X-Webhook-Token"
	shutdownTimeout = 5 * time.Second
	bodyLimit       = 1 << 20
)

// ErrListenAddrEmpty indicates a server without a listen address.
var ErrListenAddrEmpty = errors.New("webhook listen address cannot be empty")

// NotificationHandler applies provider completion notifications.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n reconciler.Notification) (reconciler.Outcome, error)
}

// HealthReporter lists provider descriptors for the health endpoint.
type HealthReporter interface {
	Descriptors() []core.Descriptor
}

// ResponseData is the JSON envelope of every response.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// Result is returned for an accepted notification.
type Result struct {
	TaskID  string          `json:"task_id"`
	Status  core.TaskStatus `json:"status"`
	Applied bool            `json:"applied"`
	Anomaly bool            `json:"anomaly,omitempty"`
}

// Server is the fiber application behind the webhook endpoint.
type Server struct {
	app           *fiber.App
	addr          string
	token         string
	notifications NotificationHandler
	health        HealthReporter
	log           *logger.Logger
}

// New builds the server. An empty token disables the shared-secret check;
// health may be nil.
func New(addr, token string, notifications NotificationHandler, health HealthReporter, log *logger.Logger) *Server {
	server := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "media-service webhook",
			BodyLimit:             bodyLimit,
			DisableStartupMessage: true,
			ReadTimeout:           30 * time.Second,
			WriteTimeout:          30 * time.Second,
		}),
		addr:          addr,
		token:         token,
		notifications: notifications,
		health:        health,
		log:           log,
	}

	server.app.Get("/healthz", server.healthz)
	server.app.Post("/webhooks/:provider", server.notify)

	return server
}

// App exposes the fiber application, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.addr == "" {
		return ErrListenAddrEmpty
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.addr)
	}()

	s.logInfo("Webhook endpoint listening on %s", s.addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve webhooks on %s: %w", s.addr, err)
		}

		return nil
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown() error {
	err := s.app.ShutdownWithTimeout(shutdownTimeout)
	if err != nil {
		return fmt.Errorf("failed to shut down webhook server: %w", err)
	}

	return nil
}

func (s *Server) healthz(c *fiber.Ctx) error {
	var providers []core.Descriptor
	if s.health != nil {
		providers = s.health.Descriptors()
	}

	return c.JSON(ResponseData{
		Status:  http.StatusOK,
		Code:    "SUCCESS",
		Message: "ok",
		Results: providers,
	})
}

func (s *Server) notify(c *fiber.Ctx) error {
	if !s.authorized(c.Get(TokenHeader)) {
		return respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook token")
	}

	var notification reconciler.Notification

	err := c.BodyParser(&notification)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid payload: %v", err))
	}

	notification.Provider = c.Params("provider")

	outcome, err := s.notifications.HandleNotification(c.UserContext(), notification)
	if err != nil {
		s.logWarn("Rejected %s notification for task '%s': %v", notification.Provider, notification.TaskID, err)

		status, code := classify(err)

		return respondError(c, status, code, err.Error())
	}

	return c.JSON(ResponseData{
		Status:  http.StatusOK,
		Code:    "SUCCESS",
		Message: "notification applied",
		Results: Result{
			TaskID:  notification.TaskID,
			Status:  outcome.Task.Status,
			Applied: outcome.Applied,
			Anomaly: outcome.Anomaly,
		},
	})
}

func (s *Server) authorized(token string) bool {
	if s.token == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

// classify maps a notification error to an HTTP status. Persistence failures
// answer 503 so the provider redelivers.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, reconciler.ErrTaskIDEmpty), errors.Is(err, reconciler.ErrInvalidStatus):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, reconciler.ErrProviderMismatch):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, core.ErrPersistence):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
}

func respondError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(ResponseData{
		Status:  status,
		Code:    code,
		Message: message,
		Results: nil,
	})
}

func (s *Server) logInfo(format string, args ...any) {
	if s.log != nil {
		s.log.Info(format, args...)
	}
}

func (s *Server) logWarn(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(format, args...)
	}
}
