// Package server exposes the gateway's REST surface: checkout sessions,
// the product feed, fulfillment callbacks and operator endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Addr      string
	JWTSecret string

	ReadRPS  float64
	WriteRPS float64
	Burst    int
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Pinger reports storage health for the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

func New(cfg Config, handler *Handler, pinger Pinger, logger *slog.Logger) *Server {
	router := NewRouter(cfg, handler, pinger)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter builds the full route tree. Reads and mutations run behind
// separate per-caller rate limiters; mutations are the stricter bucket.
func NewRouter(cfg Config, handler *Handler, pinger Pinger) chi.Router {
	readLimits := newCallerLimiter(cfg.ReadRPS, cfg.Burst)
	writeLimits := newCallerLimiter(cfg.WriteRPS, cfg.Burst)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if pinger != nil {
			if err := pinger.Ping(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret))

		r.Group(func(r chi.Router) {
			r.Use(readLimits.middleware)

			r.Get("/products", handler.listProducts)
			r.Get("/products/{sku}", handler.getProduct)
			r.Get("/checkouts/{id}", handler.getCheckout)
			r.Get("/orders/{number}", handler.getOrder)
			r.Get("/webhooks/deadletters", handler.listDeadLetters)
		})

		r.Group(func(r chi.Router) {
			r.Use(writeLimits.middleware)

			r.Post("/checkouts", handler.openCheckout)
			r.Post("/checkouts/{id}/update", handler.updateCheckout)
			r.Post("/checkouts/{id}/complete", handler.completeCheckout)
			r.Post("/checkouts/{id}/cancel", handler.cancelCheckout)
			r.Post("/orders/{number}/status", handler.updateOrderStatus)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("httpServer.ListenAndServe: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpServer.Shutdown: %w", err)
	}

	return nil
}
