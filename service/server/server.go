package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/orbitt/service/db"
	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrderReader reads orders, their rings and their step history.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*db.Order, error)
	ListOrders(ctx context.Context, status string) ([]*db.Order, error)
	RingAddresses(ctx context.Context, orderID string) ([]string, error)
	ListSteps(ctx context.Context, orderID string, limit int32) ([]*rotation.Step, error)
}

// BalanceReader reads a wallet's portfolio without a signer.
type BalanceReader interface {
	Peek(ctx context.Context, owner, mint solanago.PublicKey) (*solana.Snapshot, error)
}

// RotationController starts and stops order rotations.
type RotationController interface {
	Start(ctx context.Context, input temporal.RotationInput, force bool) (*db.Order, error)
	Stop(ctx context.Context, orderID string) (*db.Order, error)
}

// Server represents the HTTP server for the rotation service.
type Server struct {
	addr      string
	orders    OrderReader
	balances  BalanceReader
	rotations RotationController
	defaults  temporal.RotationInput
	stream    *StepStream
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The balances reader is optional - if nil, the balance endpoint is disabled.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, orders OrderReader, balances BalanceReader, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		orders:   orders,
		balances: balances,
		metrics:  m,
		logger:   logger,
	}
}

// WithRotations enables starting and stopping rotations over HTTP. defaults
// supplies the timings of rotations started this way.
func (s *Server) WithRotations(rotations RotationController, defaults temporal.RotationInput) *Server {
	s.rotations = rotations
	s.defaults = defaults
	return s
}

// WithStream enables the SSE step stream.
func (s *Server) WithStream(stream *StepStream) *Server {
	s.stream = stream
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		if s.metrics != nil {
			h = metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
		}
		mux.Handle(pattern, h)
	}

	route("GET /api/v1/orders", "/api/v1/orders", handleListOrders(s.orders, s.logger))
	route("GET /api/v1/orders/{id}", "/api/v1/orders/{id}", handleGetOrder(s.orders, s.logger))
	route("GET /api/v1/orders/{id}/steps", "/api/v1/orders/{id}/steps", handleListSteps(s.orders, s.logger))

	if s.balances != nil {
		route("GET /api/v1/balances/{address}", "/api/v1/balances/{address}", handleGetBalance(s.balances, s.logger))
	} else {
		s.logger.Warn("balance reader not configured, balance endpoint disabled")
	}

	if s.rotations != nil {
		route("POST /api/v1/orders/{id}/rotation", "/api/v1/orders/{id}/rotation", handleStartRotation(s.rotations, s.defaults, s.logger))
		route("DELETE /api/v1/orders/{id}/rotation", "/api/v1/orders/{id}/rotation", handleStopRotation(s.rotations, s.logger))
		s.logger.Info("rotation control endpoints enabled")
	}

	// SSE streaming endpoints (if NATS is configured)
	if s.stream != nil {
		mux.Handle("GET /api/v1/stream/steps/{id}", handleStreamSteps(s.stream, s.logger))
		mux.Handle("GET /api/v1/stream/steps", handleStreamSteps(s.stream, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("NATS not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the stream first (disconnects all clients)
	if s.stream != nil {
		s.stream.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
