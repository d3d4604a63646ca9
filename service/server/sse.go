package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/orbitt/service/nats"
	"github.com/nats-io/nats.go"
)

const keepaliveInterval = 10 * time.Second

// FollowFunc delivers step events to fn until ctx is done.
type FollowFunc func(ctx context.Context, opts natspkg.FollowOptions, fn func(*natspkg.StepEvent)) error

// StepStream serves rotation steps to SSE clients from the NATS stream.
type StepStream struct {
	nc     *nats.Conn
	follow FollowFunc
	logger *slog.Logger
}

// NewStepStream connects to NATS for streaming steps.
func NewStepStream(natsURL string, logger *slog.Logger) (*StepStream, error) {
	nc, js, err := natspkg.Connect(natsURL, "orbitt-sse")
	if err != nil {
		return nil, err
	}

	logger.Info("SSE stream initialized", "nats_url", natsURL)

	return &StepStream{
		nc: nc,
		follow: func(ctx context.Context, opts natspkg.FollowOptions, fn func(*natspkg.StepEvent)) error {
			return natspkg.Follow(ctx, js, opts, logger, fn)
		},
		logger: logger,
	}, nil
}

// NewStepStreamFrom serves events from follow. Used by tests.
func NewStepStreamFrom(follow FollowFunc, logger *slog.Logger) *StepStream {
	return &StepStream{follow: follow, logger: logger}
}

// Close closes the NATS connection.
func (s *StepStream) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("SSE stream closed")
	}
	return nil
}

// handleStreamSteps streams rotation steps as Server-Sent Events.
// GET /api/v1/stream/steps/{id}?all=true streams one order; without an id,
// every order. all replays retained steps first.
func handleStreamSteps(stream *StepStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		opts := natspkg.FollowOptions{
			OrderID: r.PathValue("id"),
			All:     r.URL.Query().Get("all") == "true",
		}
		if opts.OrderID != "" {
			if err := validateOrderID(opts.OrderID); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		desc := opts.OrderID
		if desc == "" {
			desc = "all orders"
		}

		flush := func() {
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flush()

		logger.DebugContext(ctx, "SSE client connected", "order", desc, "remote_addr", r.RemoteAddr)

		events := make(chan *natspkg.StepEvent, 10)
		var followErr error
		go func() {
			defer close(events)
			followErr = stream.follow(ctx, opts, func(ev *natspkg.StepEvent) {
				select {
				case events <- ev:
				case <-ctx.Done():
				}
			})
		}()

		connected, _ := json.Marshal(map[string]string{"order": desc})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flush()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case ev, ok := <-events:
				if !ok {
					if followErr != nil {
						logger.ErrorContext(ctx, "step stream failed", "order", desc, "error", followErr)
						fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
						flush()
					}
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal step event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: step\ndata: %s\n\n", data)
				flush()

				logger.DebugContext(ctx, "sent step event", "order_id", ev.OrderID, "step_id", ev.StepID)

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "order", desc, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
