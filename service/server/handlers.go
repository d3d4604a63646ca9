package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/orbitt/service/db"
	natspkg "github.com/brojonat/orbitt/service/nats"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	maxRequestBodySize = 1 << 16 // rotation requests are tiny
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxOrderIDLength   = 128
	defaultStepsLimit  = 50
	maxStepsLimit      = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	validOrderIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// orderResponse represents an order in API responses.
type orderResponse struct {
	ID         string    `json:"id"`
	Mint       string    `json:"mint"`
	OrderSize  string    `json:"order_size"`
	Status     string    `json:"status"`
	WorkflowID *string   `json:"workflow_id,omitempty"`
	RingSize   int       `json:"ring_size"`
	Members    []string  `json:"members,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func orderToResponse(o *db.Order, members []string) orderResponse {
	return orderResponse{
		ID:         o.ID,
		Mint:       o.Mint,
		OrderSize:  o.OrderSize.String(),
		Status:     o.Status,
		WorkflowID: o.WorkflowID,
		RingSize:   o.RingSize,
		Members:    members,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

// balanceResponse represents a wallet portfolio in API responses.
type balanceResponse struct {
	Owner          string `json:"owner"`
	Mint           string `json:"mint"`
	TokenAccount   string `json:"token_account"`
	Lamports       uint64 `json:"lamports"`
	TokenAmount    uint64 `json:"token_amount"`
	Decimals       uint8  `json:"decimals"`
	NativeUI       string `json:"native_ui"`
	TokenUI        string `json:"token_ui"`
	RelativeNative string `json:"relative_native"`
	RelativeToken  string `json:"relative_token"`
}

func snapshotToResponse(s *solana.Snapshot) balanceResponse {
	return balanceResponse{
		Owner:          s.Owner.String(),
		Mint:           s.Mint.String(),
		TokenAccount:   s.TokenAccount.String(),
		Lamports:       s.Lamports,
		TokenAmount:    s.TokenAmount,
		Decimals:       s.Decimals,
		NativeUI:       s.NativeUI().String(),
		TokenUI:        s.TokenUI().String(),
		RelativeNative: s.RelativeNative.StringFixed(4),
		RelativeToken:  s.RelativeToken.StringFixed(4),
	}
}

// handleListOrders returns a handler that lists orders.
// GET /api/v1/orders?status={status}
func handleListOrders(orders OrderReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if err := validateStatus(status); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		list, err := orders.ListOrders(r.Context(), status)
		if err != nil {
			logger.Error("failed to list orders", "status", status, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]orderResponse, len(list))
		for i, o := range list {
			resp[i] = orderToResponse(o, nil)
		}

		logger.Debug("orders listed", "status", status, "count", len(resp))
		writeJSON(w, map[string]interface{}{
			"orders": resp,
			"count":  len(resp),
		}, http.StatusOK)
	})
}

// handleGetOrder returns a handler that retrieves an order with its ring addresses.
// GET /api/v1/orders/{id}
func handleGetOrder(orders OrderReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateOrderID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		order, err := orders.GetOrder(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "order not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get order", "order_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		members, err := orders.RingAddresses(r.Context(), id)
		if err != nil {
			logger.Error("failed to get ring", "order_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, orderToResponse(order, members), http.StatusOK)
	})
}

// handleListSteps returns a handler that lists an order's steps, newest first.
// GET /api/v1/orders/{id}/steps?limit=N
func handleListSteps(orders OrderReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateOrderID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit := defaultStepsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxStepsLimit {
				writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxStepsLimit), http.StatusBadRequest)
				return
			}
			limit = n
		}

		if _, err := orders.GetOrder(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "order not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get order", "order_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		steps, err := orders.ListSteps(r.Context(), id, int32(limit))
		if err != nil {
			logger.Error("failed to list steps", "order_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		events := make([]*natspkg.StepEvent, len(steps))
		for i, step := range steps {
			events[i] = natspkg.FromStep(step)
		}

		writeJSON(w, map[string]interface{}{
			"order_id": id,
			"steps":    events,
			"count":    len(events),
		}, http.StatusOK)
	})
}

// handleGetBalance returns a handler that reads a wallet's portfolio.
// GET /api/v1/balances/{address}?mint={mint}
func handleGetBalance(balances BalanceReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		mint := r.URL.Query().Get("mint")

		owner, err := parsePublicKey("address", address)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		mintKey, err := parsePublicKey("mint", mint)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		snap, err := balances.Peek(r.Context(), owner, mintKey)
		if err != nil {
			switch {
			case errors.Is(err, solana.ErrDecimalsUnavailable):
				writeError(w, "mint not found", http.StatusNotFound)
			case errors.Is(err, solana.ErrEmptyPortfolio):
				writeError(w, "wallet holds nothing", http.StatusNotFound)
			default:
				logger.Error("failed to read balance", "address", address, "mint", mint, "error", err)
				writeError(w, "failed to read balance", http.StatusBadGateway)
			}
			return
		}

		writeJSON(w, snapshotToResponse(snap), http.StatusOK)
	})
}

// startRotationRequest is the optional body of a start request.
type startRotationRequest struct {
	Start    int  `json:"start"`
	MaxSteps *int `json:"max_steps,omitempty"`
	Force    bool `json:"force"`
}

// handleStartRotation returns a handler that starts an order's rotation.
// POST /api/v1/orders/{id}/rotation
func handleStartRotation(rotations RotationController, defaults temporal.RotationInput, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateOrderID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req startRotationRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Start < 0 {
			writeError(w, "start must not be negative", http.StatusBadRequest)
			return
		}

		input := defaults
		input.OrderID = id
		input.Index = req.Start
		input.Completed = 0
		if req.MaxSteps != nil {
			if *req.MaxSteps < 0 {
				writeError(w, "max_steps must not be negative", http.StatusBadRequest)
				return
			}
			input.MaxSteps = *req.MaxSteps
		}

		order, err := rotations.Start(r.Context(), input, req.Force)
		if err != nil {
			writeRotationError(w, logger, "start", id, err)
			return
		}
		if input.Index >= order.RingSize {
			logger.Warn("start index wraps around the ring", "order_id", id, "start", input.Index, "ring_size", order.RingSize)
		}

		logger.Info("rotation started", "order_id", id, "start", input.Index, "max_steps", input.MaxSteps)
		writeJSON(w, orderToResponse(order, nil), http.StatusAccepted)
	})
}

// handleStopRotation returns a handler that stops an order's rotation.
// DELETE /api/v1/orders/{id}/rotation
func handleStopRotation(rotations RotationController, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateOrderID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		order, err := rotations.Stop(r.Context(), id)
		if err != nil {
			writeRotationError(w, logger, "stop", id, err)
			return
		}

		logger.Info("rotation stopped", "order_id", id)
		writeJSON(w, orderToResponse(order, nil), http.StatusOK)
	})
}

func writeRotationError(w http.ResponseWriter, logger *slog.Logger, op, id string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, "order not found", http.StatusNotFound)
	case errors.Is(err, temporal.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("failed to "+op+" rotation", "order_id", id, "error", err)
		writeError(w, "failed to "+op+" rotation", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// parsePublicKey validates and decodes a base58 public key parameter.
func parsePublicKey(field, value string) (solanago.PublicKey, error) {
	if value == "" {
		return solanago.PublicKey{}, errorf("%s is required", field)
	}
	if err := validateAddress(value); err != nil {
		return solanago.PublicKey{}, errorf("invalid %s: %v", field, err)
	}
	key, err := solanago.PublicKeyFromBase58(value)
	if err != nil {
		return solanago.PublicKey{}, errorf("invalid %s: %v", field, err)
	}
	return key, nil
}

// validateOrderID validates an order id path parameter.
func validateOrderID(id string) error {
	if id == "" {
		return errorf("order id is required")
	}
	if len(id) > maxOrderIDLength {
		return errorf("order id too long: maximum length is %d characters", maxOrderIDLength)
	}
	if !validOrderIDRegex.MatchString(id) {
		return errorf("invalid order id: letters, digits, '.', '_' and '-' only")
	}
	return nil
}

// validateStatus validates an order status filter. Empty means all.
func validateStatus(status string) error {
	switch status {
	case "", db.OrderPending, db.OrderRunning, db.OrderStopped, db.OrderHalted, db.OrderCompleted:
		return nil
	}
	return errorf("invalid status %q", status)
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
