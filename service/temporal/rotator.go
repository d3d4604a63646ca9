package temporal

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/orbitt/service/db"
)

// ErrConflict is returned when an order's state doesn't allow the request.
var ErrConflict = errors.New("rotation conflict")

// Rotator starts and stops rotation workflows.
type Rotator interface {
	// StartRotation starts a rotation and returns its workflow id.
	StartRotation(ctx context.Context, input RotationInput) (string, error)

	// StopRotation cancels the rotation of an order.
	StopRotation(ctx context.Context, orderID string) error
}

// OrderStore is the slice of the store OrderRotations needs.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*db.Order, error)
	UpdateOrderStatus(ctx context.Context, id, status string, workflowID *string) (*db.Order, error)
}

// OrderRotations keeps order statuses in step with their workflows.
type OrderRotations struct {
	rotator Rotator
	orders  OrderStore
}

// NewOrderRotations creates an OrderRotations.
func NewOrderRotations(rotator Rotator, orders OrderStore) *OrderRotations {
	return &OrderRotations{rotator: rotator, orders: orders}
}

// Start starts rotating an order and marks it running. A halted order only
// restarts with force, after an operator has reconciled the ambiguous step.
func (r *OrderRotations) Start(ctx context.Context, input RotationInput, force bool) (*db.Order, error) {
	order, err := r.orders.GetOrder(ctx, input.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", input.OrderID, err)
	}
	if order.Status == db.OrderRunning {
		return nil, fmt.Errorf("order %s is already running: %w", order.ID, ErrConflict)
	}
	if order.Status == db.OrderHalted && !force {
		return nil, fmt.Errorf("order %s is halted after an ambiguous outcome; reconcile it and restart with force: %w", order.ID, ErrConflict)
	}
	if order.RingSize < 2 {
		return nil, fmt.Errorf("order %s has a ring of %d, need at least 2: %w", order.ID, order.RingSize, ErrConflict)
	}

	workflowID, err := r.rotator.StartRotation(ctx, input)
	if err != nil {
		return nil, err
	}
	return r.orders.UpdateOrderStatus(ctx, order.ID, db.OrderRunning, &workflowID)
}

// Stop cancels an order's rotation and marks it stopped.
func (r *OrderRotations) Stop(ctx context.Context, orderID string) (*db.Order, error) {
	if err := r.rotator.StopRotation(ctx, orderID); err != nil {
		return nil, err
	}
	return r.orders.UpdateOrderStatus(ctx, orderID, db.OrderStopped, nil)
}
