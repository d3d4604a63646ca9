package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/orbitt/service/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOrders struct {
	orders map[string]*db.Order
}

func (m *memOrders) GetOrder(ctx context.Context, id string) (*db.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) UpdateOrderStatus(ctx context.Context, id, status string, workflowID *string) (*db.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	o.Status = status
	if workflowID != nil {
		o.WorkflowID = workflowID
	}
	cp := *o
	return &cp, nil
}

func newMemOrders(orders ...db.Order) *memOrders {
	m := &memOrders{orders: make(map[string]*db.Order)}
	for i := range orders {
		m.orders[orders[i].ID] = &orders[i]
	}
	return m
}

func TestOrderRotations_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("starts and marks running", func(t *testing.T) {
		rotator := NewMockRotator()
		orders := newMemOrders(db.Order{ID: "o1", Status: db.OrderPending, RingSize: 3})
		r := NewOrderRotations(rotator, orders)

		order, err := r.Start(ctx, RotationInput{OrderID: "o1", MaxSteps: 5}, false)
		require.NoError(t, err)
		assert.Equal(t, db.OrderRunning, order.Status)
		require.NotNil(t, order.WorkflowID)
		assert.Equal(t, "rotation-o1", *order.WorkflowID)

		in, ok := rotator.Input("o1")
		require.True(t, ok)
		assert.Equal(t, 5, in.MaxSteps)
	})

	t.Run("already running", func(t *testing.T) {
		rotator := NewMockRotator()
		orders := newMemOrders(db.Order{ID: "o1", Status: db.OrderRunning, RingSize: 3})
		_, err := NewOrderRotations(rotator, orders).Start(ctx, RotationInput{OrderID: "o1"}, false)
		assert.ErrorIs(t, err, ErrConflict)
		assert.False(t, rotator.IsRunning("o1"))
	})

	t.Run("halted needs force", func(t *testing.T) {
		rotator := NewMockRotator()
		orders := newMemOrders(db.Order{ID: "o1", Status: db.OrderHalted, RingSize: 2})
		r := NewOrderRotations(rotator, orders)

		_, err := r.Start(ctx, RotationInput{OrderID: "o1"}, false)
		require.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "halted")

		order, err := r.Start(ctx, RotationInput{OrderID: "o1"}, true)
		require.NoError(t, err)
		assert.Equal(t, db.OrderRunning, order.Status)
	})

	t.Run("ring too small", func(t *testing.T) {
		orders := newMemOrders(db.Order{ID: "o1", Status: db.OrderPending, RingSize: 1})
		_, err := NewOrderRotations(NewMockRotator(), orders).Start(ctx, RotationInput{OrderID: "o1"}, false)
		assert.Error(t, err)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := NewOrderRotations(NewMockRotator(), newMemOrders()).Start(ctx, RotationInput{OrderID: "nope"}, false)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("start failure leaves status alone", func(t *testing.T) {
		rotator := NewMockRotator()
		rotator.SetStartError(errors.New("temporal unavailable"))
		orders := newMemOrders(db.Order{ID: "o1", Status: db.OrderStopped, RingSize: 2})

		_, err := NewOrderRotations(rotator, orders).Start(ctx, RotationInput{OrderID: "o1"}, false)
		require.Error(t, err)
		assert.Equal(t, db.OrderStopped, orders.orders["o1"].Status)
	})
}

func TestOrderRotations_Stop(t *testing.T) {
	ctx := context.Background()
	rotator := NewMockRotator()
	orders := newMemOrders(db.Order{ID: "o1", Status: db.OrderPending, RingSize: 2})
	r := NewOrderRotations(rotator, orders)

	_, err := r.Start(ctx, RotationInput{OrderID: "o1"}, false)
	require.NoError(t, err)

	order, err := r.Stop(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, db.OrderStopped, order.Status)
	assert.False(t, rotator.IsRunning("o1"))

	_, err = r.Stop(ctx, "o1")
	assert.Error(t, err, "stopping twice fails")
}
