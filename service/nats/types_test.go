package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/orbitt/service/rotation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStep(orderID string) *rotation.Step {
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &rotation.Step{
		ID:               uuid.MustParse("6f1c1e1e-3a52-4c39-9a8e-6c0d0c3b2a11"),
		OrderID:          orderID,
		Index:            2,
		From:             "from-address",
		To:               "to-address",
		RelativeNative:   decimal.RequireFromString("0.123456"),
		Action:           rotation.ActionSell,
		TradeAmount:      1000,
		TradeSignature:   "trade-sig",
		ForwardSignature: "forward-sig",
		ForwardLamports:  900,
		ForwardTokens:    90,
		Status:           rotation.StepCompleted,
		StartedAt:        started,
		FinishedAt:       started.Add(5 * time.Second),
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "rotations.order-1", Subject("order-1"))
}

func TestFromStep(t *testing.T) {
	event := FromStep(testStep("order-1"))

	assert.Equal(t, "6f1c1e1e-3a52-4c39-9a8e-6c0d0c3b2a11", event.StepID)
	assert.Equal(t, "order-1", event.OrderID)
	assert.Equal(t, 2, event.Index)
	assert.Equal(t, "0.1235", event.RelativeNative)
	assert.Equal(t, "sell", event.Action)
	assert.Equal(t, "completed", event.Status)
	assert.Equal(t, uint64(900), event.ForwardLamports)
	assert.False(t, event.PublishedAt.IsZero())

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "trade_error")
	assert.Contains(t, string(data), `"forward_signature":"forward-sig"`)
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, m.PublishStep(ctx, testStep("a")))
	require.NoError(t, m.PublishStep(ctx, testStep("b")))
	require.NoError(t, m.PublishStep(ctx, testStep("a")))

	assert.Len(t, m.GetPublishedEvents(), 3)
	assert.Len(t, m.GetPublishedEventsForOrder("a"), 2)

	m.SetPublishError(errors.New("boom"))
	assert.Error(t, m.PublishStep(ctx, testStep("a")))
	assert.Len(t, m.GetPublishedEvents(), 3)

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())

	var _ Publisher = m
	var _ rotation.EventPublisher = m
}
