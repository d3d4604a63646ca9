package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/orbitt/service/rotation"
)

// StepEvent is one rotation step published to NATS.
// It is published to the subject "rotations.{order_id}" in JetStream.
type StepEvent struct {
	StepID  string `json:"step_id"`
	OrderID string `json:"order_id"`
	Index   int    `json:"index"`

	// Ring hop
	From string `json:"from"`
	To   string `json:"to"`

	// Trade phase
	RelativeNative string `json:"relative_native"`
	Action         string `json:"action"`
	TradeAmount    uint64 `json:"trade_amount"`
	TradeSignature string `json:"trade_signature,omitempty"`
	TradeError     string `json:"trade_error,omitempty"`

	// Forward phase
	ForwardSignature string `json:"forward_signature,omitempty"`
	ForwardLamports  uint64 `json:"forward_lamports"`
	ForwardTokens    uint64 `json:"forward_tokens"`
	ForwardProbable  bool   `json:"forward_probable,omitempty"`

	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject events for orderID are published on.
func Subject(orderID string) string {
	return fmt.Sprintf("rotations.%s", orderID)
}

// FromStep converts a rotation step to a StepEvent for publishing.
func FromStep(step *rotation.Step) *StepEvent {
	return &StepEvent{
		StepID:           step.ID.String(),
		OrderID:          step.OrderID,
		Index:            step.Index,
		From:             step.From,
		To:               step.To,
		RelativeNative:   step.RelativeNative.StringFixed(4),
		Action:           string(step.Action),
		TradeAmount:      step.TradeAmount,
		TradeSignature:   step.TradeSignature,
		TradeError:       step.TradeError,
		ForwardSignature: step.ForwardSignature,
		ForwardLamports:  step.ForwardLamports,
		ForwardTokens:    step.ForwardTokens,
		ForwardProbable:  step.ForwardProbable,
		Status:           string(step.Status),
		Error:            step.Error,
		StartedAt:        step.StartedAt,
		FinishedAt:       step.FinishedAt,
		PublishedAt:      time.Now().UTC(),
	}
}
