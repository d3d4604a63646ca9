package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// FollowOptions select which events Follow delivers.
type FollowOptions struct {
	// OrderID restricts events to one order. Empty follows every order.
	OrderID string
	// All replays retained events before new ones.
	All bool
	// Durable names a durable consumer. Empty creates an ephemeral one.
	Durable string
}

// Follow consumes step events until ctx is done, calling fn for each.
// Events that fail to decode are acked and skipped.
func Follow(ctx context.Context, js jetstream.JetStream, opts FollowOptions, logger *slog.Logger, fn func(*StepEvent)) error {
	subject := StreamSubjects
	if opts.OrderID != "" {
		subject = Subject(opts.OrderID)
	}
	cfg := jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if opts.All {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgChan <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}
	defer cc.Stop()

	for {
		select {
		case msg := <-msgChan:
			var event StepEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				logger.WarnContext(ctx, "failed to unmarshal step event", "subject", msg.Subject(), "error", err)
				msg.Ack()
				continue
			}
			fn(&event)
			msg.Ack()
		case <-ctx.Done():
			return nil
		}
	}
}
