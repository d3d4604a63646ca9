package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Rotator that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// WorkflowID returns the workflow id of an order's rotation. One rotation
// per order runs at a time.
func WorkflowID(orderID string) string {
	return "rotation-" + orderID
}

// StartRotation starts RotationWorkflow for input.OrderID. It fails if the
// order is already rotating.
func (c *Client) StartRotation(ctx context.Context, input RotationInput) (string, error) {
	id := WorkflowID(input.OrderID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                c.taskQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		Memo: map[string]interface{}{
			"order_id":   input.OrderID,
			"created_by": "orbitt",
		},
	}, RotationWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start rotation",
			"order_id", input.OrderID,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start rotation %q: %w", id, err)
	}

	c.logger.Info("rotation started",
		"order_id", input.OrderID,
		"workflow_id", id,
		"run_id", run.GetRunID(),
		"index", input.Index,
		"max_steps", input.MaxSteps,
	)
	return id, nil
}

// StopRotation cancels an order's rotation. The step in flight finishes its
// current phase and is recorded.
func (c *Client) StopRotation(ctx context.Context, orderID string) error {
	id := WorkflowID(orderID)
	if err := c.client.CancelWorkflow(ctx, id, ""); err != nil {
		c.logger.Error("failed to stop rotation",
			"order_id", orderID,
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to stop rotation %q: %w", id, err)
	}
	c.logger.Info("rotation stop requested", "order_id", orderID, "workflow_id", id)
	return nil
}

// RotationStatus is what Temporal knows about an order's rotation.
type RotationStatus struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
}

// DescribeRotation returns the state of an order's latest rotation run.
func (c *Client) DescribeRotation(ctx context.Context, orderID string) (*RotationStatus, error) {
	id := WorkflowID(orderID)
	desc, err := c.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("failed to describe rotation %q: %w", id, err)
	}
	info := desc.GetWorkflowExecutionInfo()
	status := &RotationStatus{
		WorkflowID: id,
		RunID:      info.GetExecution().GetRunId(),
		Status:     info.GetStatus().String(),
	}
	if st := info.GetStartTime(); st != nil {
		status.StartTime = st.AsTime()
	}
	return status, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
