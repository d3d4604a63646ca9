package nats

import (
	"context"
	"sync"

	"github.com/brojonat/orbitt/service/rotation"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*StepEvent
	publishError    error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*StepEvent, 0),
	}
}

// PublishStep records the event and returns any configured error.
func (m *MockPublisher) PublishStep(ctx context.Context, step *rotation.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, FromStep(step))
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*StepEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*StepEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventsForOrder returns events published for a specific order.
func (m *MockPublisher) GetPublishedEventsForOrder(orderID string) []*StepEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*StepEvent, 0)
	for _, event := range m.publishedEvents {
		if event.OrderID == orderID {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on PublishStep.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
