package temporal

import (
	"context"
	"fmt"
	"sync"
)

// MockRotator is a mock implementation of Rotator for testing.
type MockRotator struct {
	mu       sync.Mutex
	running  map[string]RotationInput // map[orderID]input
	startErr error
	stopErr  error
}

// NewMockRotator creates a new MockRotator.
func NewMockRotator() *MockRotator {
	return &MockRotator{
		running: make(map[string]RotationInput),
	}
}

// StartRotation records that a rotation was started.
func (m *MockRotator) StartRotation(ctx context.Context, input RotationInput) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[input.OrderID]; ok {
		return "", fmt.Errorf("rotation %s already running", WorkflowID(input.OrderID))
	}
	m.running[input.OrderID] = input
	return WorkflowID(input.OrderID), nil
}

// StopRotation records that a rotation was stopped.
func (m *MockRotator) StopRotation(ctx context.Context, orderID string) error {
	if m.stopErr != nil {
		return m.stopErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[orderID]; !ok {
		return fmt.Errorf("rotation %s not found", WorkflowID(orderID))
	}
	delete(m.running, orderID)
	return nil
}

// IsRunning reports whether a rotation is running for orderID.
func (m *MockRotator) IsRunning(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[orderID]
	return ok
}

// Input returns the input a running rotation was started with.
func (m *MockRotator) Input(orderID string) (RotationInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.running[orderID]
	return in, ok
}

// SetStartError configures StartRotation to fail.
func (m *MockRotator) SetStartError(err error) {
	m.startErr = err
}

// SetStopError configures StopRotation to fail.
func (m *MockRotator) SetStopError(err error) {
	m.stopErr = err
}
