package ha

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements Service for testing
type MockClient struct {
	mu           sync.Mutex
	connected    bool
	connects     int
	connectErr   error
	setErr       error
	serviceCalls []ServiceCall
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{serviceCalls: make([]ServiceCall, 0)}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connects++
	if m.connectErr != nil {
		return m.connectErr
	}
	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns the simulated connection state
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetInputNumber records an input_number.set_value call
func (m *MockClient) SetInputNumber(ctx context.Context, name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}
	if m.setErr != nil {
		// a failed call drops the connection, as a lost socket would
		m.connected = false
		return m.setErr
	}

	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  "input_number",
		Service: "set_value",
		Data: map[string]interface{}{
			"entity_id": fmt.Sprintf("input_number.%s", name),
			"value":     value,
		},
		Time: time.Now(),
	})
	return nil
}

// SetConnectError makes subsequent Connect calls fail with err (nil clears it)
func (m *MockClient) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetCallError makes subsequent service calls fail with err (nil clears it)
func (m *MockClient) SetCallError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// Connects returns how many times Connect was called
func (m *MockClient) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceCall(nil), m.serviceCalls...)
}

// ClearServiceCalls clears the recorded service calls
func (m *MockClient) ClearServiceCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}
