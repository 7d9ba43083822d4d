// Package testutil provides testing utilities for ancs integrations.
// It contains a mock Home Assistant WebSocket server that accepts the
// input_number service calls made by the Home Assistant mirror.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is a WebSocket message as sent by the mock server.
type Message struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

// ErrorBody is the error of a failed result.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type callServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// MockHAServer simulates the parts of the Home Assistant WebSocket API used by
// ancs: authentication and call_service.
type MockHAServer struct {
	server *httptest.Server
	token  string

	mu           sync.Mutex
	numbers      map[string]float64
	serviceCalls []ServiceCall
	failing      map[string]bool
	conns        []*websocket.Conn
	connects     int
}

// NewMockHAServer starts a mock server accepting token.
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:   token,
		numbers: make(map[string]float64),
		failing: make(map[string]bool),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the ws:// URL of the API.
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close drops every connection and stops the server.
func (s *MockHAServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes the open connections, simulating a restart of
// Home Assistant.
func (s *MockHAServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Connects returns how many clients authenticated so far.
func (s *MockHAServer) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// FailEntity makes service calls on entityID fail with not_found.
func (s *MockHAServer) FailEntity(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[entityID] = true
}

// Number returns the current value of an input_number entity.
func (s *MockHAServer) Number(entityID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.numbers[entityID]
	return v, ok
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(Message{Type: "auth_required", HAVersion: "2024.6.0"}); err != nil {
		return
	}
	var auth authMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Type != "auth" || auth.AccessToken != s.token {
		_ = conn.WriteJSON(Message{Type: "auth_invalid"})
		return
	}
	if err := conn.WriteJSON(Message{Type: "auth_ok", HAVersion: "2024.6.0"}); err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.connects++
	s.mu.Unlock()

	for {
		var req callServiceRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != "call_service" {
			continue
		}
		if err := conn.WriteJSON(s.callService(req)); err != nil {
			return
		}
	}
}

func (s *MockHAServer) callService(req callServiceRequest) Message {
	entityID, _ := req.ServiceData["entity_id"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})

	success := !s.failing[entityID]
	if !success {
		return Message{
			ID:      req.ID,
			Type:    "result",
			Success: &success,
			Error:   &ErrorBody{Code: "not_found", Message: "Entity " + entityID + " not found"},
		}
	}

	if req.Domain == "input_number" && req.Service == "set_value" {
		switch v := req.ServiceData["value"].(type) {
		case float64:
			s.numbers[entityID] = v
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				s.numbers[entityID] = f
			}
		}
	}
	return Message{ID: req.ID, Type: "result", Success: &success}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceCalls = nil
}
