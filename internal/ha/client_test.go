package ha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: TypeAuthRequired})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: TypeAuthOK, HAVersion: "2024.6.0"})
	require.NoError(t, err)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect(context.Background())
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())

		assert.NoError(t, client.Disconnect())
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: TypeAuthRequired})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: TypeAuthInvalid})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)

		err := client.Connect(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("unexpected greeting", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "event"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "expected auth_required")
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect(context.Background())
		require.NoError(t, err)

		err = client.Connect(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")

		client.Disconnect()
	})

	t.Run("unreachable", func(t *testing.T) {
		client := NewClient("ws://127.0.0.1:1", token, logger)
		err := client.Connect(context.Background())
		assert.Error(t, err)
		assert.False(t, client.IsConnected())
	})
}

func TestClient_SetInputNumber(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"
	received := make(chan CallServiceRequest, 1)

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req CallServiceRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		received <- req

		success := true
		conn.WriteJSON(Message{ID: req.ID, Type: TypeResult, Success: &success})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	err := client.SetInputNumber(context.Background(), "greenhouse_temperature", 21.5)
	require.NoError(t, err)

	req := <-received
	assert.Equal(t, "call_service", req.Type)
	assert.Equal(t, "input_number", req.Domain)
	assert.Equal(t, "set_value", req.Service)
	assert.Equal(t, "input_number.greenhouse_temperature", req.ServiceData["entity_id"])
	assert.Equal(t, 21.5, req.ServiceData["value"])
}

func TestClient_CallServiceError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req CallServiceRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		success := false
		conn.WriteJSON(Message{
			ID:      req.ID,
			Type:    TypeResult,
			Success: &success,
			Error:   &Error{Code: "not_found", Message: "Entity not found"},
		})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	err := client.SetInputNumber(context.Background(), "missing", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient("ws://localhost:1", "token", nil)
	err := client.SetInputNumber(context.Background(), "x", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestClient_ConnectionLost(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		// read the call and hang up without answering
		var req CallServiceRequest
		conn.ReadJSON(&req)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect(context.Background()))

	err := client.SetInputNumber(context.Background(), "x", 1)
	require.Error(t, err)

	assert.Eventually(t, func() bool { return !client.IsConnected() }, time.Second, 10*time.Millisecond)
}

func TestClient_ContextCancelled(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		var req CallServiceRequest
		conn.ReadJSON(&req)
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.SetInputNumber(ctx, "x", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
