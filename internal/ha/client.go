// Package ha mirrors drop-in readings into Home Assistant input_number
// entities over the Home Assistant WebSocket API.
package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultResponseTimeout bounds the wait for a call_service result.
const DefaultResponseTimeout = 10 * time.Second

// Service is the part of the Home Assistant client the publisher needs
type Service interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	SetInputNumber(ctx context.Context, name string, value float64) error
}

// Client is a Home Assistant WebSocket client. It does not reconnect on its
// own; callers reconnect with Connect.
type Client struct {
	url     string
	token   string
	logger  *zap.Logger
	timeout time.Duration

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    chan struct{}

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message

	writeMu sync.Mutex // Protects websocket writes
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     url,
		token:   token,
		logger:  logger.Named("ha"),
		timeout: DefaultResponseTimeout,
		pending: make(map[int]chan Message),
	}
}

// Connect establishes the WebSocket connection and authenticates
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.connected = true
	c.closed = make(chan struct{})
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages(conn, c.closed)
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != TypeAuthRequired {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: TypeAuth, AccessToken: c.token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case TypeAuthOK:
		return nil
	case TypeAuthInvalid:
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false

	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.conn = nil
	c.logger.Info("Disconnected from Home Assistant")
	return err
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// receiveMessages routes results to waiting callers until the connection fails
func (c *Client) receiveMessages(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if msg.ID == 0 {
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Disconnect already swapped the connection out.
	if c.conn != conn {
		return
	}
	c.connected = false
	c.conn = nil
	conn.Close()
	c.logger.Warn("Connection lost", zap.Error(err))
}

// CallService calls a Home Assistant service and waits for its result
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	c.connMu.RLock()
	conn, closed := c.conn, c.closed
	connected := c.connected
	c.connMu.RUnlock()
	if !connected {
		return fmt.Errorf("not connected")
	}

	req := &CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        TypeCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("request failed")
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for response")
	case <-closed:
		return fmt.Errorf("connection lost")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetInputNumber sets the value of an input_number
func (c *Client) SetInputNumber(ctx context.Context, name string, value float64) error {
	return c.CallService(ctx, "input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
}
