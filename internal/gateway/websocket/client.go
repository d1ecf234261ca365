package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	gateway *Gateway
	send    chan []byte

	// Active push subscriptions keyed by subId; values cancel the source.
	mu            sync.Mutex
	subscriptions map[string]func()
	closed        bool

	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, gateway *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		gateway:       gateway,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]func()),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the gateway
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.cancelAllSubscriptions()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendResponse(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "invalid JSON"))
			continue
		}
		if req.Method == "" {
			c.sendResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidRequest, "method required"))
			continue
		}

		c.handleRequest(ctx, &req)
	}
}

// handleRequest dispatches one request and writes the response
func (c *Client) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	c.logger.Debug("Received request", zap.String("method", req.Method))

	resp := c.gateway.dispatch(ctx, c, req)
	if resp == nil || req.IsNotification() {
		return
	}
	c.sendResponse(resp)
}

// addSubscription records a cancellable push source under subId.
func (c *Client) addSubscription(subID string, cancel func()) {
	c.mu.Lock()
	c.subscriptions[subID] = cancel
	c.mu.Unlock()
}

// removeSubscription forgets a subscription that ended on its own.
func (c *Client) removeSubscription(subID string) {
	c.mu.Lock()
	delete(c.subscriptions, subID)
	c.mu.Unlock()
}

// cancelSubscription cancels and forgets the subscription with subId.
func (c *Client) cancelSubscription(subID string) {
	c.mu.Lock()
	cancel, ok := c.subscriptions[subID]
	delete(c.subscriptions, subID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) cancelAllSubscriptions() {
	c.mu.Lock()
	cancels := make([]func(), 0, len(c.subscriptions))
	for _, cancel := range c.subscriptions {
		cancels = append(cancels, cancel)
	}
	c.subscriptions = make(map[string]func())
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// sendResponse sends a response frame to the client
func (c *Client) sendResponse(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// sendNotification sends a server push frame to the client
func (c *Client) sendNotification(method string, params interface{}) {
	data, err := json.Marshal(jsonrpc.NewNotification(method, params))
	if err != nil {
		c.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// closeSend cancels push sources and closes the send queue exactly once.
// Called by the hub when the client is removed.
func (c *Client) closeSend() {
	c.cancelAllSubscriptions()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump pumps messages from the send queue to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
