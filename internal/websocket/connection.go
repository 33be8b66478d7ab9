package websocket

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matterdocs/collab-server/internal/auth"
	"github.com/matterdocs/collab-server/internal/protocol"
	"github.com/matterdocs/collab-server/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var ErrSendQueueFull = errors.New("send queue is full")

// Connection represents a single WebSocket connection. Authentication
// happens at upgrade time, so the user and their matter permissions are
// fixed for the connection's lifetime.
type Connection struct {
	ID           string
	UserID       string
	ClientIP     string
	TokenPayload *auth.TokenPayload
	ConnectedAt  time.Time

	// documentID -> matterID for sessions this connection joined. Touched
	// only from the hub goroutine.
	joinedMatters map[string]string

	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	mu     sync.Mutex
	closed bool
}

// NewConnection creates a connection for an authenticated upgrade.
func NewConnection(id string, payload *auth.TokenPayload, clientIP string, ws *websocket.Conn, hub *Hub) *Connection {
	return &Connection{
		ID:            id,
		UserID:        payload.UserID,
		ClientIP:      clientIP,
		TokenPayload:  payload,
		ConnectedAt:   time.Now(),
		joinedMatters: make(map[string]string),
		ws:            ws,
		send:          make(chan []byte, 256),
		hub:           hub,
	}
}

// enqueue hands data to the write pump without blocking. A false return
// means the connection is closed or its queue is full.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close marks the connection dead and releases the write pump.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// SendError sends an error message to this client alone.
func (c *Connection) SendError(errorMsg, errorCode string) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
		Error: errorMsg,
		Code:  errorCode,
	})
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		log.Printf("websocket: dropped error message for connection %s", c.ID)
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Connection) ReadPump() {
	defer func() {
		if c.hub.security != nil {
			c.hub.security.ConnectionRateLimiter.RemoveConnection(c.ID)
			c.hub.security.ConnectionLimiter.RemoveConnection(c.ClientIP)
		}
		c.hub.Unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadLimit(security.SecurityLimits.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket: unexpected close on connection %s: %v", c.ID, err)
			}
			break
		}

		// Per-connection rate limiting
		if c.hub.security != nil {
			if !c.hub.security.ConnectionRateLimiter.CanSendMessage(c.ID) {
				c.SendError("Too many messages. Please slow down.", protocol.CodeRateLimited)
				continue
			}
			c.hub.security.ConnectionRateLimiter.RecordMessage(c.ID)
		}

		msg, err := protocol.Decode(message)
		if err != nil {
			c.SendError("Invalid message: "+err.Error(), protocol.CodeInvalidMessage)
			continue
		}

		c.hub.HandleMessage <- &MessageEvent{
			Connection: c,
			Message:    msg,
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
