package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback service; any origin may connect
	},
}

// streamClient is one /ws consumer: a bus subscription whose events the
// write pump relays to the socket as one JSON frame per event.
type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger
}

// handleEventStream upgrades the connection and relays bus events until
// the client disconnects. An optional subject query narrows the stream
// with NATS wildcard syntax ("execution.*"); the default is everything.
func (s *Server) handleEventStream(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		subject = ">"
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := &streamClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: s.logger.WithFields(zap.String("client_id", clientID)),
	}

	sub, err := s.events.Subscribe(subject, client.relay)
	if err != nil {
		s.logger.Error("failed to subscribe event stream", zap.Error(err))
		conn.Close()
		return
	}

	s.logger.Debug("event stream connected",
		zap.String("client_id", clientID),
		zap.String("subject", subject),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	go client.writePump()
	client.readPump()

	// Unsubscribe waits for in-flight deliveries, so closing send after
	// it returns cannot race with relay.
	if err := sub.Unsubscribe(); err != nil {
		s.logger.Warn("failed to unsubscribe event stream", zap.Error(err))
	}
	close(client.send)

	s.logger.Debug("event stream disconnected", zap.String("client_id", clientID))
}

// relay queues one bus event for the socket. A slow consumer loses
// events rather than stalling bus delivery.
func (c *streamClient) relay(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return nil
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("event stream send buffer full, dropping event",
			zap.String("event_type", event.Type))
	}
	return nil
}

// readPump drains the connection until the client goes away. The stream
// is one-way; inbound frames only service the pong handler.
func (c *streamClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("event stream read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued events and keepalive pings. Each event goes
// out as its own frame so every frame is a complete JSON document.
func (c *streamClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
