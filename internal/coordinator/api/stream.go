package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB

	clientSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// Frame is one diagnostics message forwarded to stream clients.
type Frame struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
}

// SubscriptionMessage is sent by clients to narrow state frames to
// specific workflows. Notifications and crash reports always pass.
type SubscriptionMessage struct {
	Action      string   `json:"action"` // subscribe, unsubscribe
	WorkflowIDs []string `json:"workflow_ids"`
}

// streamFrame carries a marshaled frame through the broadcast channel
// together with the workflow id used for per-client filtering.
type streamFrame struct {
	subject    string
	workflowID string
	data       []byte
}

// Stream fans bus diagnostics out to WebSocket clients. Clients start
// with everything; a subscribe message narrows state frames to the
// named workflows.
type Stream struct {
	bus bus.Bus

	clients map[*streamClient]bool

	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan *streamFrame

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewStream creates the diagnostics stream hub.
func NewStream(b bus.Bus, log *logger.Logger) *Stream {
	return &Stream{
		bus:        b,
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan *streamFrame, 256),
		logger:     log.WithFields(zap.String("component", "diag_stream")),
	}
}

// Start subscribes to the diagnostics subjects and launches the hub
// loop. The loop runs until ctx is cancelled.
func (s *Stream) Start(ctx context.Context) error {
	subjects := []string{
		events.SubjectNotifications,
		events.SubjectErrors,
		events.SubjectModuleState,
	}
	for _, subject := range subjects {
		if _, err := s.bus.Subscribe(subject, s.forward); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}

	go s.run(ctx)
	return nil
}

// forward is the bus handler feeding the hub. A full broadcast channel
// drops the frame; diagnostics are best effort.
func (s *Stream) forward(ctx context.Context, msg *bus.Message) error {
	f := &streamFrame{subject: msg.Subject}

	if msg.Subject == events.SubjectModuleState {
		var probe struct {
			WorkflowID string `json:"workflow_id"`
		}
		if err := json.Unmarshal(msg.Data, &probe); err == nil {
			f.workflowID = probe.WorkflowID
		}
	}

	data, err := json.Marshal(Frame{Subject: msg.Subject, Payload: msg.Data})
	if err != nil {
		s.logger.Debug("dropping non-JSON diagnostics payload",
			zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}
	f.data = data

	select {
	case s.broadcast <- f:
	default:
		s.logger.Debug("diagnostics broadcast full, dropping frame",
			zap.String("subject", msg.Subject))
	}
	return nil
}

func (s *Stream) run(ctx context.Context) {
	s.logger.Info("diagnostics stream started")
	defer s.logger.Info("diagnostics stream stopped")

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				close(client.send)
				delete(s.clients, client)
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()
			s.logger.Debug("stream client registered", zap.String("client_id", client.id))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()
			s.logger.Debug("stream client unregistered", zap.String("client_id", client.id))

		case f := <-s.broadcast:
			s.mu.RLock()
			targets := make([]*streamClient, 0, len(s.clients))
			for client := range s.clients {
				if client.wants(f) {
					targets = append(targets, client)
				}
			}
			s.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- f.data:
				default:
					// Slow consumer, drop the connection.
					s.mu.Lock()
					if _, ok := s.clients[client]; ok {
						delete(s.clients, client)
						close(client.send)
					}
					s.mu.Unlock()
				}
			}
		}
	}
}

// ClientCount returns the number of connected stream clients.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleStream upgrades the request and attaches the client to the hub
// GET /api/v1/stream
func (s *Stream) HandleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := &streamClient{
		id:        clientID,
		conn:      conn,
		send:      make(chan []byte, clientSendBuffer),
		stream:    s,
		workflows: make(map[string]bool),
		logger:    s.logger.WithFields(zap.String("client_id", clientID)),
	}

	s.logger.Info("stream client connected", zap.String("client_id", clientID))

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// streamClient is one WebSocket consumer of the diagnostics stream.
type streamClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	stream *Stream

	mu        sync.RWMutex
	workflows map[string]bool

	logger *logger.Logger
}

// wants reports whether a frame passes this client's filter. Only
// state frames are filtered; an empty filter set passes everything.
func (c *streamClient) wants(f *streamFrame) bool {
	if f.subject != events.SubjectModuleState {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.workflows) == 0 {
		return true
	}
	return c.workflows[f.workflowID]
}

// readPump consumes subscription messages from the client.
func (c *streamClient) readPump() {
	defer func() {
		c.stream.unregister <- c
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
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, id := range subMsg.WorkflowIDs {
				c.workflows[id] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, id := range subMsg.WorkflowIDs {
				delete(c.workflows, id)
			}
			c.mu.Unlock()
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// writePump pushes frames and pings to the client.
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued frames to the current websocket message
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
