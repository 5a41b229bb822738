// Package ws exposes the per-robot client WebSocket endpoint. Every accepted
// connection gets its own forwarder subscription on the robot's event stream;
// there is no fan-in between clients.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/fleet"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/robot"
)

const (
	// sendQueueSize bounds the per-client write queue. A slow consumer
	// drops its oldest frames rather than stalling the emit path.
	sendQueueSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	maxFrameSize = 64 * 1024
)

// RobotLookup resolves a robot id to its running manager.
type RobotLookup interface {
	Lookup(id string) (fleet.ManagerHandle, bool)
}

// clientFrame is an inbound message from a browser.
type clientFrame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// eventFrame is an outbound telemetry event.
type eventFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// errorFrame is an outbound error.
type errorFrame struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// Handler serves GET /ws/robots/{robotId}.
type Handler struct {
	lookup   RobotLookup
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(lookup RobotLookup, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		lookup: lookup,
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway fronts browser dashboards on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotId")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	c := &client{
		id:     clientID,
		robot:  robotID,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: h.logger.With(zap.String("client", clientID[:8]), zap.String("robot", robotID)),
	}

	mgr, ok := h.lookup.Lookup(robotID)
	if !ok {
		c.logger.Info("rejected connection for unknown robot")
		c.sendError(errorFrame{Type: "error", Message: "Unknown robot: " + robotID})
		conn.Close()
		return
	}

	c.logger.Info("client connected")
	go c.writePump()

	unsub := mgr.Subscribe(func(ev robot.Event) {
		c.enqueue(eventFrame{Type: "event", Channel: ev.Channel, Data: ev.Data})
	})
	defer func() {
		unsub()
		close(c.done)
		conn.Close()
		c.logger.Info("client disconnected")
	}()

	c.readPump(mgr)
}

// client is one accepted downstream connection. The write pump is the sole
// writer on the socket.
type client struct {
	id     string
	robot  string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger
}

// enqueue queues a frame for the write pump, dropping the oldest queued
// frame when the client cannot keep up. Telemetry is latest-value; an old
// frame a slow client never saw is already obsolete.
func (c *client) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn("marshal frame", zap.Error(err))
		return
	}
	for {
		select {
		case c.send <- data:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendError writes one error frame directly; used before the write pump
// exists (unknown-robot rejection).
func (c *client) sendError(frame errorFrame) {
	data, _ := json.Marshal(frame)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) readPump(mgr fleet.ManagerHandle) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(mgr, data)
	}
}

func (c *client) handleFrame(mgr fleet.ManagerHandle, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.enqueue(errorFrame{Type: "error", Message: "Malformed JSON frame"})
		return
	}
	switch {
	case frame.Type == "command":
		if err := mgr.HandleCommand(frame.Channel, frame.Data); err != nil {
			c.enqueue(errorFrame{Type: "error", Channel: frame.Channel, Message: err.Error()})
		}
	case frame.Type == "request" && frame.Channel == "asset":
		// Reserved for future asset streaming.
		c.enqueue(errorFrame{Type: "error", RequestID: frame.RequestID, Message: "Asset channel is disabled"})
	default:
		c.enqueue(errorFrame{Type: "error", Message: "Unsupported message type"})
	}
}
