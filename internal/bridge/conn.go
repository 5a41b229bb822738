// Package bridge implements the client side of the upstream bridge protocol:
// a JSON-over-WebSocket pub/sub wire with subscribe, unsubscribe, advertise,
// and publish operations keyed by (topic, msgType).
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultInitialBackoff and DefaultMaxBackoff bound the reconnect delay.
	// The delay doubles on every failed attempt and resets once a session
	// is established.
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 10 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrClosed is returned by operations on a terminally disconnected Conn.
var ErrClosed = errors.New("bridge connection closed")

// Handler receives the raw msg payload of an inbound publish on a topic.
// Handlers are dispatched from the receive loop; keep them non-blocking.
type Handler func(msg json.RawMessage)

// Config configures a Conn. Callbacks are optional and must be set before
// Connect; they are invoked from connection-internal goroutines.
type Config struct {
	URL            string
	Logger         *zap.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
}

// wireMsg is the bridge wire envelope for all four operations.
type wireMsg struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic,omitempty"`
	Type  string          `json:"type,omitempty"`
	Msg   json.RawMessage `json:"msg,omitempty"`
	Latch bool            `json:"latch,omitempty"`
}

type pubKey struct {
	topic   string
	msgType string
}

// topicSub tracks the registered handlers for one subscribed topic.
type topicSub struct {
	msgType  string
	handlers map[int]Handler
	nextID   int
}

// Conn is one auto-reconnecting session to a single bridge URL.
// Registered subscriptions survive session loss: the subscribe operations
// are replayed on every reconnect. Cached publishers do not survive; they
// re-advertise lazily on next publish.
type Conn struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	connecting bool
	closed     bool
	subs       map[string]*topicSub
	advertised map[pubKey]bool
	backoff    time.Duration
	reconnect  *time.Timer

	// writeMu serializes frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// New creates a Conn for the given URL. Call Connect to open the session.
func New(cfg Config) *Conn {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		cfg:        cfg,
		logger:     logger.With(zap.String("url", cfg.URL)),
		subs:       make(map[string]*topicSub),
		advertised: make(map[pubKey]bool),
		backoff:    cfg.InitialBackoff,
	}
}

// Connect opens the session. Idempotent while a session exists or one is
// being established. On failure the error is returned to the caller AND a
// reconnect is scheduled, so a transient refusal still self-heals.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.wrap(ErrClosed)
	}
	if c.ws != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	return c.dial()
}

// dial performs one connection attempt. connecting must be set by the caller.
func (c *Conn) dial() error {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.Dial(c.cfg.URL, nil)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		wrapped := c.wrap(fmt.Errorf("connect: %w", err))
		c.emitError(wrapped)
		c.scheduleReconnect()
		return wrapped
	}
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return c.wrap(ErrClosed)
	}
	c.ws = ws
	c.backoff = c.cfg.InitialBackoff
	resub := make([]wireMsg, 0, len(c.subs))
	for topic, sub := range c.subs {
		if len(sub.handlers) > 0 {
			resub = append(resub, wireMsg{Op: "subscribe", Topic: topic, Type: sub.msgType})
		}
	}
	c.mu.Unlock()

	for _, m := range resub {
		if err := c.writeWire(ws, m); err != nil {
			c.emitError(c.wrap(fmt.Errorf("resubscribe %s: %w", m.Topic, err)))
		}
	}

	c.logger.Info("bridge connected")
	go c.readPump(ws)
	if c.cfg.OnConnected != nil {
		c.cfg.OnConnected()
	}
	return nil
}

// readPump dispatches inbound publish frames until the session dies.
func (c *Conn) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.sessionLost(ws, err)
			return
		}
		var msg wireMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emitError(c.wrap(fmt.Errorf("malformed frame: %w", err)))
			continue
		}
		if msg.Op != "publish" {
			continue
		}
		c.dispatch(msg.Topic, msg.Msg)
	}
}

// dispatch fans an inbound message out to the topic's handlers.
func (c *Conn) dispatch(topic string, msg json.RawMessage) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(sub.handlers))
	for _, h := range sub.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// sessionLost handles a mid-session socket failure: clears the cached
// publishers, emits disconnected, and schedules a reconnect.
func (c *Conn) sessionLost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.advertised = make(map[pubKey]bool)
	closed := c.closed
	c.mu.Unlock()

	ws.Close()
	if closed {
		return
	}
	c.logger.Warn("bridge session lost", zap.Error(cause))
	if c.cfg.OnDisconnected != nil {
		c.cfg.OnDisconnected()
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer. The delay doubles per attempt,
// clamped at MaxBackoff.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ws != nil || c.connecting || c.reconnect != nil {
		return
	}
	delay := c.backoff
	c.backoff = min(c.backoff*2, c.cfg.MaxBackoff)
	c.reconnect = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnect = nil
		if c.closed || c.ws != nil || c.connecting {
			c.mu.Unlock()
			return
		}
		c.connecting = true
		c.mu.Unlock()
		_ = c.dial() // failures re-schedule internally
	})
	c.logger.Info("bridge reconnect scheduled", zap.Duration("delay", delay))
}

// Subscribe registers a per-topic handler and installs the upstream
// subscription on first use of the topic. Requires an open session.
// The returned closure removes only this handler; the upstream subscription
// is released when the last handler for the topic is removed.
func (c *Conn) Subscribe(topic, msgType string, handler Handler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.wrap(ErrClosed)
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, c.wrap(errors.New("subscribe: no open session"))
	}
	sub, ok := c.subs[topic]
	if !ok {
		sub = &topicSub{msgType: msgType, handlers: make(map[int]Handler)}
		c.subs[topic] = sub
	}
	first := len(sub.handlers) == 0
	id := sub.nextID
	sub.nextID++
	sub.handlers[id] = handler
	c.mu.Unlock()

	if first {
		if err := c.writeWire(ws, wireMsg{Op: "subscribe", Topic: topic, Type: msgType}); err != nil {
			c.removeHandler(topic, id)
			return nil, c.wrap(fmt.Errorf("subscribe %s: %w", topic, err))
		}
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { c.removeHandler(topic, id) })
	}
	return unsubscribe, nil
}

// removeHandler drops one handler and, if it was the last for the topic,
// best-effort unsubscribes upstream.
func (c *Conn) removeHandler(topic string, id int) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(sub.handlers, id)
	last := len(sub.handlers) == 0
	if last {
		delete(c.subs, topic)
	}
	ws := c.ws
	c.mu.Unlock()

	if last && ws != nil {
		if err := c.writeWire(ws, wireMsg{Op: "unsubscribe", Topic: topic}); err != nil {
			c.emitError(c.wrap(fmt.Errorf("unsubscribe %s: %w", topic, err)))
		}
	}
}

// Publish serializes and publishes a message, advertising the topic on
// first use within the session. Topics named /initialpose advertise with
// the latching flag so late subscribers receive the last value.
func (c *Conn) Publish(topic, msgType string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return c.wrap(fmt.Errorf("encode %s: %w", topic, err))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.wrap(ErrClosed)
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return c.wrap(fmt.Errorf("publish %s: no open session", topic))
	}
	key := pubKey{topic, msgType}
	advertise := !c.advertised[key]
	c.advertised[key] = true
	c.mu.Unlock()

	if advertise {
		adv := wireMsg{Op: "advertise", Topic: topic, Type: msgType, Latch: topic == "/initialpose"}
		if err := c.writeWire(ws, adv); err != nil {
			return c.wrap(fmt.Errorf("advertise %s: %w", topic, err))
		}
	}
	if err := c.writeWire(ws, wireMsg{Op: "publish", Topic: topic, Msg: payload}); err != nil {
		return c.wrap(fmt.Errorf("publish %s: %w", topic, err))
	}
	return nil
}

// IsConnected reports whether a session is currently open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Disconnect terminally closes the connection: releases every advertised
// publisher, cancels the reconnect timer, and closes the socket. All future
// operations fail with ErrClosed.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	ws := c.ws
	c.ws = nil
	released := make([]pubKey, 0, len(c.advertised))
	for key := range c.advertised {
		released = append(released, key)
	}
	c.advertised = make(map[pubKey]bool)
	c.subs = make(map[string]*topicSub)
	c.mu.Unlock()

	if ws != nil {
		for _, key := range released {
			_ = c.writeWire(ws, wireMsg{Op: "unadvertise", Topic: key.topic})
		}
		ws.Close()
	}
	c.logger.Info("bridge disconnected")
}

// writeWire sends one frame under the write lock.
func (c *Conn) writeWire(ws *websocket.Conn, msg wireMsg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(msg)
}

// wrap attaches the bridge URL to an error so operators can tell which
// upstream failed.
func (c *Conn) wrap(err error) error {
	return fmt.Errorf("bridge %s: %w", c.cfg.URL, err)
}

func (c *Conn) emitError(err error) {
	c.logger.Debug("bridge error", zap.Error(err))
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
