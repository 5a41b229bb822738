package robot

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/bridge"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/rosmsg"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/throttle"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/transform"
)

// BridgeConn is the slice of bridge.Conn the manager depends on.
// Injectable for testing via ManagerConfig.NewConn.
type BridgeConn interface {
	Connect() error
	Disconnect()
	Subscribe(topic, msgType string, handler bridge.Handler) (func(), error)
	Publish(topic, msgType string, message any) error
	IsConnected() bool
}

// NewConnFunc builds a bridge connection. The manager sets the lifecycle
// callbacks on cfg before calling it.
type NewConnFunc func(cfg bridge.Config) BridgeConn

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Config  Config
	Logger  *zap.Logger
	NewConn NewConnFunc // nil → real bridge.Conn

	// OnError receives resource and transport errors. Never fatal; the
	// manager keeps the remaining channels running.
	OnError func(err error)
}

// channelState is the runtime entry for one configured channel.
type channelState struct {
	cfg      ChannelConfig
	kind     channelKind
	connID   string
	throttle *throttle.Throttle
	unsub    func()

	errorCount    int
	lastMessageAt time.Time
}

// Manager owns all runtime state for one robot. State is guarded by mu;
// events are emitted outside the lock through the event hub.
type Manager struct {
	cfg    Config
	limits TeleopLimits
	logger *zap.Logger
	hub    *eventHub
	onErr  func(error)

	mu       sync.Mutex
	conns    map[string]BridgeConn
	channels map[string]*channelState
	tfOnce   bool
	stopped  bool

	// Cached transforms and poses. All in the conventions of the upstream
	// frames; stamps in wall-clock ms.
	mapToOdom   *transform.Transform
	mapToBase   *transform.Transform
	odomToBase  *transform.Transform
	laserToBase *transform.Transform
	odomPose    *transform.Transform
	mapPose     *transform.Transform
	lastPubPose *transform.Transform

	watchdogs map[string]*time.Timer
}

// NewManager materializes the runtime state for cfg. Channels whose
// connectionId does not resolve to a configured connection are reported via
// OnError and skipped; the rest of the robot keeps working.
func NewManager(mc ManagerConfig) *Manager {
	logger := mc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("robot", mc.Config.ID))

	m := &Manager{
		cfg:       mc.Config,
		limits:    mc.Config.teleopLimits(),
		logger:    logger,
		hub:       newEventHub(),
		onErr:     mc.OnError,
		conns:     make(map[string]BridgeConn),
		channels:  make(map[string]*channelState),
		watchdogs: make(map[string]*time.Timer),
	}

	newConn := mc.NewConn
	if newConn == nil {
		newConn = func(cfg bridge.Config) BridgeConn { return bridge.New(cfg) }
	}

	for _, cc := range m.cfg.connections() {
		connID := cc.ID
		m.conns[connID] = newConn(bridge.Config{
			URL:    cc.URL,
			Logger: logger,
			OnConnected: func() {
				m.onConnected(connID)
			},
			OnError: func(err error) {
				m.reportError(err)
			},
		})
	}

	for _, ch := range m.cfg.Channels {
		connID := ch.ConnectionID
		if connID == "" {
			connID = DefaultConnectionID
		}
		if _, ok := m.conns[connID]; !ok {
			m.reportError(fmt.Errorf("robot %s: channel %s references unknown connection %q", m.cfg.ID, ch.Name, connID))
			continue
		}
		st := &channelState{cfg: ch, kind: kindOf(ch.Name), connID: connID}
		if ch.Direction == DirectionSubscribe {
			name := ch.Name
			st.throttle = throttle.New(ch.RateLimitHz, func(v any) {
				m.processChannel(name, v.(json.RawMessage))
			})
		}
		m.channels[ch.Name] = st
	}

	return m
}

// ID returns the robot id this manager serves.
func (m *Manager) ID() string {
	return m.cfg.ID
}

// Start connects every bridge connection in parallel. Subscriptions are
// installed from the per-connection connected callbacks.
func (m *Manager) Start() {
	m.mu.Lock()
	conns := make([]BridgeConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		go func(c BridgeConn) {
			if err := c.Connect(); err != nil {
				// Reconnect is already scheduled inside the connection.
				m.logger.Warn("initial bridge connect failed", zap.Error(err))
			}
		}(c)
	}
}

// onConnected installs upstream subscriptions for the freshly connected
// bridge: the TF feeds exactly once per manager lifetime on the default
// connection, and every subscribe channel mapped to this connection.
func (m *Manager) onConnected(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	conn := m.conns[connID]
	if conn == nil {
		return
	}

	if connID == DefaultConnectionID && !m.tfOnce {
		m.tfOnce = true
		for _, topic := range []string{"/tf", "/tf_static"} {
			if _, err := conn.Subscribe(topic, rosmsg.TypeTF, m.handleTF); err != nil {
				m.tfOnce = false
				m.reportErrorLocked(fmt.Errorf("subscribe %s: %w", topic, err))
				break
			}
		}
	}

	for _, st := range m.channels {
		if st.cfg.Direction != DirectionSubscribe || st.connID != connID || st.unsub != nil {
			continue
		}
		th := st.throttle
		unsub, err := conn.Subscribe(st.cfg.Topic, st.cfg.MsgType, func(msg json.RawMessage) {
			th.Push(msg)
		})
		if err != nil {
			st.errorCount++
			m.reportErrorLocked(fmt.Errorf("subscribe channel %s: %w", st.cfg.Name, err))
			continue
		}
		st.unsub = unsub
	}
}

// HandleCommand validates and publishes a client command on a channel.
// Teleop commands go through the safety envelope; everything else is
// published unmodified on the channel's configured (topic, msgType).
func (m *Manager) HandleCommand(channel string, payload json.RawMessage) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("robot %s is stopped", m.cfg.ID)
	}
	st, ok := m.channels[channel]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown channel: %s", channel)
	}
	if st.cfg.Direction != DirectionPublish {
		m.mu.Unlock()
		return fmt.Errorf("channel %s does not accept commands", channel)
	}
	conn := m.conns[st.connID]
	cfg := st.cfg
	m.mu.Unlock()

	if st.kind == kindTeleop {
		return m.handleTeleop(conn, cfg, payload)
	}
	return conn.Publish(cfg.Topic, cfg.MsgType, payload)
}

// Subscribe attaches fn to the channel-data stream. The latest event of
// every channel is replayed to fn first, so a new client starts from the
// current state. Returns the detach closure.
func (m *Manager) Subscribe(fn EventFunc) func() {
	for _, ev := range m.hub.snapshot() {
		fn(ev)
	}
	return m.hub.subscribe(fn)
}

// ConnectionStatus reports per-connection liveness, for health reporting.
func (m *Manager) ConnectionStatus() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.conns))
	for id, c := range m.conns {
		out[id] = c.IsConnected()
	}
	return out
}

// Stop tears the manager down: one best-effort zero twist, watchdogs and
// throttles cancelled, upstream subscriptions released, connections closed.
// Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true

	var teleopConn BridgeConn
	var teleopCfg ChannelConfig
	for _, st := range m.channels {
		if st.kind == kindTeleop && st.cfg.Direction == DirectionPublish {
			if c := m.conns[st.connID]; c != nil && c.IsConnected() {
				teleopConn = c
				teleopCfg = st.cfg
			}
		}
	}

	for name, timer := range m.watchdogs {
		timer.Stop()
		delete(m.watchdogs, name)
	}
	for _, st := range m.channels {
		if st.throttle != nil {
			st.throttle.Stop()
		}
		if st.unsub != nil {
			st.unsub()
			st.unsub = nil
		}
	}
	conns := make([]BridgeConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	if teleopConn != nil {
		if err := teleopConn.Publish(teleopCfg.Topic, teleopCfg.MsgType, zeroTwist()); err != nil {
			m.logger.Warn("final zero twist failed", zap.Error(err))
		}
	}
	for _, c := range conns {
		c.Disconnect()
	}
	m.hub.close()
	m.logger.Info("robot manager stopped")
}

// reportError surfaces a non-fatal error via log and the OnError callback.
func (m *Manager) reportError(err error) {
	m.logger.Warn("robot manager error", zap.Error(err))
	if m.onErr != nil {
		m.onErr(err)
	}
}

// reportErrorLocked is reportError for call sites holding mu. The callback
// is deferred off the lock.
func (m *Manager) reportErrorLocked(err error) {
	m.logger.Warn("robot manager error", zap.Error(err))
	if m.onErr != nil {
		go m.onErr(err)
	}
}
