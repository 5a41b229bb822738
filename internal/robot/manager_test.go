package robot

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/bridge"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/rosmsg"
)

// fakeConn implements BridgeConn in-process, recording publishes and letting
// tests deliver upstream messages straight into registered handlers.
type fakeConn struct {
	cfg bridge.Config

	mu           sync.Mutex
	connected    bool
	disconnected bool
	handlers     map[string]bridge.Handler
	pubs         []pubRecord
}

type pubRecord struct {
	Topic   string
	MsgType string
	Msg     any
}

func newFakeConn(cfg bridge.Config) *fakeConn {
	return &fakeConn{cfg: cfg, handlers: map[string]bridge.Handler{}}
}

func (f *fakeConn) Connect() error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.cfg.OnConnected != nil {
		f.cfg.OnConnected()
	}
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeConn) Subscribe(topic, msgType string, handler bridge.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, fmt.Errorf("not connected")
	}
	f.handlers[topic] = handler
	return func() {
		f.mu.Lock()
		delete(f.handlers, topic)
		f.mu.Unlock()
	}, nil
}

func (f *fakeConn) Publish(topic, msgType string, message any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.pubs = append(f.pubs, pubRecord{Topic: topic, MsgType: msgType, Msg: message})
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) deliver(t *testing.T, topic string, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", topic)
	}
	h(raw)
}

func (f *fakeConn) hasHandler(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

func (f *fakeConn) pubsSnapshot() []pubRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pubRecord, len(f.pubs))
	copy(out, f.pubs)
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) byChannel(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Channel == name {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeConn, *eventRecorder) {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "r1"
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = "ws://test:9090"
	}
	var conn *fakeConn
	m := NewManager(ManagerConfig{
		Config: cfg,
		NewConn: func(bc bridge.Config) BridgeConn {
			conn = newFakeConn(bc)
			return conn
		},
	})
	rec := &eventRecorder{}
	m.Subscribe(rec.record)
	t.Cleanup(m.Stop)
	m.Start()
	waitManager(t, func() bool { return conn != nil && conn.hasHandler("/tf") })
	return m, conn, rec
}

func waitManager(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func stampedOdom(x, y float64, sec int64) map[string]any {
	return map[string]any{
		"header": map[string]any{"stamp": map[string]any{"sec": sec, "nanosec": 0}, "frame_id": "odom"},
		"pose": map[string]any{
			"pose": map[string]any{
				"position":    map[string]any{"x": x, "y": y},
				"orientation": map[string]any{"w": 1.0},
			},
		},
	}
}

func tfEntry(parent, child string, x, y, yaw float64, sec int64) map[string]any {
	return map[string]any{
		"transforms": []any{map[string]any{
			"header":         map[string]any{"stamp": map[string]any{"sec": sec, "nanosec": 0}, "frame_id": parent},
			"child_frame_id": child,
			"transform": map[string]any{
				"translation": map[string]any{"x": x, "y": y},
				"rotation":    map[string]any{"z": math.Sin(yaw / 2), "w": math.Cos(yaw / 2)},
			},
		}},
	}
}

func TestManager_SubscribesConfiguredChannels(t *testing.T) {
	_, conn, _ := newTestManager(t, Config{Channels: DefaultChannels()})

	for _, topic := range []string{"/tf", "/tf_static", "/odom", "/scan", "/plan"} {
		waitManager(t, func() bool { return conn.hasHandler(topic) })
	}
	if conn.hasHandler("/cmd_vel") {
		t.Fatal("publish channel must not be subscribed upstream")
	}
}

func TestManager_OdomEventCarriesPose(t *testing.T) {
	_, conn, rec := newTestManager(t, Config{Channels: DefaultChannels()})
	waitManager(t, func() bool { return conn.hasHandler("/odom") })

	conn.deliver(t, "/odom", stampedOdom(1.5, -2, 10))

	events := rec.byChannel(ChannelOdom)
	if len(events) != 1 {
		t.Fatalf("expected 1 odom event, got %d", len(events))
	}
	pd := events[0].Data.(poseData)
	if pd.Pose.X != 1.5 || pd.Pose.Y != -2 || pd.Pose.StampMs != 10000 {
		t.Fatalf("unexpected pose: %+v", pd.Pose)
	}
}

func TestManager_AMCLSuppression(t *testing.T) {
	cfg := Config{Channels: []ChannelConfig{
		{Name: ChannelAMCL, Topic: "/amcl_pose", MsgType: "geometry_msgs/msg/PoseWithCovarianceStamped", Direction: DirectionSubscribe},
	}}
	_, conn, rec := newTestManager(t, cfg)
	waitManager(t, func() bool { return conn.hasHandler("/amcl_pose") })

	amcl := func(x, y float64) map[string]any {
		return map[string]any{
			"header": map[string]any{"stamp": map[string]any{"sec": 1, "nanosec": 0}},
			"pose": map[string]any{"pose": map[string]any{
				"position":    map[string]any{"x": x, "y": y},
				"orientation": map[string]any{"w": 1.0},
			}},
		}
	}

	conn.deliver(t, "/amcl_pose", amcl(0, 0))
	conn.deliver(t, "/amcl_pose", amcl(0.01, 0.01)) // below both thresholds
	conn.deliver(t, "/amcl_pose", amcl(0.06, 0))    // position delta over threshold

	events := rec.byChannel(ChannelAMCL)
	if len(events) != 2 {
		t.Fatalf("expected 2 amcl events, got %d", len(events))
	}
	last := events[1].Data.(poseData)
	if last.Pose.X != 0.06 {
		t.Fatalf("cached pose should be the third message, got %+v", last.Pose)
	}
}

func TestManager_TeleopClamp(t *testing.T) {
	m, conn, _ := newTestManager(t, Config{Channels: DefaultChannels()})

	cmd := json.RawMessage(`{"linear":{"x":0.3,"y":5},"angular":{"z":1.5,"x":"junk"}}`)
	if err := m.HandleCommand(ChannelTeleop, cmd); err != nil {
		t.Fatalf("teleop command: %v", err)
	}

	pubs := conn.pubsSnapshot()
	if len(pubs) != 1 || pubs[0].Topic != "/cmd_vel" {
		t.Fatalf("expected 1 publish on /cmd_vel, got %+v", pubs)
	}
	twist := pubs[0].Msg.(rosmsg.Twist)
	if twist.Linear.X != 0.3 {
		t.Fatalf("linear.x must pass through under the limit, got %v", twist.Linear.X)
	}
	if twist.Angular.Z != 0.8 {
		t.Fatalf("angular.z must clamp to 0.8, got %v", twist.Angular.Z)
	}
	if twist.Linear.Y != 0 || twist.Linear.Z != 0 || twist.Angular.X != 0 || twist.Angular.Y != 0 {
		t.Fatalf("all other components must be zero, got %+v", twist)
	}
}

func TestManager_TeleopClampNegative(t *testing.T) {
	m, conn, _ := newTestManager(t, Config{Channels: DefaultChannels()})

	cmd := json.RawMessage(`{"linear":{"x":-9},"angular":{"z":-9}}`)
	if err := m.HandleCommand(ChannelTeleop, cmd); err != nil {
		t.Fatalf("teleop command: %v", err)
	}
	twist := conn.pubsSnapshot()[0].Msg.(rosmsg.Twist)
	if twist.Linear.X != -0.5 || twist.Angular.Z != -0.8 {
		t.Fatalf("expected symmetric clamping, got %+v", twist)
	}
}

func TestManager_TeleopWatchdogFiresOnce(t *testing.T) {
	cfg := Config{
		Channels: DefaultChannels(),
		Teleop:   &TeleopLimits{WatchdogMs: 40},
	}
	m, conn, _ := newTestManager(t, cfg)

	if err := m.HandleCommand(ChannelTeleop, json.RawMessage(`{"linear":{"x":0.1},"angular":{"z":0}}`)); err != nil {
		t.Fatalf("teleop command: %v", err)
	}

	waitManager(t, func() bool { return len(conn.pubsSnapshot()) == 2 })
	time.Sleep(120 * time.Millisecond)
	pubs := conn.pubsSnapshot()
	if len(pubs) != 2 {
		t.Fatalf("watchdog must fire exactly once, got %d publishes", len(pubs))
	}
	if tw := pubs[1].Msg.(rosmsg.Twist); tw != (rosmsg.Twist{}) {
		t.Fatalf("watchdog publish must be a zero twist, got %+v", tw)
	}
}

func TestManager_HandleCommandValidation(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Channels: DefaultChannels()})

	if err := m.HandleCommand("ghost", json.RawMessage(`{}`)); err == nil {
		t.Fatal("unknown channel must be rejected")
	}
	if err := m.HandleCommand(ChannelOdom, json.RawMessage(`{}`)); err == nil {
		t.Fatal("subscribe channel must reject commands")
	}
	if err := m.HandleCommand(ChannelTeleop, json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("non-object teleop payload must be rejected")
	}
	if err := m.HandleCommand(ChannelTeleop, json.RawMessage(`{"linear":{"x":0}}`)); err == nil {
		t.Fatal("teleop payload missing angular must be rejected")
	}
}

func TestManager_GenericCommandPassesThrough(t *testing.T) {
	cfg := Config{Channels: append(DefaultChannels(), ChannelConfig{
		Name: "initialpose", Topic: "/initialpose", MsgType: "geometry_msgs/msg/PoseWithCovarianceStamped", Direction: DirectionPublish,
	})}
	m, conn, _ := newTestManager(t, cfg)

	payload := json.RawMessage(`{"pose":{"pose":{"position":{"x":3}}}}`)
	if err := m.HandleCommand("initialpose", payload); err != nil {
		t.Fatalf("command: %v", err)
	}
	pubs := conn.pubsSnapshot()
	if len(pubs) != 1 || pubs[0].Topic != "/initialpose" {
		t.Fatalf("expected passthrough publish, got %+v", pubs)
	}
	if string(pubs[0].Msg.(json.RawMessage)) != string(payload) {
		t.Fatal("generic command payload must be published unmodified")
	}
}

func TestManager_PoseHysteresis(t *testing.T) {
	_, conn, rec := newTestManager(t, Config{Channels: DefaultChannels()})
	waitManager(t, func() bool { return conn.hasHandler("/odom") })

	conn.deliver(t, "/odom", stampedOdom(0, 0, 1))
	if got := rec.byChannel(ChannelPose); len(got) != 0 {
		t.Fatalf("no transforms yet, expected no pose event, got %d", len(got))
	}

	conn.deliver(t, "/tf", tfEntry("map", "base_link", 1, 1, 0, 1))
	events := rec.byChannel(ChannelPose)
	if len(events) != 1 {
		t.Fatalf("expected pose emission, got %d", len(events))
	}
	pd := events[0].Data.(poseData)
	if pd.Pose.X != 1 || pd.Pose.Y != 1 {
		t.Fatalf("unexpected pose: %+v", pd.Pose)
	}

	// Identical transform again: delta below threshold, no emission.
	conn.deliver(t, "/tf", tfEntry("map", "base_link", 1, 1, 0, 1))
	if got := rec.byChannel(ChannelPose); len(got) != 1 {
		t.Fatalf("expected suppression, got %d events", len(got))
	}

	conn.deliver(t, "/tf", tfEntry("map", "base_link", 1.01, 1, 0, 1))
	if got := rec.byChannel(ChannelPose); len(got) != 2 {
		t.Fatalf("expected emission after visible move, got %d events", len(got))
	}
}

func TestManager_LaserMapFramePoints(t *testing.T) {
	_, conn, rec := newTestManager(t, Config{Channels: DefaultChannels()})
	waitManager(t, func() bool { return conn.hasHandler("/scan") })

	conn.deliver(t, "/odom", stampedOdom(1, 0, 1))
	conn.deliver(t, "/tf", tfEntry("map", "odom", 0, 0, math.Pi/2, 0))

	conn.deliver(t, "/scan", map[string]any{
		"header":          map[string]any{"stamp": map[string]any{"sec": 1, "nanosec": 0}, "frame_id": "laser"},
		"angle_min":       0.0,
		"angle_max":       1.0,
		"angle_increment": 0.1,
		"range_min":       0.1,
		"range_max":       5.0,
		"ranges":          []any{1.0},
	})

	events := rec.byChannel(ChannelLaser)
	if len(events) != 1 {
		t.Fatalf("expected 1 laser event, got %d", len(events))
	}
	data := events[0].Data.(laserData)
	if data.Frame != "map" {
		t.Fatalf("expected map frame, got %q", data.Frame)
	}
	if len(data.Points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(data.Points))
	}
	p := data.Points[0]
	if math.Abs(p.X-0) > 1e-9 || math.Abs(p.Y-2.12) > 1e-9 {
		t.Fatalf("expected (0, 2.12), got (%v, %v)", p.X, p.Y)
	}
}

func TestManager_LaserPassthroughWithoutPose(t *testing.T) {
	_, conn, rec := newTestManager(t, Config{Channels: DefaultChannels()})
	waitManager(t, func() bool { return conn.hasHandler("/scan") })

	conn.deliver(t, "/scan", map[string]any{
		"header":          map[string]any{"stamp": map[string]any{"sec": 1, "nanosec": 0}},
		"angle_min":       0.0,
		"angle_increment": 0.1,
		"range_min":       0.1,
		"range_max":       5.0,
		"ranges":          []any{1.0, nil, 2.0},
	})

	events := rec.byChannel(ChannelLaser)
	if len(events) != 1 {
		t.Fatalf("expected 1 laser event, got %d", len(events))
	}
	data := events[0].Data.(laserData)
	if data.Frame != "" || data.Points != nil {
		t.Fatalf("expected raw passthrough, got %+v", data)
	}
	if len(data.Ranges) != 3 || !math.IsNaN(data.Ranges[1]) {
		t.Fatalf("null range must decode to NaN, got %v", data.Ranges)
	}

	// The event must survive the trip to a websocket client: NaN entries
	// serialize as null rather than failing the whole frame.
	b, err := json.Marshal(events[0])
	if err != nil {
		t.Fatalf("laser event must be serializable: %v", err)
	}
	if !strings.Contains(string(b), `[1,null,2]`) {
		t.Fatalf("expected null for out-of-range return, got %s", b)
	}
}

func TestManager_WaypointsSanitized(t *testing.T) {
	_, conn, rec := newTestManager(t, Config{Channels: DefaultChannels()})
	waitManager(t, func() bool { return conn.hasHandler("/plan") })

	conn.deliver(t, "/plan", map[string]any{
		"header": map[string]any{"frame_id": "map"},
		"poses": []any{
			map[string]any{"header": map[string]any{"seq": 1}, "pose": map[string]any{"position": map[string]any{"x": 1.0}, "orientation": map[string]any{"w": 1.0}}},
			map[string]any{"pose": map[string]any{"position": map[string]any{"x": 2.0}, "orientation": map[string]any{"w": 1.0}}},
		},
	})

	events := rec.byChannel(ChannelWaypoints)
	if len(events) != 1 {
		t.Fatalf("expected 1 waypoints event, got %d", len(events))
	}
	entries := events[0].Data.([]waypointEntry)
	if len(entries) != 2 || entries[0].Pose.Position.X != 1 || entries[1].Pose.Position.X != 2 {
		t.Fatalf("unexpected waypoint entries: %+v", entries)
	}
}

func TestManager_SnapshotReplayOnSubscribe(t *testing.T) {
	m, conn, _ := newTestManager(t, Config{Channels: DefaultChannels()})
	waitManager(t, func() bool { return conn.hasHandler("/odom") })

	conn.deliver(t, "/odom", stampedOdom(4, 2, 1))

	// A client that attaches after the fact still sees the latest values.
	late := &eventRecorder{}
	unsub := m.Subscribe(late.record)
	defer unsub()

	events := late.byChannel(ChannelOdom)
	if len(events) != 1 {
		t.Fatalf("expected latest odom replayed, got %d events", len(events))
	}
	if pd := events[0].Data.(poseData); pd.Pose.X != 4 || pd.Pose.Y != 2 {
		t.Fatalf("unexpected replayed pose: %+v", pd.Pose)
	}

	// Detached subscribers receive nothing further.
	unsub()
	conn.deliver(t, "/odom", stampedOdom(5, 2, 2))
	if got := late.byChannel(ChannelOdom); len(got) != 1 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(got))
	}
}

func TestManager_StopEmitsZeroTwist(t *testing.T) {
	m, conn, _ := newTestManager(t, Config{Channels: DefaultChannels()})

	m.Stop()
	pubs := conn.pubsSnapshot()
	if len(pubs) != 1 || pubs[0].Topic != "/cmd_vel" {
		t.Fatalf("expected single zero twist on stop, got %+v", pubs)
	}
	conn.mu.Lock()
	disconnected := conn.disconnected
	conn.mu.Unlock()
	if !disconnected {
		t.Fatal("stop must disconnect the bridge")
	}
	if err := m.HandleCommand(ChannelTeleop, json.RawMessage(`{"linear":{},"angular":{}}`)); err == nil {
		t.Fatal("commands after stop must fail")
	}
	m.Stop() // idempotent
}

func TestTransformFreshnessGuardsPoseSelection(t *testing.T) {
	_, conn, rec := newTestManager(t, Config{Channels: DefaultChannels()})
	waitManager(t, func() bool { return conn.hasHandler("/odom") })

	// Stale mapToBase (2 s older than the odom reference) must be skipped in
	// favor of the timeless mapToOdom composition.
	conn.deliver(t, "/tf", tfEntry("map", "base_link", 9, 9, 0, 1))
	conn.deliver(t, "/tf", tfEntry("map", "odom", 0, 0, 0, 0))
	conn.deliver(t, "/odom", stampedOdom(1, 1, 3))

	events := rec.byChannel(ChannelPose)
	if len(events) == 0 {
		t.Fatal("expected a pose emission")
	}
	pd := events[len(events)-1].Data.(poseData)
	if pd.Pose.X != 1 || pd.Pose.Y != 1 {
		t.Fatalf("stale mapToBase must lose to mapToOdom∘odomPose, got %+v", pd.Pose)
	}
}
