package robot

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/rosmsg"
)

// zeroTwist is the stop command published on watchdog expiry and shutdown.
func zeroTwist() rosmsg.Twist {
	return rosmsg.Twist{}
}

// handleTeleop runs the safety envelope: lenient parse, clamp to the
// configured limits, publish, re-arm the idle watchdog.
func (m *Manager) handleTeleop(conn BridgeConn, cfg ChannelConfig, payload json.RawMessage) error {
	twist, err := parseTwist(payload)
	if err != nil {
		return err
	}
	twist.Linear.X = clamp(twist.Linear.X, m.limits.MaxLinear)
	twist.Angular.Z = clamp(twist.Angular.Z, m.limits.MaxAngular)
	twist.Linear.Y, twist.Linear.Z = 0, 0
	twist.Angular.X, twist.Angular.Y = 0, 0

	if err := conn.Publish(cfg.Topic, cfg.MsgType, twist); err != nil {
		return err
	}
	m.armWatchdog(cfg.Name, conn, cfg)
	return nil
}

// parseTwist accepts any object carrying linear and angular members.
// Non-numeric component values coerce to zero rather than rejecting the
// command; a joystick mid-drag is not the moment to be strict.
func parseTwist(payload json.RawMessage) (rosmsg.Twist, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return rosmsg.Twist{}, fmt.Errorf("teleop payload must be an object: %w", err)
	}
	linear, okL := raw["linear"]
	angular, okA := raw["angular"]
	if !okL || !okA {
		return rosmsg.Twist{}, fmt.Errorf("teleop payload missing linear/angular")
	}
	return rosmsg.Twist{
		Linear:  parseVector(linear),
		Angular: parseVector(angular),
	}, nil
}

func parseVector(raw json.RawMessage) rosmsg.Vector3 {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return rosmsg.Vector3{}
	}
	num := func(key string) float64 {
		var v float64
		if b, ok := fields[key]; ok && json.Unmarshal(b, &v) == nil {
			return v
		}
		return 0
	}
	return rosmsg.Vector3{X: num("x"), Y: num("y"), Z: num("z")}
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// armWatchdog (re)starts the per-channel idle timer. On expiry one zero
// twist goes out, so a client that vanishes mid-drive cannot leave the
// robot moving.
func (m *Manager) armWatchdog(channel string, conn BridgeConn, cfg ChannelConfig) {
	d := time.Duration(m.limits.WatchdogMs) * time.Millisecond

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if timer, ok := m.watchdogs[channel]; ok {
		timer.Reset(d)
		return
	}
	m.watchdogs[channel] = time.AfterFunc(d, func() {
		m.mu.Lock()
		stopped := m.stopped
		delete(m.watchdogs, channel)
		m.mu.Unlock()
		if stopped {
			return
		}
		if err := conn.Publish(cfg.Topic, cfg.MsgType, zeroTwist()); err != nil {
			m.logger.Warn("watchdog zero twist failed", zap.Error(err))
		} else {
			m.logger.Debug("teleop watchdog fired", zap.String("channel", channel))
		}
	})
}
