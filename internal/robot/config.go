// Package robot implements the per-robot manager: it owns the bridge
// connections for one robot, runs the subscribe/transform/pose pipeline,
// enforces the teleop safety envelope, and emits normalized channel events.
package robot

import (
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/rosmsg"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/transform"
)

// Connection ids a robot config may reference.
const (
	DefaultConnectionID = "default"
	MappingConnectionID = "mapping"
)

// Direction says whether a channel flows upstream→client or client→upstream.
type Direction string

const (
	DirectionSubscribe Direction = "subscribe"
	DirectionPublish   Direction = "publish"
)

// Well-known channel names. The wire names are fixed; clients key on them.
const (
	ChannelOdom      = "odom"
	ChannelLaser     = "laser"
	ChannelWaypoints = "waypoints"
	ChannelTeleop    = "teleop"
	ChannelAMCL      = "amcl"
	ChannelPose      = "pose" // synthetic; produced by pose selection, never subscribed
)

// Teleop safety defaults.
const (
	DefaultTeleopMaxLinear  = 0.5 // m/s
	DefaultTeleopMaxAngular = 0.8 // rad/s
	DefaultTeleopWatchdogMs = 750
)

// Pipeline tunables.
const (
	AMCLMinDeltaPos = 0.05 // m
	AMCLMinDeltaYaw = 0.05 // rad
	PoseEps         = 1e-3
)

// DefaultLaserOffset is the static laser→base offset used when no TF for it
// has been learned and the config carries none.
var DefaultLaserOffset = transform.Transform{X: 0.12}

// baseFrames are the frames accepted as the robot body frame in TF lookups.
var baseFrames = map[string]bool{
	"base_link":      true,
	"base_footprint": true,
}

// laserFrames are the frames accepted as the laser frame in TF lookups.
var laserFrames = map[string]bool{
	"laser":     true,
	"base_scan": true,
}

// ChannelConfig describes one logical channel exposed to clients.
type ChannelConfig struct {
	Name         string    `json:"name"`
	Topic        string    `json:"topic"`
	MsgType      string    `json:"msgType"`
	Direction    Direction `json:"direction"`
	RateLimitHz  float64   `json:"rateLimitHz,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
}

// ConnectionConfig identifies one upstream bridge endpoint.
type ConnectionConfig struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// TeleopLimits is the per-robot safety envelope for velocity commands.
type TeleopLimits struct {
	MaxLinear  float64 `json:"maxLinear"`
	MaxAngular float64 `json:"maxAngular"`
	WatchdogMs int     `json:"watchdogMs"`
}

// Config is a pure value describing one robot. Managers are keyed by ID and
// rebuilt whenever the canonical serialization of the config changes.
type Config struct {
	ID          string               `json:"id"`
	BridgeURL   string               `json:"bridgeUrl"`
	Connections []ConnectionConfig   `json:"connections,omitempty"`
	Channels    []ChannelConfig      `json:"channels"`
	LaserOffset *transform.Transform `json:"laserOffset,omitempty"`
	Teleop      *TeleopLimits        `json:"teleopLimits,omitempty"`
}

// DefaultChannels is the channel set applied when the inventory entry
// specifies none.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: ChannelOdom, Topic: "/odom", MsgType: rosmsg.TypeOdometry, Direction: DirectionSubscribe, RateLimitHz: 2},
		{Name: ChannelLaser, Topic: "/scan", MsgType: rosmsg.TypeLaser, Direction: DirectionSubscribe, RateLimitHz: 1},
		{Name: ChannelWaypoints, Topic: "/plan", MsgType: rosmsg.TypePath, Direction: DirectionSubscribe, RateLimitHz: 2},
		{Name: ChannelTeleop, Topic: "/cmd_vel", MsgType: rosmsg.TypeTwist, Direction: DirectionPublish},
	}
}

// rateOverrides are applied after alias normalization regardless of what the
// inventory specified. Telemetry heavier than this buys nothing in a browser.
var rateOverrides = map[string]float64{
	ChannelOdom:  2,
	ChannelLaser: 1,
}

// NormalizeChannels canonicalizes msgType aliases and applies the fixed
// rate-limit overrides. The input slice is not mutated.
func NormalizeChannels(channels []ChannelConfig) []ChannelConfig {
	out := make([]ChannelConfig, len(channels))
	for i, ch := range channels {
		ch.MsgType = rosmsg.NormalizeType(ch.MsgType)
		if hz, ok := rateOverrides[ch.Name]; ok {
			ch.RateLimitHz = hz
		}
		out[i] = ch
	}
	return out
}

// teleopLimits returns the effective safety envelope for the config.
func (c *Config) teleopLimits() TeleopLimits {
	limits := TeleopLimits{
		MaxLinear:  DefaultTeleopMaxLinear,
		MaxAngular: DefaultTeleopMaxAngular,
		WatchdogMs: DefaultTeleopWatchdogMs,
	}
	if c.Teleop != nil {
		if c.Teleop.MaxLinear > 0 {
			limits.MaxLinear = c.Teleop.MaxLinear
		}
		if c.Teleop.MaxAngular > 0 {
			limits.MaxAngular = c.Teleop.MaxAngular
		}
		if c.Teleop.WatchdogMs > 0 {
			limits.WatchdogMs = c.Teleop.WatchdogMs
		}
	}
	return limits
}

// laserOffset returns the configured static laser→base offset.
func (c *Config) laserOffset() transform.Transform {
	if c.LaserOffset != nil {
		return *c.LaserOffset
	}
	return DefaultLaserOffset
}

// connections returns the effective connection list: the configured entries
// collapsed on id, or a single default connection derived from BridgeURL.
func (c *Config) connections() []ConnectionConfig {
	if len(c.Connections) == 0 {
		return []ConnectionConfig{{ID: DefaultConnectionID, URL: c.BridgeURL}}
	}
	seen := make(map[string]bool, len(c.Connections))
	out := make([]ConnectionConfig, 0, len(c.Connections))
	for _, conn := range c.Connections {
		if seen[conn.ID] {
			continue
		}
		seen[conn.ID] = true
		out = append(out, conn)
	}
	return out
}
