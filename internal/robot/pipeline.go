package robot

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/rosmsg"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/transform"
)

// channelKind selects the processing pipeline for a channel. Dispatch is on
// the logical channel name, not the topic; unknown names pass through.
type channelKind int

const (
	kindGeneric channelKind = iota
	kindOdom
	kindAMCL
	kindLaser
	kindWaypoints
	kindTeleop
)

func kindOf(name string) channelKind {
	switch name {
	case ChannelOdom:
		return kindOdom
	case ChannelAMCL:
		return kindAMCL
	case ChannelLaser:
		return kindLaser
	case ChannelWaypoints:
		return kindWaypoints
	case ChannelTeleop:
		return kindTeleop
	}
	return kindGeneric
}

// laserData is the sanitized laser payload. Points are map-frame when a pose
// could be selected; otherwise the scan passes through with Frame empty.
type laserData struct {
	AngleMin       float64       `json:"angle_min"`
	AngleMax       float64       `json:"angle_max"`
	AngleIncrement float64       `json:"angle_increment"`
	RangeMin       float64       `json:"range_min"`
	RangeMax       float64       `json:"range_max"`
	Ranges         rosmsg.Ranges `json:"ranges"`
	Points         []point       `json:"points,omitempty"`
	Frame          string        `json:"frame,omitempty"`
}

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type poseData struct {
	Pose transform.Transform `json:"pose"`
}

type waypointEntry struct {
	Pose rosmsg.Pose `json:"pose"`
}

// processChannel is the throttle emitter for one subscribe channel. It runs
// the per-kind pipeline under the manager lock and emits the resulting
// events after releasing it.
func (m *Manager) processChannel(name string, raw json.RawMessage) {
	m.mu.Lock()
	st := m.channels[name]
	if st == nil || m.stopped {
		m.mu.Unlock()
		return
	}
	st.lastMessageAt = time.Now()

	var events []Event
	var procErr error
	switch st.kind {
	case kindOdom:
		events, procErr = m.processOdomLocked(raw)
	case kindAMCL:
		events, procErr = m.processAMCLLocked(raw)
	case kindLaser:
		events, procErr = m.processLaserLocked(raw)
	case kindWaypoints:
		events, procErr = m.processWaypointsLocked(raw)
	default:
		events = []Event{{Channel: name, Data: raw}}
	}
	if procErr != nil {
		st.errorCount++
	}
	m.mu.Unlock()

	if procErr != nil {
		m.reportError(fmt.Errorf("channel %s: %w", name, procErr))
		return
	}
	for _, ev := range events {
		m.hub.emit(ev)
	}
}

func (m *Manager) processOdomLocked(raw json.RawMessage) ([]Event, error) {
	var odom rosmsg.Odometry
	if err := json.Unmarshal(raw, &odom); err != nil {
		return nil, fmt.Errorf("decode odometry: %w", err)
	}
	pose := transform.Transform{
		X:       odom.Pose.Pose.Position.X,
		Y:       odom.Pose.Pose.Position.Y,
		Yaw:     transform.YawFromQuaternion(odom.Pose.Pose.Orientation),
		StampMs: odom.Header.Stamp.Ms(),
	}
	m.odomPose = &pose

	events := []Event{{Channel: ChannelOdom, Data: poseData{Pose: pose}}}
	if ev := m.selectPoseLocked(); ev != nil {
		events = append(events, *ev)
	}
	return events, nil
}

func (m *Manager) processAMCLLocked(raw json.RawMessage) ([]Event, error) {
	var amcl rosmsg.PoseWithCovarianceStamped
	if err := json.Unmarshal(raw, &amcl); err != nil {
		return nil, fmt.Errorf("decode amcl pose: %w", err)
	}
	pose := transform.Transform{
		X:       amcl.Pose.Pose.Position.X,
		Y:       amcl.Pose.Pose.Position.Y,
		Yaw:     transform.YawFromQuaternion(amcl.Pose.Pose.Orientation),
		StampMs: amcl.Header.Stamp.Ms(),
	}
	if prev := m.mapPose; prev != nil {
		// Localization jitter below the thresholds is noise; keep the cache.
		if math.Hypot(pose.X-prev.X, pose.Y-prev.Y) < AMCLMinDeltaPos &&
			math.Abs(pose.Yaw-prev.Yaw) < AMCLMinDeltaYaw {
			return nil, nil
		}
	}
	m.mapPose = &pose
	return []Event{{Channel: ChannelAMCL, Data: poseData{Pose: pose}}}, nil
}

func (m *Manager) processLaserLocked(raw json.RawMessage) ([]Event, error) {
	var scan rosmsg.LaserScan
	if err := json.Unmarshal(raw, &scan); err != nil {
		return nil, fmt.Errorf("decode laser scan: %w", err)
	}
	data := laserData{
		AngleMin:       scan.AngleMin,
		AngleMax:       scan.AngleMax,
		AngleIncrement: scan.AngleIncrement,
		RangeMin:       scan.RangeMin,
		RangeMax:       scan.RangeMax,
		Ranges:         scan.Ranges,
	}

	stampMs := scan.Header.Stamp.Ms()
	pose, ok := m.laserPoseLocked(stampMs)
	if stampMs == 0 || !ok {
		// No usable reference pose; the raw scan still has value to clients.
		return []Event{{Channel: ChannelLaser, Data: data}}, nil
	}

	offset := m.cfg.laserOffset()
	if m.laserToBase != nil {
		offset = *m.laserToBase
	}
	origin := transform.Combine(pose, offset)
	for i, r := range scan.Ranges {
		if math.IsNaN(r) || math.IsInf(r, 0) || r < scan.RangeMin || r > scan.RangeMax {
			continue
		}
		theta := scan.AngleMin + float64(i)*scan.AngleIncrement
		p := transform.Combine(origin, transform.Transform{
			X: r * math.Cos(theta),
			Y: r * math.Sin(theta),
		})
		data.Points = append(data.Points, point{X: p.X, Y: p.Y})
	}
	data.Frame = "map"
	return []Event{{Channel: ChannelLaser, Data: data}}, nil
}

// laserPoseLocked picks the laser reference pose for a scan stamped at
// refMs: the fresh mapToOdom∘odomPose composition, else the last AMCL pose.
func (m *Manager) laserPoseLocked(refMs float64) (transform.Transform, bool) {
	if m.mapToOdom != nil && m.odomPose != nil &&
		!transform.IsStale(m.mapToOdom, refMs) && !transform.IsStale(m.odomPose, refMs) {
		return transform.Combine(*m.mapToOdom, *m.odomPose), true
	}
	if m.mapPose != nil {
		return *m.mapPose, true
	}
	return transform.Transform{}, false
}

func (m *Manager) processWaypointsLocked(raw json.RawMessage) ([]Event, error) {
	var path rosmsg.Path
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, fmt.Errorf("decode path: %w", err)
	}
	entries := make([]waypointEntry, 0, len(path.Poses))
	for _, ps := range path.Poses {
		entries = append(entries, waypointEntry{Pose: ps.Pose})
	}
	return []Event{{Channel: ChannelWaypoints, Data: entries}}, nil
}

// handleTF ingests a TF message from /tf or /tf_static, updates the cached
// frame transforms, and re-runs pose selection. Transforms apply in arrival
// order; stamps feed staleness only, never merging.
func (m *Manager) handleTF(raw json.RawMessage) {
	var msg rosmsg.TFMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.reportError(fmt.Errorf("decode tf message: %w", err))
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	for _, ts := range msg.Transforms {
		parent := strings.TrimPrefix(ts.Header.FrameID, "/")
		child := strings.TrimPrefix(ts.ChildFrameID, "/")
		tf := transform.Transform{
			X:       ts.Transform.Translation.X,
			Y:       ts.Transform.Translation.Y,
			Yaw:     transform.YawFromQuaternion(ts.Transform.Rotation),
			StampMs: ts.Header.Stamp.Ms(),
		}
		switch {
		case parent == "map" && child == "odom":
			m.mapToOdom = &tf
		case parent == "map" && baseFrames[child]:
			m.mapToBase = &tf
		case parent == "odom" && baseFrames[child]:
			m.odomToBase = &tf
		case laserFrames[child] && baseFrames[parent]:
			m.laserToBase = &tf
		}
	}
	ev := m.selectPoseLocked()
	m.mu.Unlock()

	if ev != nil {
		m.hub.emit(*ev)
	}
}

// selectPoseLocked attempts to produce a synthetic pose event. Selection
// order: fresh mapToBase, fresh mapToOdom∘odomToBase, fresh
// mapToOdom∘odomPose, last AMCL pose. Freshness is judged against the
// current odometry stamp. Emission is suppressed while both position and
// yaw deltas from the last published pose stay under PoseEps.
func (m *Manager) selectPoseLocked() *Event {
	var refMs float64
	if m.odomPose != nil {
		refMs = m.odomPose.StampMs
	}
	fresh := func(tf *transform.Transform) bool {
		return tf != nil && !transform.IsStale(tf, refMs)
	}

	var pose transform.Transform
	switch {
	case fresh(m.mapToBase):
		pose = *m.mapToBase
	case fresh(m.mapToOdom) && fresh(m.odomToBase):
		pose = transform.Combine(*m.mapToOdom, *m.odomToBase)
	case fresh(m.mapToOdom) && fresh(m.odomPose):
		pose = transform.Combine(*m.mapToOdom, *m.odomPose)
	case m.mapPose != nil:
		pose = *m.mapPose
	default:
		return nil
	}

	if last := m.lastPubPose; last != nil {
		if math.Hypot(pose.X-last.X, pose.Y-last.Y) < PoseEps &&
			math.Abs(pose.Yaw-last.Yaw) < PoseEps {
			return nil
		}
	}
	m.lastPubPose = &pose
	return &Event{Channel: ChannelPose, Data: poseData{Pose: pose}}
}
