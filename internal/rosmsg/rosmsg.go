// Package rosmsg defines the upstream bridge message shapes the gateway
// consumes and produces, plus msgType alias normalization. Only the fields
// the telemetry pipeline reads are modeled; unknown fields pass through as
// raw JSON at the channel layer.
package rosmsg

import (
	"encoding/json"
	"math"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/transform"
)

// Canonical message types on the wire.
const (
	TypeOdometry = "nav_msgs/msg/Odometry"
	TypeLaser    = "sensor_msgs/msg/LaserScan"
	TypePath     = "nav_msgs/msg/Path"
	TypeString   = "std_msgs/msg/String"
	TypeTwist    = "geometry_msgs/msg/Twist"
	TypeTF       = "tf2_msgs/msg/TFMessage"
	TypePoseCov  = "geometry_msgs/msg/PoseWithCovarianceStamped"
)

// typeAliases maps legacy one-segment message types to their canonical form.
var typeAliases = map[string]string{
	"nav_msgs/Odometry":     TypeOdometry,
	"sensor_msgs/LaserScan": TypeLaser,
	"nav_msgs/Path":         TypePath,
	"std_msgs/String":       TypeString,
	"geometry_msgs/Twist":   TypeTwist,
}

// NormalizeType rewrites legacy msgType aliases to the canonical
// package/msg/TypeName convention. Unknown types pass through unchanged.
func NormalizeType(msgType string) string {
	if canonical, ok := typeAliases[msgType]; ok {
		return canonical
	}
	return msgType
}

// TimeStamp is an upstream header stamp. Both the sec/nanosec and the legacy
// secs/nsecs field spellings are accepted on ingress.
type TimeStamp struct {
	Sec     int64
	Nanosec int64
}

// UnmarshalJSON accepts {"sec","nanosec"} and the legacy {"secs","nsecs"}.
func (ts *TimeStamp) UnmarshalJSON(b []byte) error {
	var raw struct {
		Sec     *int64 `json:"sec"`
		Nanosec *int64 `json:"nanosec"`
		Secs    *int64 `json:"secs"`
		Nsecs   *int64 `json:"nsecs"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.Sec != nil:
		ts.Sec = *raw.Sec
	case raw.Secs != nil:
		ts.Sec = *raw.Secs
	}
	switch {
	case raw.Nanosec != nil:
		ts.Nanosec = *raw.Nanosec
	case raw.Nsecs != nil:
		ts.Nanosec = *raw.Nsecs
	}
	return nil
}

// MarshalJSON emits the canonical sec/nanosec spelling.
func (ts TimeStamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Sec     int64 `json:"sec"`
		Nanosec int64 `json:"nanosec"`
	}{ts.Sec, ts.Nanosec})
}

// Ms converts the stamp to wall-clock milliseconds. Zero means no stamp.
func (ts TimeStamp) Ms() float64 {
	return float64(ts.Sec)*1000 + float64(ts.Nanosec)/1e6
}

// Header is the common upstream message header.
type Header struct {
	Stamp   TimeStamp `json:"stamp"`
	FrameID string    `json:"frame_id"`
}

// Vector3 is a 3-component vector.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is position plus orientation.
type Pose struct {
	Position    Vector3              `json:"position"`
	Orientation transform.Quaternion `json:"orientation"`
}

// PoseStamped is a pose with a header, as carried in nav paths.
type PoseStamped struct {
	Header Header `json:"header"`
	Pose   Pose   `json:"pose"`
}

// Odometry models nav_msgs/msg/Odometry down to the pose.
type Odometry struct {
	Header       Header `json:"header"`
	ChildFrameID string `json:"child_frame_id"`
	Pose         struct {
		Pose Pose `json:"pose"`
	} `json:"pose"`
}

// PoseWithCovarianceStamped models the AMCL pose estimate message.
type PoseWithCovarianceStamped struct {
	Header Header `json:"header"`
	Pose   struct {
		Pose Pose `json:"pose"`
	} `json:"pose"`
}

// Ranges is a laser range list. rosbridge encodes out-of-range returns as
// JSON null, which decodes to NaN here so index alignment is preserved.
type Ranges []float64

// UnmarshalJSON decodes nulls as NaN instead of failing the whole scan.
func (r *Ranges) UnmarshalJSON(b []byte) error {
	var raw []*float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *v
		}
	}
	*r = out
	return nil
}

// MarshalJSON emits NaN and infinite entries as null, mirroring the
// unmarshaler. encoding/json rejects non-finite floats outright.
func (r Ranges) MarshalJSON() ([]byte, error) {
	out := make([]*float64, len(r))
	for i := range r {
		if math.IsNaN(r[i]) || math.IsInf(r[i], 0) {
			continue
		}
		out[i] = &r[i]
	}
	return json.Marshal(out)
}

// LaserScan models sensor_msgs/msg/LaserScan.
type LaserScan struct {
	Header         Header  `json:"header"`
	AngleMin       float64 `json:"angle_min"`
	AngleMax       float64 `json:"angle_max"`
	AngleIncrement float64 `json:"angle_increment"`
	RangeMin       float64 `json:"range_min"`
	RangeMax       float64 `json:"range_max"`
	Ranges         Ranges  `json:"ranges"`
}

// Path models nav_msgs/msg/Path.
type Path struct {
	Header Header        `json:"header"`
	Poses  []PoseStamped `json:"poses"`
}

// Twist is a planar velocity command.
type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// TransformStamped is one entry of a TF message.
type TransformStamped struct {
	Header       Header `json:"header"`
	ChildFrameID string `json:"child_frame_id"`
	Transform    struct {
		Translation Vector3              `json:"translation"`
		Rotation    transform.Quaternion `json:"rotation"`
	} `json:"transform"`
}

// TFMessage models tf2_msgs/msg/TFMessage.
type TFMessage struct {
	Transforms []TransformStamped `json:"transforms"`
}
