// Package transform implements 2-D rigid-body transform algebra for the
// telemetry pipeline: composition, inversion, quaternion yaw extraction,
// and the staleness predicate used by pose selection.
package transform

import "math"

// TFStaleMs is the maximum age difference, in wall-clock milliseconds,
// between a transform stamp and a reference stamp before the transform is
// considered stale. Static transforms (stamp 0) never go stale.
const TFStaleMs = 1200

// Transform is a planar rigid-body transform (or pose) with an optional
// wall-clock stamp in milliseconds. StampMs 0 means timeless.
type Transform struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Yaw     float64 `json:"yaw"`
	StampMs float64 `json:"stampMs,omitempty"`
}

// Quaternion is the rotation part of an upstream transform or pose.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Combine composes two transforms: rotate b into a's frame, then translate.
// The stamp of the result is the newer of the two operand stamps.
func Combine(a, b Transform) Transform {
	sin, cos := math.Sincos(a.Yaw)
	return Transform{
		X:       a.X + cos*b.X - sin*b.Y,
		Y:       a.Y + sin*b.X + cos*b.Y,
		Yaw:     a.Yaw + b.Yaw,
		StampMs: math.Max(a.StampMs, b.StampMs),
	}
}

// Invert returns the inverse transform, so Combine(Invert(t), t) is identity.
func Invert(t Transform) Transform {
	sin, cos := math.Sincos(t.Yaw)
	return Transform{
		X:       -(cos*t.X + sin*t.Y),
		Y:       -(-sin*t.X + cos*t.Y),
		Yaw:     -t.Yaw,
		StampMs: t.StampMs,
	}
}

// YawFromQuaternion extracts the Z-axis rotation from a quaternion.
func YawFromQuaternion(q Quaternion) float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// IsStale reports whether tf is too old (or too new) relative to refStampMs.
// True only when tf exists, carries a non-zero stamp, a reference stamp is
// present, and the stamps diverge by more than TFStaleMs. A timeless tf
// (stamp 0) never goes stale; callers check existence separately.
func IsStale(tf *Transform, refStampMs float64) bool {
	if tf == nil || tf.StampMs == 0 || refStampMs == 0 {
		return false
	}
	return math.Abs(refStampMs-tf.StampMs) > TFStaleMs
}
