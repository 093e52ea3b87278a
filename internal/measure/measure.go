// Package measure derives physical body measurements from landmarks.
package measure

import (
	"math"
	"time"

	"github.com/fitform/armeasure/internal/landmark"
	"gonum.org/v1/gonum/spatial/r3"
)

// cmPerMeter converts world units to centimeters.
const cmPerMeter = 100.0

// Raw is the measurement computed from a single frame. Zero components
// mean the landmarks for that component were missing.
type Raw struct {
	ShoulderWidthCm float64   `json:"shoulderWidthCm"`
	HeightCm        float64   `json:"heightCm"`
	HipWidthCm      float64   `json:"hipWidthCm"`
	Timestamp       time.Time `json:"timestamp"`
}

// Ratio returns height divided by shoulder width, or 0 when shoulder
// width is zero.
func (r Raw) Ratio() float64 {
	if r.ShoulderWidthCm == 0 {
		return 0
	}
	return r.HeightCm / r.ShoulderWidthCm
}

// Compute derives every measurement from set.
func Compute(set landmark.Set, ts time.Time) Raw {
	return Raw{
		ShoulderWidthCm: ShoulderWidth(set),
		HeightCm:        Height(set),
		HipWidthCm:      HipWidth(set),
		Timestamp:       ts,
	}
}

// ShoulderWidth returns the 3D distance between the shoulders in cm.
func ShoulderWidth(set landmark.Set) float64 {
	return pairDistance(set, landmark.LeftShoulder, landmark.RightShoulder)
}

// HipWidth returns the 3D distance between the hip joints in cm.
func HipWidth(set landmark.Set) float64 {
	return pairDistance(set, landmark.LeftHip, landmark.RightHip)
}

// Height returns the vertical distance between the head (or nose) and the
// ankles in cm. With both ankles tracked their mean y is used, otherwise
// the one tracked ankle.
func Height(set landmark.Set) float64 {
	top, ok := set.HeadOrNose()
	if !ok {
		return 0
	}

	footY, ok := ankleY(set)
	if !ok {
		return 0
	}

	return math.Abs(top.Position.Y-footY) * cmPerMeter
}

func ankleY(set landmark.Set) (float64, bool) {
	left, lok := set.Tracked(landmark.LeftAnkle)
	right, rok := set.Tracked(landmark.RightAnkle)

	switch {
	case lok && rok:
		return (left.Position.Y + right.Position.Y) / 2, true
	case lok:
		return left.Position.Y, true
	case rok:
		return right.Position.Y, true
	}
	return 0, false
}

func pairDistance(set landmark.Set, a, b landmark.Joint) float64 {
	la, ok := set.Tracked(a)
	if !ok {
		return 0
	}
	lb, ok := set.Tracked(b)
	if !ok {
		return 0
	}
	return r3.Norm(r3.Sub(la.Position, lb.Position)) * cmPerMeter
}
