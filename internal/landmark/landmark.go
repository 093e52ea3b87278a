// Package landmark normalizes skeletal joint data from platform body
// tracking and from pose-estimation keypoints into one canonical set.
package landmark

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNoBody is returned when a frame contains no body or pose at all.
var ErrNoBody = errors.New("no body detected")

// Joint names an anatomical joint.
type Joint string

// Canonical joints.
const (
	Head          Joint = "head"
	Nose          Joint = "nose"
	LeftEye       Joint = "left_eye"
	RightEye      Joint = "right_eye"
	LeftEar       Joint = "left_ear"
	RightEar      Joint = "right_ear"
	LeftShoulder  Joint = "left_shoulder"
	RightShoulder Joint = "right_shoulder"
	LeftElbow     Joint = "left_elbow"
	RightElbow    Joint = "right_elbow"
	LeftWrist     Joint = "left_wrist"
	RightWrist    Joint = "right_wrist"
	LeftHip       Joint = "left_hip"
	RightHip      Joint = "right_hip"
	LeftKnee      Joint = "left_knee"
	RightKnee     Joint = "right_knee"
	LeftAnkle     Joint = "left_ankle"
	RightAnkle    Joint = "right_ankle"
)

// RequiredJoints is the reference set used for visibility scoring.
var RequiredJoints = []Joint{
	Head,
	LeftShoulder, RightShoulder,
	LeftHip, RightHip,
	LeftKnee, RightKnee,
	LeftAnkle, RightAnkle,
}

// Landmark is one joint observation. Position is in meters.
type Landmark struct {
	Joint      Joint   `json:"joint"`
	Position   r3.Vec  `json:"position"`
	Confidence float64 `json:"confidence"`
	Tracked    bool    `json:"tracked"`
}

// Set maps joints to landmarks for a single body in a single frame.
// The zero value is an empty set. A Set is never modified after creation.
type Set struct {
	m map[Joint]Landmark
}

// NewSet builds a set. Later landmarks for the same joint replace earlier ones.
func NewSet(landmarks ...Landmark) Set {
	m := make(map[Joint]Landmark, len(landmarks))
	for _, l := range landmarks {
		m[l.Joint] = l
	}
	return Set{m: m}
}

// Get returns the landmark for j whether or not it is tracked.
func (s Set) Get(j Joint) (Landmark, bool) {
	l, ok := s.m[j]
	return l, ok
}

// Tracked returns the landmark for j only if it is present and tracked.
func (s Set) Tracked(j Joint) (Landmark, bool) {
	l, ok := s.m[j]
	if !ok || !l.Tracked {
		return Landmark{}, false
	}
	return l, true
}

// Confidence returns the joint confidence, or 0 when j is absent or untracked.
func (s Set) Confidence(j Joint) float64 {
	if l, ok := s.Tracked(j); ok {
		return l.Confidence
	}
	return 0
}

// HeadOrNose returns the tracked head landmark, falling back to the nose.
func (s Set) HeadOrNose() (Landmark, bool) {
	if l, ok := s.Tracked(Head); ok {
		return l, true
	}
	return s.Tracked(Nose)
}

// Len returns the number of landmarks in the set.
func (s Set) Len() int {
	return len(s.m)
}

// TrackedCount returns the number of tracked landmarks.
func (s Set) TrackedCount() int {
	n := 0
	for _, l := range s.m {
		if l.Tracked {
			n++
		}
	}
	return n
}

// Sufficient reports whether the set can yield a measurement: both
// shoulders tracked and at least one ankle tracked.
func (s Set) Sufficient() bool {
	_, ls := s.Tracked(LeftShoulder)
	_, rs := s.Tracked(RightShoulder)
	_, la := s.Tracked(LeftAnkle)
	_, ra := s.Tracked(RightAnkle)
	return ls && rs && (la || ra)
}

// Landmarks returns the landmarks ordered by joint name.
func (s Set) Landmarks() []Landmark {
	out := make([]Landmark, 0, len(s.m))
	for _, l := range s.m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Joint < out[j].Joint })
	return out
}
