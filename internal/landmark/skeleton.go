package landmark

import "gonum.org/v1/gonum/spatial/r3"

// TrackingState is a platform joint tracking state.
type TrackingState string

// Platform tracking states.
const (
	StateTracking TrackingState = "tracking"
	StatePaused   TrackingState = "paused"
	StateStopped  TrackingState = "stopped"
)

// JointPose is one named joint of a platform skeleton. Positions are in
// world meters. Platforms that do not report per-joint confidence leave
// Confidence nil.
type JointPose struct {
	Name       string        `json:"name"`
	X          float64       `json:"x"`
	Y          float64       `json:"y"`
	Z          float64       `json:"z"`
	Confidence *float64      `json:"confidence,omitempty"`
	State      TrackingState `json:"state"`
}

// Skeleton is one tracked body as reported by the platform.
type Skeleton struct {
	Joints []JointPose `json:"joints"`
}

// JointNames maps platform joint names to canonical joints.
type JointNames map[string]Joint

// ARCoreJointNames maps ARCore AugmentedBody joint types.
var ARCoreJointNames = JointNames{
	"HEAD":           Head,
	"NOSE":           Nose,
	"LEFT_SHOULDER":  LeftShoulder,
	"RIGHT_SHOULDER": RightShoulder,
	"LEFT_ELBOW":     LeftElbow,
	"RIGHT_ELBOW":    RightElbow,
	"LEFT_WRIST":     LeftWrist,
	"RIGHT_WRIST":    RightWrist,
	"LEFT_HIP":       LeftHip,
	"RIGHT_HIP":      RightHip,
	"LEFT_KNEE":      LeftKnee,
	"RIGHT_KNEE":     RightKnee,
	"LEFT_ANKLE":     LeftAnkle,
	"RIGHT_ANKLE":    RightAnkle,
}

// ARKitJointNames maps ARSkeleton3D joint names.
var ARKitJointNames = JointNames{
	"head_joint":             Head,
	"left_shoulder_1_joint":  LeftShoulder,
	"right_shoulder_1_joint": RightShoulder,
	"left_forearm_joint":     LeftElbow,
	"right_forearm_joint":    RightElbow,
	"left_hand_joint":        LeftWrist,
	"right_hand_joint":       RightWrist,
	"left_upLeg_joint":       LeftHip,
	"right_upLeg_joint":      RightHip,
	"left_leg_joint":         LeftKnee,
	"right_leg_joint":        RightKnee,
	"left_foot_joint":        LeftAnkle,
	"right_foot_joint":       RightAnkle,
}

// FromSkeleton converts a platform skeleton through the given name table.
// Unknown joint names are ignored. A joint is tracked iff its state is
// tracking and its confidence exceeds threshold.
func FromSkeleton(s Skeleton, names JointNames, threshold float64) (Set, error) {
	if len(s.Joints) == 0 {
		return Set{}, ErrNoBody
	}

	landmarks := make([]Landmark, 0, len(s.Joints))
	for _, jp := range s.Joints {
		joint, ok := names[jp.Name]
		if !ok {
			continue
		}

		conf := 0.0
		if jp.State == StateTracking {
			conf = 1.0
		}
		if jp.Confidence != nil {
			conf = clamp01(*jp.Confidence)
		}

		landmarks = append(landmarks, Landmark{
			Joint:      joint,
			Position:   r3.Vec{X: jp.X, Y: jp.Y, Z: jp.Z},
			Confidence: conf,
			Tracked:    jp.State == StateTracking && conf > threshold,
		})
	}

	return NewSet(landmarks...), nil
}

// Primary picks the body with the most tracked canonical joints. It returns
// ErrNoBody when bodies is empty.
func Primary(bodies []Skeleton, names JointNames, threshold float64) (Set, error) {
	if len(bodies) == 0 {
		return Set{}, ErrNoBody
	}

	var best Set
	bestCount := -1
	for _, b := range bodies {
		set, err := FromSkeleton(b, names, threshold)
		if err != nil {
			continue
		}
		if n := set.TrackedCount(); n > bestCount {
			best, bestCount = set, n
		}
	}
	if bestCount < 0 {
		return Set{}, ErrNoBody
	}
	return best, nil
}
