package landmark

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Keypoint indices of the 17-point COCO body model used by MoveNet.
const (
	KeypointNose          = 0
	KeypointLeftEye       = 1
	KeypointRightEye      = 2
	KeypointLeftEar       = 3
	KeypointRightEar      = 4
	KeypointLeftShoulder  = 5
	KeypointRightShoulder = 6
	KeypointLeftElbow     = 7
	KeypointRightElbow    = 8
	KeypointLeftWrist     = 9
	KeypointRightWrist    = 10
	KeypointLeftHip       = 11
	KeypointRightHip      = 12
	KeypointLeftKnee      = 13
	KeypointRightKnee     = 14
	KeypointLeftAnkle     = 15
	KeypointRightAnkle    = 16
	NumKeypoints          = 17
)

// DefaultVisibilityThreshold is the confidence a keypoint must exceed to
// count as tracked.
const DefaultVisibilityThreshold = 0.5

var keypointJoints = [NumKeypoints]Joint{
	KeypointNose:          Nose,
	KeypointLeftEye:       LeftEye,
	KeypointRightEye:      RightEye,
	KeypointLeftEar:       LeftEar,
	KeypointRightEar:      RightEar,
	KeypointLeftShoulder:  LeftShoulder,
	KeypointRightShoulder: RightShoulder,
	KeypointLeftElbow:     LeftElbow,
	KeypointRightElbow:    RightElbow,
	KeypointLeftWrist:     LeftWrist,
	KeypointRightWrist:    RightWrist,
	KeypointLeftHip:       LeftHip,
	KeypointRightHip:      RightHip,
	KeypointLeftKnee:      LeftKnee,
	KeypointRightKnee:     RightKnee,
	KeypointLeftAnkle:     LeftAnkle,
	KeypointRightAnkle:    RightAnkle,
}

// Keypoint is one [x, y, confidence] triple from the pose model.
type Keypoint [3]float64

// KeypointOptions control keypoint conversion.
type KeypointOptions struct {
	// Threshold is the per-joint visibility threshold. Zero means 0.5.
	Threshold float64
	// Scale converts model units to meters. Zero means 1.
	Scale float64
}

// FromKeypoints converts a 17-point pose into a landmark set. An empty
// pose yields ErrNoBody. The head joint is derived from the nose.
func FromKeypoints(kps []Keypoint, opts KeypointOptions) (Set, error) {
	if len(kps) == 0 {
		return Set{}, ErrNoBody
	}
	if len(kps) != NumKeypoints {
		return Set{}, fmt.Errorf("expected %d keypoints, got %d", NumKeypoints, len(kps))
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultVisibilityThreshold
	}
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}

	landmarks := make([]Landmark, 0, NumKeypoints+1)
	for i, kp := range kps {
		conf := clamp01(kp[2])
		landmarks = append(landmarks, Landmark{
			Joint:      keypointJoints[i],
			Position:   r3.Vec{X: kp[0] * scale, Y: kp[1] * scale},
			Confidence: conf,
			Tracked:    conf > threshold,
		})
	}

	nose := landmarks[KeypointNose]
	nose.Joint = Head
	landmarks = append(landmarks, nose)

	return NewSet(landmarks...), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
