package detector

import (
	"sync"

	"github.com/fitform/armeasure/internal/landmark"
	"gocv.io/x/gocv"
)

// MockEstimator is a test implementation of the Estimator interface.
// It allows tests to control the estimation results.
type MockEstimator struct {
	mu          sync.Mutex
	pose        []landmark.Keypoint
	err         error
	initErr     error
	initialized bool
	calls       int
}

// NewMockEstimator creates a new MockEstimator instance.
func NewMockEstimator() *MockEstimator {
	return &MockEstimator{}
}

// SetPose sets the keypoints that will be returned by EstimatePose.
func (m *MockEstimator) SetPose(pose []landmark.Keypoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose = pose
}

// SetError sets the error that will be returned by EstimatePose.
func (m *MockEstimator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetInitError sets the error that will be returned by Initialize.
func (m *MockEstimator) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// Initialize marks the mock as ready unless an init error is configured.
func (m *MockEstimator) Initialize(modelPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initErr != nil {
		return m.initErr
	}
	m.initialized = true
	return nil
}

// EstimatePose returns the pre-configured pose or error.
func (m *MockEstimator) EstimatePose(frame *gocv.Mat) ([]landmark.Keypoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.pose, nil
}

// Calls returns how many times EstimatePose was called.
func (m *MockEstimator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close is a no-op for the mock estimator.
func (m *MockEstimator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return nil
}

// StandingPoseKeypoints returns a front-facing standing pose in meters,
// y up, with the nose 165 cm above the ankles and 40 cm shoulders.
func StandingPoseKeypoints() []landmark.Keypoint {
	kps := make([]landmark.Keypoint, landmark.NumKeypoints)

	kps[landmark.KeypointNose] = landmark.Keypoint{0.0, 1.65, 0.92}
	kps[landmark.KeypointLeftEye] = landmark.Keypoint{-0.03, 1.68, 0.90}
	kps[landmark.KeypointRightEye] = landmark.Keypoint{0.03, 1.68, 0.90}
	kps[landmark.KeypointLeftEar] = landmark.Keypoint{-0.07, 1.66, 0.80}
	kps[landmark.KeypointRightEar] = landmark.Keypoint{0.07, 1.66, 0.80}

	kps[landmark.KeypointLeftShoulder] = landmark.Keypoint{-0.20, 1.42, 0.95}
	kps[landmark.KeypointRightShoulder] = landmark.Keypoint{0.20, 1.42, 0.95}
	kps[landmark.KeypointLeftElbow] = landmark.Keypoint{-0.26, 1.12, 0.90}
	kps[landmark.KeypointRightElbow] = landmark.Keypoint{0.26, 1.12, 0.90}
	kps[landmark.KeypointLeftWrist] = landmark.Keypoint{-0.28, 0.85, 0.88}
	kps[landmark.KeypointRightWrist] = landmark.Keypoint{0.28, 0.85, 0.88}

	kps[landmark.KeypointLeftHip] = landmark.Keypoint{-0.15, 0.92, 0.93}
	kps[landmark.KeypointRightHip] = landmark.Keypoint{0.15, 0.92, 0.93}
	kps[landmark.KeypointLeftKnee] = landmark.Keypoint{-0.12, 0.48, 0.91}
	kps[landmark.KeypointRightKnee] = landmark.Keypoint{0.12, 0.48, 0.91}
	kps[landmark.KeypointLeftAnkle] = landmark.Keypoint{-0.10, 0.0, 0.90}
	kps[landmark.KeypointRightAnkle] = landmark.Keypoint{0.10, 0.0, 0.90}

	return kps
}

// OccludedPoseKeypoints returns a pose whose lower body is out of frame.
func OccludedPoseKeypoints() []landmark.Keypoint {
	kps := StandingPoseKeypoints()
	for _, i := range []int{
		landmark.KeypointLeftKnee, landmark.KeypointRightKnee,
		landmark.KeypointLeftAnkle, landmark.KeypointRightAnkle,
	} {
		kps[i][2] = 0.1
	}
	return kps
}
