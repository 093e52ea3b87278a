// Package platform abstracts the sources of body-tracking frames: native
// AR body tracking (ARCore, ARKit) and the on-device pose-estimation
// fallback.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/fitform/armeasure/internal/landmark"
)

// Platform errors.
var (
	ErrUnsupported   = errors.New("AR body tracking not supported")
	ErrNotConnected  = errors.New("native bridge not connected")
	ErrSessionClosed = errors.New("platform session closed")
)

// Kind identifies a frame source.
type Kind string

// Frame source kinds.
const (
	KindARCore Kind = "arcore"
	KindARKit  Kind = "arkit"
	KindML     Kind = "ml"
	KindMock   Kind = "mock"
)

// Availability is the result of a platform support probe.
type Availability struct {
	Supported       bool   `json:"supported"`
	BodyTracking    bool   `json:"bodyTracking"`
	LightEstimation bool   `json:"lightEstimation"`
	Reason          string `json:"reason,omitempty"`
}

// UnsupportedReason returns a support-specific reason for a failed probe,
// or "" when body tracking can run.
func (a Availability) UnsupportedReason() string {
	switch {
	case a.Supported && a.BodyTracking:
		return ""
	case a.Reason != "":
		return a.Reason
	case !a.Supported:
		return "AR is not supported on this device"
	default:
		return "body tracking is not supported on this device"
	}
}

// SessionConfig is applied to a platform session before it resumes.
type SessionConfig struct {
	BodyTracking        bool
	LightEstimation     bool
	FrameInterval       time.Duration
	PlaneDetectionScore float64
}

// Frame is one update from a platform session. Bodies is set by native
// platforms, Keypoints by the pose-estimation path.
type Frame struct {
	Bodies           []landmark.Skeleton
	Keypoints        []landmark.Keypoint
	Lighting         *float64
	SubjectDistanceM *float64
	Timestamp        time.Time
}

// HasBody reports whether the frame carries any body data at all.
func (f Frame) HasBody() bool {
	return len(f.Bodies) > 0 || len(f.Keypoints) > 0
}

// Platform is a body-tracking backend.
type Platform interface {
	Kind() Kind
	// JointNames maps the platform's joint names to canonical joints.
	// Keypoint sources return nil.
	JointNames() landmark.JointNames
	CheckAvailability(ctx context.Context) (Availability, error)
	CreateSession(ctx context.Context) (Session, error)
}

// Session is a live platform session.
type Session interface {
	Configure(ctx context.Context, cfg SessionConfig) error
	Resume(ctx context.Context) error
	// Update blocks until the next frame is available or ctx is done.
	Update(ctx context.Context) (Frame, error)
	Close() error
}

// Pauser is implemented by sessions that can be paused without being
// released.
type Pauser interface {
	Pause() error
}

// Capabilities records which optional operations a session supports.
type Capabilities struct {
	PauseResume     bool `json:"pauseResume"`
	BodyTracking    bool `json:"bodyTracking"`
	LightEstimation bool `json:"lightEstimation"`
}

// Probe negotiates capabilities once for a new session.
func Probe(s Session, avail Availability) Capabilities {
	_, pausable := s.(Pauser)
	return Capabilities{
		PauseResume:     pausable,
		BodyTracking:    avail.BodyTracking,
		LightEstimation: avail.LightEstimation,
	}
}

// Release pauses s when caps allow it and then closes it.
func Release(s Session, caps Capabilities) error {
	var pauseErr error
	if caps.PauseResume {
		if p, ok := s.(Pauser); ok {
			pauseErr = p.Pause()
		}
	}
	return errors.Join(pauseErr, s.Close())
}
