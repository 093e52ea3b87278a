package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/capture"
	"github.com/fitform/armeasure/internal/detector"
	"github.com/fitform/armeasure/internal/landmark"
	"github.com/sirupsen/logrus"
)

// ML is the pose-estimation fallback platform. It reads frames from a local
// camera and runs them through an Estimator.
type ML struct {
	camera    capture.Camera
	estimator detector.Estimator
	modelPath string
	log       logrus.FieldLogger
}

// NewML creates the fallback platform.
func NewML(camera capture.Camera, estimator detector.Estimator, modelPath string, log logrus.FieldLogger) *ML {
	return &ML{
		camera:    camera,
		estimator: estimator,
		modelPath: modelPath,
		log:       log.WithField("platform", string(KindML)),
	}
}

func (m *ML) Kind() Kind                      { return KindML }
func (m *ML) JointNames() landmark.JointNames { return nil }

// CheckAvailability reports support when a camera and an estimator are
// present. Lighting is always estimated from the camera image.
func (m *ML) CheckAvailability(ctx context.Context) (Availability, error) {
	if m.camera == nil || m.estimator == nil {
		return Availability{Reason: "pose estimation fallback not configured"}, nil
	}
	return Availability{Supported: true, BodyTracking: true, LightEstimation: true}, nil
}

func (m *ML) CreateSession(ctx context.Context) (Session, error) {
	if m.camera == nil || m.estimator == nil {
		return nil, ErrUnsupported
	}
	return &mlSession{ml: m}, nil
}

type mlSession struct {
	ml *ML

	mu       sync.Mutex
	lighting *capture.LightingEstimator
	closed   bool
}

// Configure loads the model.
func (s *mlSession) Configure(ctx context.Context, cfg SessionConfig) error {
	if err := s.ml.estimator.Initialize(s.ml.modelPath); err != nil {
		return fmt.Errorf("initialize pose model: %w", err)
	}
	if cfg.FrameInterval > 0 {
		s.ml.camera.SetFPS(int(time.Second / cfg.FrameInterval))
	}
	s.mu.Lock()
	if cfg.LightEstimation && s.lighting == nil {
		s.lighting = capture.NewLightingEstimator()
	}
	s.mu.Unlock()
	return nil
}

// Resume opens the camera.
func (s *mlSession) Resume(ctx context.Context) error {
	if err := s.ml.camera.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	return nil
}

// Pause releases the camera but keeps the model loaded.
func (s *mlSession) Pause() error {
	return s.ml.camera.Close()
}

// Update reads a frame and estimates the pose on it.
func (s *mlSession) Update(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrSessionClosed
	}

	mat, err := s.ml.camera.ReadFrame()
	if err != nil {
		return Frame{}, fmt.Errorf("read camera frame: %w", err)
	}
	defer mat.Close()

	frame := Frame{Timestamp: time.Now()}

	if s.lighting != nil {
		if score, err := s.lighting.Score(mat); err == nil {
			frame.Lighting = &score
		} else {
			s.ml.log.WithError(err).Debug("lighting estimate failed")
		}
	}

	kps, err := s.ml.estimator.EstimatePose(mat)
	if err != nil {
		return Frame{}, fmt.Errorf("estimate pose: %w", err)
	}
	frame.Keypoints = kps

	return frame, nil
}

func (s *mlSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	camErr := s.ml.camera.Close()
	if s.lighting != nil {
		s.lighting.Close()
		s.lighting = nil
	}
	if camErr != nil {
		return fmt.Errorf("close camera: %w", camErr)
	}
	return nil
}
