// Package detector provides the pose-estimation model contract used when
// platform body tracking is unavailable.
package detector

import (
	"errors"

	"github.com/fitform/armeasure/internal/landmark"
	"gocv.io/x/gocv"
)

// ErrNotInitialized is returned by EstimatePose before Initialize succeeds.
var ErrNotInitialized = errors.New("pose estimator not initialized")

// Estimator defines the interface for pose-estimation implementations.
type Estimator interface {
	// Initialize loads the model. It must succeed before EstimatePose.
	Initialize(modelPath string) error

	// EstimatePose analyzes a video frame and returns 17 COCO keypoints
	// with y up. Positions are multiplied by the session's keypointScale
	// to get meters, so a service emitting metric coordinates needs a
	// scale of 1. Returns an empty slice if no pose is detected.
	EstimatePose(frame *gocv.Mat) ([]landmark.Keypoint, error)

	// Close releases any resources held by the estimator.
	Close() error
}

// Config holds configuration options for pose estimation.
type Config struct {
	// ModelPath is the pre-trained pose model consumed by the service.
	ModelPath string

	// MinConfidence is the minimum overall pose score (0.0-1.0) below
	// which the service reports no pose.
	MinConfidence float64

	// IdleTimeoutSec shuts the model service down after this many seconds
	// without a request. Zero disables the idle shutdown.
	IdleTimeoutSec int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		ModelPath:      "models/movenet_singlepose_lightning.tflite",
		MinConfidence:  0.25,
		IdleTimeoutSec: 30,
	}
}
