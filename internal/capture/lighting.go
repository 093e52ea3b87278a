package capture

import (
	"errors"

	"gocv.io/x/gocv"
)

// Luminance bands on the 0-255 gray scale. Frames inside the ideal band
// score 1.0; the score falls off linearly to 0 at the dark and bright limits.
const (
	DefaultDarkLimit   = 20.0
	DefaultIdealMin    = 80.0
	DefaultIdealMax    = 180.0
	DefaultBrightLimit = 240.0
)

// LightingEstimator scores how well lit a frame is for pose estimation.
type LightingEstimator struct {
	darkLimit   float64
	idealMin    float64
	idealMax    float64
	brightLimit float64

	gray gocv.Mat
}

// NewLightingEstimator creates an estimator with the default bands.
func NewLightingEstimator() *LightingEstimator {
	return &LightingEstimator{
		darkLimit:   DefaultDarkLimit,
		idealMin:    DefaultIdealMin,
		idealMax:    DefaultIdealMax,
		brightLimit: DefaultBrightLimit,
		gray:        gocv.NewMat(),
	}
}

// Luminance returns the mean gray level of frame in [0, 255].
func (e *LightingEstimator) Luminance(frame *gocv.Mat) (float64, error) {
	if frame == nil || frame.Empty() {
		return 0, ErrEmptyFrame
	}

	src := frame
	if frame.Channels() >= 3 {
		gocv.CvtColor(*frame, &e.gray, gocv.ColorBGRToGray)
		src = &e.gray
	} else if frame.Channels() != 1 {
		return 0, errors.New("unsupported channel count")
	}

	return src.Mean().Val1, nil
}

// Score converts the frame's luminance to a [0, 1] lighting factor.
func (e *LightingEstimator) Score(frame *gocv.Mat) (float64, error) {
	lum, err := e.Luminance(frame)
	if err != nil {
		return 0, err
	}
	return e.scoreLuminance(lum), nil
}

func (e *LightingEstimator) scoreLuminance(lum float64) float64 {
	switch {
	case lum >= e.idealMin && lum <= e.idealMax:
		return 1
	case lum <= e.darkLimit || lum >= e.brightLimit:
		return 0
	case lum < e.idealMin:
		return (lum - e.darkLimit) / (e.idealMin - e.darkLimit)
	default:
		return (e.brightLimit - lum) / (e.brightLimit - e.idealMax)
	}
}

// Close releases the scratch buffer.
func (e *LightingEstimator) Close() error {
	return e.gray.Close()
}
