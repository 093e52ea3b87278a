// Package config holds the measurement pipeline configuration: defaults,
// pure merging of partial overrides, environment mapping and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Device tiers select the frame processing interval.
const (
	TierHigh = "high"
	TierMid  = "mid"
	TierLow  = "low"
)

// maxConfigFileSize bounds LoadFile reads.
const maxConfigFileSize = 1 << 20

// ARConfig is the complete pipeline configuration. It contains only value
// fields, so a plain assignment produces an independent copy.
type ARConfig struct {
	AR          ARSettings          `json:"ar"`
	Performance PerformanceSettings `json:"performance"`
	Memory      MemorySettings      `json:"memory"`
	Recovery    RecoverySettings    `json:"recovery"`
	Logging     LoggingSettings     `json:"logging"`
	Validation  ValidationSettings  `json:"validation"`
	Weights     Weights             `json:"weights"`
}

// ARSettings gate what counts as a usable frame and measurement.
type ARSettings struct {
	MinConfidenceThreshold      float64 `json:"minConfidenceThreshold" validate:"gte=0,lte=1"`
	MinPlaneDetectionConfidence float64 `json:"minPlaneDetectionConfidence" validate:"gte=0,lte=1"`
	MinBodyLandmarksRequired    int     `json:"minBodyLandmarksRequired" validate:"gte=1,lte=17"`
	MaxMeasurementRetries       int     `json:"maxMeasurementRetries" validate:"gte=0,lte=10"`
	MeasurementTimeoutMs        int     `json:"measurementTimeoutMs" validate:"gte=100"`
	VisibilityThreshold         float64 `json:"visibilityThreshold" validate:"gte=0,lte=1"`
	RequireComprehensiveScan    bool    `json:"requireComprehensiveScan"`
	FallbackAfterFrames         int     `json:"fallbackAfterFrames" validate:"gte=1"`
	// KeypointScale converts pose-estimation keypoint units to meters.
	KeypointScale               float64 `json:"keypointScale" validate:"gt=0"`
}

// FrameIntervals are per-tier frame pacing values in milliseconds.
type FrameIntervals struct {
	HighEnd  int `json:"highEnd" validate:"gte=16,lte=1000"`
	MidRange int `json:"midRange" validate:"gte=16,lte=1000"`
	LowEnd   int `json:"lowEnd" validate:"gte=16,lte=1000"`
}

// PerformanceSettings control pacing, smoothing and temporal scoring.
// MaxVarianceThreshold is in cm² and normalizes the temporal factor.
type PerformanceSettings struct {
	FrameProcessingInterval FrameIntervals `json:"frameProcessingInterval"`
	DeviceTier              string         `json:"deviceTier" validate:"oneof=high mid low"`
	SmoothingWindowSize     int            `json:"smoothingWindowSize" validate:"gte=1,lte=50"`
	SmoothingThreshold      float64        `json:"smoothingThreshold" validate:"gt=0,lte=1"`
	MaxVarianceThreshold    float64        `json:"maxVarianceThreshold" validate:"gt=0"`
	MinConsistencyFrames    int            `json:"minConsistencyFrames" validate:"gte=1"`
	StabilityWindow         int            `json:"stabilityWindow" validate:"gte=1"`
	OutlierThreshold        float64        `json:"outlierThreshold" validate:"gt=0"`
	OutlierMinStdDevCm      float64        `json:"outlierMinStdDevCm" validate:"gte=0"`
}

// MemorySettings bound per-session buffers.
type MemorySettings struct {
	MaxTemporalConsistencyHistory int `json:"maxTemporalConsistencyHistory" validate:"gte=1,lte=100"`
}

// RecoverySettings bound per-frame failure handling.
type RecoverySettings struct {
	MaxRecoveryAttempts int `json:"maxRecoveryAttempts" validate:"gte=0,lte=10"`
}

// LoggingSettings configure the process logger.
type LoggingSettings struct {
	Level                      string `json:"level" validate:"oneof=debug info warn error"`
	File                       string `json:"file"`
	EnableSensitiveDataLogging bool   `json:"enableSensitiveDataLogging"`
	EnablePerformanceLogging   bool   `json:"enablePerformanceLogging"`
}

// Band is a plausibility range with an optimal sub-band.
type Band struct {
	AcceptableMin float64 `json:"acceptableMin" validate:"gte=0"`
	OptimalMin    float64 `json:"optimalMin" validate:"gtefield=AcceptableMin"`
	OptimalMax    float64 `json:"optimalMax" validate:"gtfield=OptimalMin,ltefield=AcceptableMax"`
	AcceptableMax float64 `json:"acceptableMax" validate:"gtfield=AcceptableMin"`
}

// Contains reports whether v lies inside the acceptable range.
func (b Band) Contains(v float64) bool {
	return v >= b.AcceptableMin && v <= b.AcceptableMax
}

// ValidationSettings are the anthropometric plausibility bands.
type ValidationSettings struct {
	ShoulderWidthCm  Band `json:"shoulderWidth"`
	HeightCm         Band `json:"height"`
	HeightToShoulder Band `json:"heightToShoulderRatio"`
}

// Weights are the relative confidence factor weights. Optional factors
// only count when the factor is present for a frame.
type Weights struct {
	Base      float64 `json:"base" validate:"gte=0"`
	Temporal  float64 `json:"temporal" validate:"gte=0"`
	Realism   float64 `json:"realism" validate:"gte=0"`
	Stability float64 `json:"stability" validate:"gte=0"`
	Symmetry  float64 `json:"symmetry" validate:"gte=0"`
	Lighting  float64 `json:"lighting" validate:"gte=0"`
	Distance  float64 `json:"distance" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() ARConfig {
	return ARConfig{
		AR: ARSettings{
			MinConfidenceThreshold:      0.7,
			MinPlaneDetectionConfidence: 0.8,
			MinBodyLandmarksRequired:    8,
			MaxMeasurementRetries:       3,
			MeasurementTimeoutMs:        10000,
			VisibilityThreshold:         0.5,
			RequireComprehensiveScan:    false,
			FallbackAfterFrames:         15,
			KeypointScale:               1,
		},
		Performance: PerformanceSettings{
			FrameProcessingInterval: FrameIntervals{
				HighEnd:  50,
				MidRange: 100,
				LowEnd:   200,
			},
			DeviceTier:           TierMid,
			SmoothingWindowSize:  5,
			SmoothingThreshold:   0.1,
			MaxVarianceThreshold: 25,
			MinConsistencyFrames: 5,
			StabilityWindow:      5,
			OutlierThreshold:     2.0,
			OutlierMinStdDevCm:   0.5,
		},
		Memory: MemorySettings{
			MaxTemporalConsistencyHistory: 10,
		},
		Recovery: RecoverySettings{
			MaxRecoveryAttempts: 3,
		},
		Logging: LoggingSettings{
			Level: "info",
		},
		Validation: ValidationSettings{
			ShoulderWidthCm:  Band{AcceptableMin: 25, OptimalMin: 30, OptimalMax: 60, AcceptableMax: 70},
			HeightCm:         Band{AcceptableMin: 100, OptimalMin: 120, OptimalMax: 220, AcceptableMax: 250},
			HeightToShoulder: Band{AcceptableMin: 2.0, OptimalMin: 2.5, OptimalMax: 4.0, AcceptableMax: 5.0},
		},
		Weights: Weights{
			Base:      0.40,
			Temporal:  0.25,
			Realism:   0.20,
			Stability: 0.15,
			Symmetry:  0.10,
			Lighting:  0.05,
			Distance:  0.05,
		},
	}
}

// FrameInterval returns the frame pacing for the configured device tier.
func (c ARConfig) FrameInterval() time.Duration {
	fi := c.Performance.FrameProcessingInterval
	ms := fi.MidRange
	switch c.Performance.DeviceTier {
	case TierHigh:
		ms = fi.HighEnd
	case TierLow:
		ms = fi.LowEnd
	}
	return time.Duration(ms) * time.Millisecond
}

// MeasurementTimeout returns the per-frame acquisition timeout.
func (c ARConfig) MeasurementTimeout() time.Duration {
	return time.Duration(c.AR.MeasurementTimeoutMs) * time.Millisecond
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field constraints.
func (c ARConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Memory.MaxTemporalConsistencyHistory < c.Performance.SmoothingWindowSize {
		return fmt.Errorf("invalid configuration: history capacity %d is smaller than smoothing window %d",
			c.Memory.MaxTemporalConsistencyHistory, c.Performance.SmoothingWindowSize)
	}
	w := c.Weights
	if w.Base+w.Temporal+w.Realism+w.Stability <= 0 {
		return fmt.Errorf("invalid configuration: core confidence weights sum to zero")
	}
	return nil
}

// Merge overlays a partial JSON document onto base and returns the result.
// Keys missing from patch keep their base value. base is not modified.
func Merge(base ARConfig, patch []byte) (ARConfig, error) {
	merged := base
	if len(patch) == 0 {
		return merged, nil
	}
	if err := json.Unmarshal(patch, &merged); err != nil {
		return base, fmt.Errorf("decode configuration overrides: %w", err)
	}
	return merged, nil
}

// LoadFile merges a JSON configuration file onto base and validates it.
func LoadFile(base ARConfig, path string) (ARConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return base, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return base, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Merge(base, data)
	if err != nil {
		return base, err
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}
