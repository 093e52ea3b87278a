package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc resolves an environment key. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key   string
	apply func(c *ARConfig, v string) error
}

var envBindings = []envBinding{
	{"AR_MIN_CONFIDENCE_THRESHOLD", floatSetter(func(c *ARConfig) *float64 { return &c.AR.MinConfidenceThreshold })},
	{"AR_MIN_BODY_LANDMARKS_REQUIRED", intSetter(func(c *ARConfig) *int { return &c.AR.MinBodyLandmarksRequired })},
	{"AR_MEASUREMENT_TIMEOUT_MS", intSetter(func(c *ARConfig) *int { return &c.AR.MeasurementTimeoutMs })},
	{"AR_REQUIRE_COMPREHENSIVE_SCAN", boolSetter(func(c *ARConfig) *bool { return &c.AR.RequireComprehensiveScan })},
	{"AR_KEYPOINT_SCALE", floatSetter(func(c *ARConfig) *float64 { return &c.AR.KeypointScale })},
	{"AR_FALLBACK_AFTER_FRAMES", intSetter(func(c *ARConfig) *int { return &c.AR.FallbackAfterFrames })},
	{"AR_FRAME_PROCESSING_INTERVAL_HIGH", intSetter(func(c *ARConfig) *int { return &c.Performance.FrameProcessingInterval.HighEnd })},
	{"AR_FRAME_PROCESSING_INTERVAL_MID", intSetter(func(c *ARConfig) *int { return &c.Performance.FrameProcessingInterval.MidRange })},
	{"AR_FRAME_PROCESSING_INTERVAL_LOW", intSetter(func(c *ARConfig) *int { return &c.Performance.FrameProcessingInterval.LowEnd })},
	{"AR_DEVICE_TIER", stringSetter(func(c *ARConfig) *string { return &c.Performance.DeviceTier })},
	{"AR_MAX_VARIANCE_THRESHOLD", floatSetter(func(c *ARConfig) *float64 { return &c.Performance.MaxVarianceThreshold })},
	{"AR_OUTLIER_THRESHOLD", floatSetter(func(c *ARConfig) *float64 { return &c.Performance.OutlierThreshold })},
	{"AR_MAX_RECOVERY_ATTEMPTS", intSetter(func(c *ARConfig) *int { return &c.Recovery.MaxRecoveryAttempts })},
	{"AR_LOG_LEVEL", func(c *ARConfig, v string) error {
		c.Logging.Level = strings.ToLower(strings.TrimSpace(v))
		return nil
	}},
	{"AR_LOG_FILE", stringSetter(func(c *ARConfig) *string { return &c.Logging.File })},
	{"AR_ENABLE_SENSITIVE_LOGGING", boolSetter(func(c *ARConfig) *bool { return &c.Logging.EnableSensitiveDataLogging })},
	{"AR_ENABLE_PERFORMANCE_LOGGING", boolSetter(func(c *ARConfig) *bool { return &c.Logging.EnablePerformanceLogging })},
}

// ApplyEnv returns base with every bound key found by lookup applied.
// It reads nothing but lookup, so callers decide where values come from.
func ApplyEnv(base ARConfig, lookup LookupFunc) (ARConfig, error) {
	cfg := base
	for _, b := range envBindings {
		v, ok := lookup(b.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(&cfg, v); err != nil {
			return base, fmt.Errorf("%s: %w", b.key, err)
		}
	}
	return cfg, nil
}

// EnvKeys lists the environment keys ApplyEnv understands.
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = b.key
	}
	return keys
}

func floatSetter(field func(*ARConfig) *float64) func(*ARConfig, string) error {
	return func(c *ARConfig, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("parse float %q: %w", v, err)
		}
		*field(c) = f
		return nil
	}
}

func intSetter(field func(*ARConfig) *int) func(*ARConfig, string) error {
	return func(c *ARConfig, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse int %q: %w", v, err)
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*ARConfig) *bool) func(*ARConfig, string) error {
	return func(c *ARConfig, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse bool %q: %w", v, err)
		}
		*field(c) = b
		return nil
	}
}

func stringSetter(field func(*ARConfig) *string) func(*ARConfig, string) error {
	return func(c *ARConfig, v string) error {
		*field(c) = strings.TrimSpace(v)
		return nil
	}
}
