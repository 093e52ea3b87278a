package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.7, cfg.AR.MinConfidenceThreshold)
	assert.Equal(t, 5, cfg.Performance.SmoothingWindowSize)
	assert.Equal(t, 10, cfg.Memory.MaxTemporalConsistencyHistory)
	assert.Equal(t, 3, cfg.Recovery.MaxRecoveryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.FrameInterval())
	assert.Equal(t, 10*time.Second, cfg.MeasurementTimeout())
}

func TestFrameInterval_PerTier(t *testing.T) {
	tests := []struct {
		tier string
		want time.Duration
	}{
		{TierHigh, 50 * time.Millisecond},
		{TierMid, 100 * time.Millisecond},
		{TierLow, 200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			cfg := Default()
			cfg.Performance.DeviceTier = tt.tier
			assert.Equal(t, tt.want, cfg.FrameInterval())
		})
	}
}

func TestMerge_PartialOverrideLeavesBaseUntouched(t *testing.T) {
	base := Default()

	merged, err := Merge(base, []byte(`{"ar":{"minConfidenceThreshold":0.8},"recovery":{"maxRecoveryAttempts":5}}`))
	require.NoError(t, err)

	assert.Equal(t, 0.8, merged.AR.MinConfidenceThreshold)
	assert.Equal(t, 5, merged.Recovery.MaxRecoveryAttempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8, merged.AR.MinBodyLandmarksRequired)
	assert.Equal(t, 25.0, merged.Validation.ShoulderWidthCm.AcceptableMin)

	assert.Equal(t, 0.7, base.AR.MinConfidenceThreshold)
	assert.Equal(t, Default(), base)
}

func TestMerge_InvalidJSON(t *testing.T) {
	base := Default()
	got, err := Merge(base, []byte(`{"ar":`))
	require.Error(t, err)
	assert.Equal(t, base, got)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ARConfig)
	}{
		{"threshold above one", func(c *ARConfig) { c.AR.MinConfidenceThreshold = 1.5 }},
		{"zero keypoint scale", func(c *ARConfig) { c.AR.KeypointScale = 0 }},
		{"unknown tier", func(c *ARConfig) { c.Performance.DeviceTier = "ultra" }},
		{"unknown log level", func(c *ARConfig) { c.Logging.Level = "trace" }},
		{"history smaller than window", func(c *ARConfig) { c.Memory.MaxTemporalConsistencyHistory = 3 }},
		{"optimal outside acceptable", func(c *ARConfig) { c.Validation.HeightCm.OptimalMax = 300 }},
		{"inverted band", func(c *ARConfig) { c.Validation.ShoulderWidthCm.AcceptableMax = 10 }},
		{"zero core weights", func(c *ARConfig) {
			c.Weights.Base, c.Weights.Temporal, c.Weights.Realism, c.Weights.Stability = 0, 0, 0, 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Run("applies known keys", func(t *testing.T) {
		cfg, err := ApplyEnv(Default(), mapLookup(map[string]string{
			"AR_MIN_CONFIDENCE_THRESHOLD":      "0.75",
			"AR_FRAME_PROCESSING_INTERVAL_LOW": "250",
			"AR_MAX_RECOVERY_ATTEMPTS":         "4",
			"AR_LOG_LEVEL":                     "DEBUG",
			"AR_ENABLE_SENSITIVE_LOGGING":      "true",
			"AR_DEVICE_TIER":                   "low",
			"AR_KEYPOINT_SCALE":                "0.01",
		}))
		require.NoError(t, err)

		assert.Equal(t, 0.75, cfg.AR.MinConfidenceThreshold)
		assert.Equal(t, 250*time.Millisecond, cfg.FrameInterval())
		assert.Equal(t, 4, cfg.Recovery.MaxRecoveryAttempts)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.EnableSensitiveDataLogging)
		assert.Equal(t, 0.01, cfg.AR.KeypointScale)
		require.NoError(t, cfg.Validate())
	})

	t.Run("empty lookup returns base", func(t *testing.T) {
		cfg, err := ApplyEnv(Default(), mapLookup(nil))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("malformed value names the key", func(t *testing.T) {
		_, err := ApplyEnv(Default(), mapLookup(map[string]string{
			"AR_MAX_RECOVERY_ATTEMPTS": "many",
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AR_MAX_RECOVERY_ATTEMPTS")
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("merges and validates", func(t *testing.T) {
		path := filepath.Join(dir, "ar.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"performance":{"deviceTier":"high"}}`), 0o644))

		cfg, err := LoadFile(Default(), path)
		require.NoError(t, err)
		assert.Equal(t, TierHigh, cfg.Performance.DeviceTier)
	})

	t.Run("invalid result keeps base", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"ar":{"minConfidenceThreshold":3}}`), 0o644))

		cfg, err := LoadFile(Default(), path)
		require.Error(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(Default(), filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})
}
