package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fitform/armeasure/internal/capture"
	"github.com/fitform/armeasure/internal/detector"
	"github.com/fitform/armeasure/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func newTestML(t *testing.T) (*ML, *capture.MockCamera, *detector.MockEstimator) {
	t.Helper()

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), 48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })

	cam := capture.NewMockCamera([]*gocv.Mat{&frame}, true)
	est := detector.NewMockEstimator()
	est.SetPose(detector.StandingPoseKeypoints())

	return NewML(cam, est, "model.tflite", logging.Discard()), cam, est
}

func TestML_Availability(t *testing.T) {
	ml, _, _ := newTestML(t)

	avail, err := ml.CheckAvailability(context.Background())
	require.NoError(t, err)
	assert.Empty(t, avail.UnsupportedReason())

	bare := NewML(nil, nil, "", logging.Discard())
	avail, err = bare.CheckAvailability(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, avail.UnsupportedReason())

	_, err = bare.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestML_Update(t *testing.T) {
	ctx := context.Background()
	ml, cam, est := newTestML(t)

	s, err := ml.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Configure(ctx, SessionConfig{LightEstimation: true, FrameInterval: 100 * time.Millisecond}))
	require.NoError(t, s.Resume(ctx))
	assert.True(t, cam.IsOpen())

	f, err := s.Update(ctx)
	require.NoError(t, err)
	assert.Len(t, f.Keypoints, 17)
	require.NotNil(t, f.Lighting)
	assert.InDelta(t, 1.0, *f.Lighting, 1e-9)
	assert.Equal(t, 1, est.Calls())

	require.NoError(t, s.Close())
	assert.False(t, cam.IsOpen())

	_, err = s.Update(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestML_UpdateErrors(t *testing.T) {
	ctx := context.Background()
	ml, cam, est := newTestML(t)

	s, err := ml.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Configure(ctx, SessionConfig{}))
	require.NoError(t, s.Resume(ctx))
	defer s.Close()

	est.SetError(errors.New("inference failed"))
	_, err = s.Update(ctx)
	assert.ErrorContains(t, err, "inference failed")

	est.SetError(nil)
	cam.SetError(capture.ErrEmptyFrame)
	_, err = s.Update(ctx)
	assert.ErrorIs(t, err, capture.ErrEmptyFrame)
}

func TestML_ConfigureFailsWithoutModel(t *testing.T) {
	ctx := context.Background()
	ml, _, est := newTestML(t)
	est.SetInitError(errors.New("model missing"))

	s, err := ml.CreateSession(ctx)
	require.NoError(t, err)
	assert.ErrorContains(t, s.Configure(ctx, SessionConfig{}), "model missing")
}
