package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fitform/armeasure/internal/config"
	"github.com/fitform/armeasure/internal/detector"
	"github.com/fitform/armeasure/internal/landmark"
	"github.com/fitform/armeasure/internal/logging"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errGlitch = errors.New("camera frame read failed")

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func newTestSession(t *testing.T, primary, fallback platform.Platform, cfg config.ARConfig) (*Session, *recorder) {
	t.Helper()

	s := New(Options{
		Platform: primary,
		Fallback: fallback,
		Config:   cfg,
		Logger:   logging.Discard(),
	})
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.record)
	t.Cleanup(func() {
		unsubscribe()
		s.Stop()
	})
	return s, rec
}

func standingFrame() platform.Frame {
	return platform.BodyFrame(platform.StandingBody(), 0.9)
}

func TestStart_ConfiguresPlatform(t *testing.T) {
	m := platform.NewMock()
	s, _ := newTestSession(t, m, nil, config.Default())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "start while active is a no-op")

	require.Len(t, m.Sessions(), 1)
	configured, resumed, _, _, _ := m.Sessions()[0].Counts()
	assert.Equal(t, 1, configured)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, config.Default().FrameInterval(), m.Sessions()[0].Config.FrameInterval)

	st := s.Status()
	assert.True(t, st.IsActive)
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, ScanStatusInProgress, st.ScanStatus)
	assert.NotEmpty(t, st.SessionID)
	assert.NotNil(t, st.StartedAt)
	assert.Equal(t, platform.KindMock, st.Source)
}

func TestStart_Unsupported(t *testing.T) {
	m := platform.NewMock()
	m.SetAvailability(platform.Availability{Supported: true}, nil)
	s, _ := newTestSession(t, m, nil, config.Default())

	err := s.Start(context.Background())
	require.ErrorIs(t, err, platform.ErrUnsupported)
	assert.Contains(t, err.Error(), "body tracking is not supported")

	st := s.Status()
	assert.Equal(t, StateError, st.State)
	assert.False(t, st.IsActive)
	assert.Contains(t, st.Reason, "body tracking")
	assert.Empty(t, m.Sessions())
}

func TestStart_FallbackOnly(t *testing.T) {
	primary := platform.NewMock()
	primary.SetAvailability(platform.Availability{}, nil)
	fallback := platform.NewMock()
	fallback.SetKind(platform.KindML)

	s, _ := newTestSession(t, primary, fallback, config.Default())
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, platform.KindML, s.Status().Source)
	assert.Empty(t, primary.Sessions())
	assert.Len(t, fallback.Sessions(), 1)
}

func TestStart_ConfigureFailure(t *testing.T) {
	m := platform.NewMock()
	m.SetCreateError(errors.New("camera permission denied"))
	s, _ := newTestSession(t, m, nil, config.Default())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera permission denied")
	assert.Equal(t, StateError, s.Status().State)

	m.SetCreateError(nil)
	require.NoError(t, s.Start(context.Background()), "restart from error")
	assert.Equal(t, StateActive, s.Status().State)
}

func TestProcessNext_ValidMeasurement(t *testing.T) {
	ctx := context.Background()
	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: standingFrame()})
	s, rec := newTestSession(t, m, nil, config.Default())

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))

	updates := rec.all()
	require.Len(t, updates, 1)
	u := updates[0]
	assert.True(t, u.Valid, u.Reason)
	assert.InDelta(t, 40.0, u.ShoulderWidthCm, 1e-9)
	assert.InDelta(t, 170.0, u.HeightCm, 1e-9)
	assert.InDelta(t, 30.0, u.HipWidthCm, 1e-9)
	assert.Greater(t, u.Confidence, 0.9)
	assert.Equal(t, uint64(1), u.Sequence)
	assert.Equal(t, platform.KindMock, u.Source)
	assert.False(t, u.Smoothing.Applied)
	assert.NotEmpty(t, u.Landmarks)

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, u.Sequence, cur.Sequence)

	st := s.Status()
	assert.True(t, st.HasValidMeasurements)
	assert.Equal(t, 1, st.BodyCount)
}

func TestProcessNext_SmoothsAfterWindow(t *testing.T) {
	ctx := context.Background()
	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: standingFrame()})
	s, rec := newTestSession(t, m, nil, config.Default())

	require.NoError(t, s.Start(ctx))
	for i := 0; i < 6; i++ {
		require.NoError(t, s.ProcessNext(ctx))
	}

	updates := rec.all()
	require.Len(t, updates, 6)
	for i, u := range updates {
		assert.Equal(t, uint64(i+1), u.Sequence, "events in frame order")
	}
	last := updates[5]
	assert.True(t, last.Smoothing.Applied)
	assert.InDelta(t, 40.0, last.ShoulderWidthCm, 1e-9)
	assert.True(t, last.Valid)
}

func TestProcessNext_NoBodyIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	m := platform.NewMock()
	m.Queue(platform.Step{Err: errGlitch})
	m.SetDefault(platform.Step{Frame: platform.Frame{}})
	s, rec := newTestSession(t, m, nil, config.Default())

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))
	assert.Equal(t, 1, s.Status().RetryCount)

	require.NoError(t, s.ProcessNext(ctx))
	updates := rec.all()
	require.Len(t, updates, 2)
	assert.False(t, updates[1].Valid)
	assert.Equal(t, ReasonNoBody, updates[1].Reason)
	assert.Equal(t, 0, s.Status().RetryCount)
	assert.Equal(t, StateActive, s.Status().State)
}

func TestProcessNext_InsufficientLandmarks(t *testing.T) {
	ctx := context.Background()
	body := platform.StandingBody()
	delete(body, landmark.LeftAnkle)
	delete(body, landmark.RightAnkle)

	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: platform.BodyFrame(body, 0.9)})
	s, rec := newTestSession(t, m, nil, config.Default())

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))

	updates := rec.all()
	require.Len(t, updates, 1)
	assert.False(t, updates[0].Valid)
	assert.Equal(t, ReasonInsufficient, updates[0].Reason)
}

func TestProcessNext_LowConfidenceNamesWeakestFactor(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.AR.MinConfidenceThreshold = 0.9

	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: platform.BodyFrame(platform.StandingBody(), 0.55)})
	s, rec := newTestSession(t, m, nil, cfg)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))

	u := rec.all()[0]
	assert.False(t, u.Valid)
	assert.Contains(t, u.Reason, "confidence")
	assert.Contains(t, u.Reason, "weakest factor: base")
}

// Every frame fails and the recovery budget is three.
func TestProcessNext_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Recovery.MaxRecoveryAttempts = 3

	m := platform.NewMock()
	m.SetDefault(platform.Step{Err: errGlitch})
	s, rec := newTestSession(t, m, nil, cfg)

	require.NoError(t, s.Start(ctx))

	var inactive int
	for i := 0; i < 10; i++ {
		err := s.ProcessNext(ctx)
		if errors.Is(err, ErrInactive) {
			inactive++
			continue
		}
		require.NoError(t, err)
	}

	assert.Equal(t, 6, inactive, "frames after the 4th failure are ignored")
	updates := rec.all()
	require.Len(t, updates, 3)
	for _, u := range updates {
		assert.False(t, u.Valid)
		assert.Contains(t, u.Reason, errGlitch.Error())
	}

	st := s.Status()
	assert.Equal(t, StateError, st.State)
	assert.False(t, st.IsActive)
	assert.Equal(t, 4, st.RetryCount)
	assert.Contains(t, st.Reason, "recovery attempts exhausted")

	_, ok := s.Current()
	assert.False(t, ok)
}

func TestProcessNext_RecoversFromPanic(t *testing.T) {
	ctx := context.Background()
	s, rec := newTestSession(t, panicPlatform{platform.NewMock()}, nil, config.Default())

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))

	updates := rec.all()
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].Reason, "panic")
	assert.Equal(t, 1, s.Status().RetryCount)
}

func TestProcessNext_Inactive(t *testing.T) {
	s, _ := newTestSession(t, platform.NewMock(), nil, config.Default())
	assert.ErrorIs(t, s.ProcessNext(context.Background()), ErrInactive)
}

func TestProcessNext_DropsStaleFrame(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := &gatedPlatform{Mock: platform.NewMock(), gate: gate, entered: entered}
	s, rec := newTestSession(t, p, nil, config.Default())

	require.NoError(t, s.Start(ctx))
	gen := s.Generation()

	done := make(chan error, 1)
	go func() { done <- s.ProcessNext(ctx) }()
	<-entered

	require.NoError(t, s.Stop())
	assert.NotEqual(t, gen, s.Generation())
	close(gate)

	require.NoError(t, <-done)
	assert.Empty(t, rec.all())
	assert.Equal(t, StateStopped, s.Status().State)
}

// Scan completion survives failed frames until the session stops.
func TestMarkScanCompleted_OneWay(t *testing.T) {
	ctx := context.Background()
	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: platform.Frame{}})
	s, rec := newTestSession(t, m, nil, config.Default())

	assert.ErrorIs(t, s.MarkScanCompleted(ScanFront), ErrInactive)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.MarkScanCompleted(ScanFront))
	assert.ErrorIs(t, s.MarkScanCompleted("back"), ErrInvalidScanType)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.ProcessNext(ctx))
	}
	for _, u := range rec.all() {
		assert.True(t, u.FrontScanCompleted)
		assert.False(t, u.SideScanCompleted)
	}
	assert.True(t, s.Status().FrontScanCompleted)

	require.NoError(t, s.MarkScanCompleted(ScanSide))
	assert.Equal(t, ScanStatusCompleted, s.Status().ScanStatus)

	require.NoError(t, s.Stop())
	st := s.Status()
	assert.False(t, st.FrontScanCompleted)
	assert.False(t, st.SideScanCompleted)
	assert.Equal(t, ScanStatusIdle, st.ScanStatus)
}

// A second stop is a no-op.
func TestStop_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: standingFrame()})
	s, _ := newTestSession(t, m, nil, config.Default())

	require.NoError(t, s.Stop(), "stop before start")

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.MarkScanCompleted(ScanFront))
	require.NoError(t, s.ProcessNext(ctx))

	require.NoError(t, s.Stop())
	first := s.Status()
	require.NoError(t, s.Stop())
	second := s.Status()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("status changed after second stop (-first +second):\n%s", diff)
	}
	assert.Equal(t, Status{State: StateStopped, ScanStatus: ScanStatusIdle}, first)

	_, _, paused, closed, _ := m.Sessions()[0].Counts()
	assert.Equal(t, 1, paused)
	assert.Equal(t, 1, closed)
}

func TestStop_RestartStartsFresh(t *testing.T) {
	ctx := context.Background()
	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: standingFrame()})
	s, rec := newTestSession(t, m, nil, config.Default())

	require.NoError(t, s.Start(ctx))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.ProcessNext(ctx))
	}
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(ctx))
	_, ok := s.Current()
	assert.False(t, ok)

	require.NoError(t, s.ProcessNext(ctx))
	updates := rec.all()
	last := updates[len(updates)-1]
	assert.Equal(t, uint64(1), last.Sequence)
	assert.False(t, last.Smoothing.Applied, "history was cleared")
}

func TestFallback_SwitchesAfterSustainedLoss(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.AR.FallbackAfterFrames = 3

	primary := platform.NewMock()
	primary.SetDefault(platform.Step{Frame: platform.Frame{}})
	fallback := platform.NewMock()
	fallback.SetKind(platform.KindML)
	fallback.SetDefault(platform.Step{Frame: standingFrame()})

	s, rec := newTestSession(t, primary, fallback, cfg)
	require.NoError(t, s.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.ProcessNext(ctx))
	}
	assert.Equal(t, StateActive, s.Status().State)
	assert.Equal(t, platform.KindML, s.Status().Source)
	require.Len(t, fallback.Sessions(), 1)

	require.NoError(t, s.ProcessNext(ctx))
	updates := rec.all()
	last := updates[len(updates)-1]
	assert.True(t, last.Valid, last.Reason)
	assert.Equal(t, platform.KindML, last.Source)

	_, _, paused, closed, _ := primary.Sessions()[0].Counts()
	assert.Equal(t, 1, paused)
	assert.Equal(t, 0, closed)

	require.NoError(t, s.Stop())
	_, _, _, closed, _ = primary.Sessions()[0].Counts()
	assert.Equal(t, 1, closed)
	_, _, _, closed, _ = fallback.Sessions()[0].Counts()
	assert.Equal(t, 1, closed)
}

func TestFallback_PoseEstimationKeypoints(t *testing.T) {
	ctx := context.Background()
	primary := platform.NewMock()
	primary.SetAvailability(platform.Availability{}, nil)
	fallback := platform.NewMock()
	fallback.SetKind(platform.KindML)
	fallback.SetDefault(platform.Step{Frame: platform.Frame{Keypoints: detector.StandingPoseKeypoints()}})

	s, rec := newTestSession(t, primary, fallback, config.Default())
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))

	u := rec.all()[0]
	assert.True(t, u.Valid, u.Reason)
	assert.InDelta(t, 40.0, u.ShoulderWidthCm, 1e-9)
	assert.InDelta(t, 165.0, u.HeightCm, 1e-9)
}

func TestFallback_KeypointScale(t *testing.T) {
	ctx := context.Background()

	// The service reports half-meter units.
	kps := detector.StandingPoseKeypoints()
	for i := range kps {
		kps[i][0] /= 2
		kps[i][1] /= 2
	}
	plat := platform.NewMock()
	plat.SetKind(platform.KindML)
	plat.SetDefault(platform.Step{Frame: platform.Frame{Keypoints: kps}})

	cfg := config.Default()
	cfg.AR.KeypointScale = 2
	s, rec := newTestSession(t, plat, nil, cfg)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))

	u := rec.all()[0]
	assert.True(t, u.Valid, u.Reason)
	assert.InDelta(t, 40.0, u.ShoulderWidthCm, 1e-9)
	assert.InDelta(t, 165.0, u.HeightCm, 1e-9)
}

func TestSetConfig_AppliesOnNextStart(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, platform.NewMock(), nil, config.Default())
	require.NoError(t, s.Start(ctx))

	cfg := config.Default()
	cfg.AR.MinConfidenceThreshold = 0.95
	s.SetConfig(cfg)

	assert.Equal(t, 0.7, s.ActiveConfig().AR.MinConfidenceThreshold)
	assert.Equal(t, 0.95, s.Config().AR.MinConfidenceThreshold)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 0.95, s.ActiveConfig().AR.MinConfidenceThreshold)
}

func TestRun_StopsWithSession(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Performance.DeviceTier = config.TierHigh
	cfg.Performance.FrameProcessingInterval.HighEnd = 16

	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: standingFrame()})
	s, rec := newTestSession(t, m, nil, cfg)
	require.NoError(t, s.Start(ctx))

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.all()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Run(ctx), ErrLoopRunning)

	require.NoError(t, s.Stop())
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	n := len(rec.all())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(rec.all()), "no events after stop")
}

func TestRun_EndsOnErrorState(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Performance.DeviceTier = config.TierHigh
	cfg.Performance.FrameProcessingInterval.HighEnd = 16

	m := platform.NewMock()
	m.SetDefault(platform.Step{Err: errGlitch})
	s, _ := newTestSession(t, m, nil, cfg)
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, StateError, s.Status().State)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	m := platform.NewMock()
	m.SetDefault(platform.Step{Frame: standingFrame()})
	s, _ := newTestSession(t, m, nil, config.Default())

	var got int
	unsubscribe := s.Subscribe(func(Update) { got++ })

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.ProcessNext(ctx))
	unsubscribe()
	unsubscribe()
	require.NoError(t, s.ProcessNext(ctx))

	assert.Equal(t, 1, got)
}

func TestParseScanType(t *testing.T) {
	st, err := ParseScanType("side")
	require.NoError(t, err)
	assert.Equal(t, ScanSide, st)

	_, err = ParseScanType("")
	assert.ErrorIs(t, err, ErrInvalidScanType)
}

// panicPlatform creates sessions whose Update panics.
type panicPlatform struct {
	*platform.Mock
}

func (p panicPlatform) CreateSession(ctx context.Context) (platform.Session, error) {
	s, err := p.Mock.CreateSession(ctx)
	return panicSession{s}, err
}

type panicSession struct {
	platform.Session
}

func (panicSession) Update(context.Context) (platform.Frame, error) {
	panic("native bridge crashed")
}

// gatedPlatform creates sessions whose Update waits for gate.
type gatedPlatform struct {
	*platform.Mock
	gate    chan struct{}
	entered chan struct{}
}

func (p *gatedPlatform) CreateSession(ctx context.Context) (platform.Session, error) {
	s, err := p.Mock.CreateSession(ctx)
	return gatedSession{Session: s, gate: p.gate, entered: p.entered}, err
}

type gatedSession struct {
	platform.Session
	gate    chan struct{}
	entered chan struct{}
}

func (g gatedSession) Update(ctx context.Context) (platform.Frame, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
		return standingFrame(), nil
	case <-ctx.Done():
		return platform.Frame{}, ctx.Err()
	}
}
