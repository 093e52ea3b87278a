// Package session implements the AR measurement session state machine.
// A Session owns the platform session handle and the measurement history
// and runs the per-frame pipeline: landmarks, measurement, confidence,
// smoothing, validation and event publication.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/confidence"
	"github.com/fitform/armeasure/internal/config"
	"github.com/fitform/armeasure/internal/landmark"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/fitform/armeasure/internal/smoothing"
	"github.com/fitform/armeasure/internal/validate"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session errors.
var (
	ErrInactive        = errors.New("session is not active")
	ErrInvalidScanType = errors.New("invalid scan type")
	ErrLoopRunning     = errors.New("frame loop already running")
)

// State is a session lifecycle state.
type State string

// Session states.
const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateProcessing State = "processing"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// ScanType names a scan angle.
type ScanType string

// Scan angles.
const (
	ScanFront ScanType = "front"
	ScanSide  ScanType = "side"
)

// ParseScanType validates a scan type name.
func ParseScanType(s string) (ScanType, error) {
	switch ScanType(s) {
	case ScanFront, ScanSide:
		return ScanType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScanType, s)
}

// Scan status values.
const (
	ScanStatusIdle       = "idle"
	ScanStatusInProgress = "in_progress"
	ScanStatusCompleted  = "completed"
)

// Measurement is the current measurement as seen by the application.
type Measurement struct {
	Valid              bool      `json:"valid"`
	ShoulderWidthCm    float64   `json:"shoulderWidthCm"`
	HeightCm           float64   `json:"heightCm"`
	HipWidthCm         float64   `json:"hipWidthCm,omitempty"`
	Confidence         float64   `json:"confidence"`
	Timestamp          time.Time `json:"timestamp"`
	Reason             string    `json:"reason,omitempty"`
	FrontScanCompleted bool      `json:"frontScanCompleted"`
	SideScanCompleted  bool      `json:"sideScanCompleted"`
	ScanStatus         string    `json:"scanStatus"`
}

// SmoothingInfo describes how the reported value was smoothed.
type SmoothingInfo struct {
	Applied  bool             `json:"applied"`
	Method   smoothing.Method `json:"method"`
	Outliers []int            `json:"outliers,omitempty"`
}

// Update is published once per processed frame.
type Update struct {
	Measurement
	Factors   confidence.Factors `json:"factors"`
	Weakest   string             `json:"weakestFactor,omitempty"`
	Quality   string             `json:"quality,omitempty"`
	Rule      validate.Rule      `json:"rule,omitempty"`
	Hint      string             `json:"hint,omitempty"`
	Source    platform.Kind      `json:"source"`
	Smoothing SmoothingInfo      `json:"smoothing"`
	Sequence  uint64             `json:"sequence"`
	SessionID string             `json:"sessionId"`

	// Landmarks are the landmarks the measurement was computed from.
	Landmarks []landmark.Landmark `json:"-"`
}

// Status is a snapshot of the session.
type Status struct {
	IsActive             bool          `json:"isActive"`
	HasValidMeasurements bool          `json:"hasValidMeasurements"`
	BodyCount            int           `json:"bodyCount"`
	RetryCount           int           `json:"retryCount"`
	FrontScanCompleted   bool          `json:"frontScanCompleted"`
	SideScanCompleted    bool          `json:"sideScanCompleted"`
	ScanStatus           string        `json:"scanStatus"`
	State                State         `json:"state"`
	Reason               string        `json:"reason,omitempty"`
	SessionID            string        `json:"sessionId,omitempty"`
	Source               platform.Kind `json:"source,omitempty"`
	StartedAt            *time.Time    `json:"startedAt,omitempty"`
}

// Options configure a Session.
type Options struct {
	// Platform is the primary body-tracking source.
	Platform platform.Platform
	// Fallback is used when Platform is unsupported or loses the body for
	// too long. Optional.
	Fallback platform.Platform
	Config   config.ARConfig
	Logger   logrus.FieldLogger
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Session is the measurement session state machine. All methods are safe
// for concurrent use. Subscribers are called synchronously in frame order
// and must not call Stop.
type Session struct {
	primary  platform.Platform
	fallback platform.Platform
	log      logrus.FieldLogger
	now      func() time.Time

	// proc serializes frame cycles, including event publication.
	proc sync.Mutex

	mu      sync.Mutex
	pending config.ARConfig
	cfg     config.ARConfig
	state   State
	reason  string

	id        string
	startedAt time.Time
	gen       uint64
	seq       uint64

	plat          platform.Platform
	ps            platform.Session
	caps          platform.Capabilities
	primaryPS     platform.Session
	primaryCaps   platform.Capabilities
	usingFallback bool
	noBodyFrames  int

	filter    *smoothing.Filter
	scorer    *confidence.Scorer
	validator *validate.Validator

	front, side bool
	retryCount  int
	bodyCount   int
	hasValid    bool
	current     *Update

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	subMu  sync.RWMutex
	subs   map[int]func(Update)
	nextID int
}

// New creates an idle session.
func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		primary:  opts.Platform,
		fallback: opts.Fallback,
		log:      log.WithField("component", "session"),
		now:      now,
		pending:  opts.Config,
		cfg:      opts.Config,
		state:    StateIdle,
		subs:     make(map[int]func(Update)),
	}
}

// SetConfig stores cfg for the next Start. A running session keeps its
// snapshot.
func (s *Session) SetConfig(cfg config.ARConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = cfg
}

// Config returns the configuration the next Start will use.
func (s *Session) Config() config.ARConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// ActiveConfig returns the snapshot of the running session.
func (s *Session) ActiveConfig() config.ARConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start starts a session. It is a no-op when one is already running.
// When neither the platform nor the fallback can track bodies, Start
// moves to the error state and returns an error wrapping
// platform.ErrUnsupported.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive, StateProcessing, StateStarting:
		return nil
	}

	s.releaseLocked()
	s.state = StateStarting
	s.reason = ""
	s.cfg = s.pending

	plat, avail, err := s.choosePlatform(ctx)
	if err != nil {
		return s.failStartLocked(err)
	}

	ps, caps, err := s.openLocked(ctx, plat, avail)
	if err != nil {
		return s.failStartLocked(err)
	}

	s.gen++
	s.resetLocked()
	s.id = uuid.NewString()
	s.startedAt = s.now()
	s.plat, s.ps, s.caps = plat, ps, caps
	s.primaryPS, s.primaryCaps = nil, platform.Capabilities{}
	s.usingFallback = plat == s.fallback && plat != s.primary
	s.filter = smoothing.NewFilter(smoothing.Options{
		Capacity:         s.cfg.Memory.MaxTemporalConsistencyHistory,
		Window:           s.cfg.Performance.SmoothingWindowSize,
		OutlierThreshold: s.cfg.Performance.OutlierThreshold,
		MinStdDev:        s.cfg.Performance.OutlierMinStdDevCm,
	})
	s.scorer = confidence.NewScorer(s.cfg)
	s.validator = validate.New(s.cfg)
	s.state = StateActive

	s.log.WithFields(logrus.Fields{
		"session":      s.id,
		"source":       plat.Kind(),
		"pause_resume": caps.PauseResume,
		"lighting":     caps.LightEstimation,
	}).Info("measurement session started")
	return nil
}

// choosePlatform probes the primary platform and falls back to the
// pose-estimation platform when the primary cannot track bodies.
func (s *Session) choosePlatform(ctx context.Context) (platform.Platform, platform.Availability, error) {
	var reason string
	if s.primary != nil {
		avail, err := s.primary.CheckAvailability(ctx)
		if err != nil {
			return nil, avail, fmt.Errorf("check %s availability: %w", s.primary.Kind(), err)
		}
		if reason = avail.UnsupportedReason(); reason == "" {
			return s.primary, avail, nil
		}
	} else {
		reason = "no AR platform configured"
	}

	if s.fallback != nil {
		avail, err := s.fallback.CheckAvailability(ctx)
		if err == nil && avail.UnsupportedReason() == "" {
			s.log.WithField("reason", reason).Warn("platform body tracking unavailable, using pose estimation")
			return s.fallback, avail, nil
		}
	}

	return nil, platform.Availability{}, fmt.Errorf("%w: %s", platform.ErrUnsupported, reason)
}

func (s *Session) openLocked(ctx context.Context, plat platform.Platform, avail platform.Availability) (platform.Session, platform.Capabilities, error) {
	ps, err := plat.CreateSession(ctx)
	if err != nil {
		return nil, platform.Capabilities{}, fmt.Errorf("create %s session: %w", plat.Kind(), err)
	}

	caps := platform.Probe(ps, avail)
	err = ps.Configure(ctx, platform.SessionConfig{
		BodyTracking:        caps.BodyTracking,
		LightEstimation:     caps.LightEstimation,
		FrameInterval:       s.cfg.FrameInterval(),
		PlaneDetectionScore: s.cfg.AR.MinPlaneDetectionConfidence,
	})
	if err == nil {
		err = ps.Resume(ctx)
	}
	if err != nil {
		ps.Close()
		return nil, platform.Capabilities{}, fmt.Errorf("configure %s session: %w", plat.Kind(), err)
	}
	return ps, caps, nil
}

func (s *Session) failStartLocked(err error) error {
	s.state = StateError
	s.reason = err.Error()
	s.log.WithError(err).Error("failed to start measurement session")
	return err
}

// Stop ends the session, waits for the frame loop and clears all
// per-session state. Stopping an idle or stopped session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}

	s.gen++
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	err := s.releaseLocked()
	s.resetLocked()
	id := s.id
	s.id = ""
	s.startedAt = time.Time{}
	s.reason = ""
	s.state = StateStopped
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.log.WithField("session", id).Info("measurement session stopped")
	if err != nil {
		return fmt.Errorf("release platform session: %w", err)
	}
	return nil
}

// releaseLocked releases every open platform session.
func (s *Session) releaseLocked() error {
	var errs []error
	if s.ps != nil {
		errs = append(errs, platform.Release(s.ps, s.caps))
	}
	if s.primaryPS != nil {
		errs = append(errs, s.primaryPS.Close())
	}
	s.ps, s.primaryPS, s.plat = nil, nil, nil
	s.caps, s.primaryCaps = platform.Capabilities{}, platform.Capabilities{}
	s.usingFallback = false
	return errors.Join(errs...)
}

// resetLocked clears history, scan flags and counters.
func (s *Session) resetLocked() {
	if s.filter != nil {
		s.filter.Reset()
	}
	s.front, s.side = false, false
	s.retryCount = 0
	s.bodyCount = 0
	s.noBodyFrames = 0
	s.hasValid = false
	s.current = nil
	s.seq = 0
}

// MarkScanCompleted records that a scan angle is done. The flag stays set
// until the session stops.
func (s *Session) MarkScanCompleted(scan ScanType) error {
	if _, err := ParseScanType(string(scan)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked() {
		return ErrInactive
	}
	switch scan {
	case ScanFront:
		s.front = true
	case ScanSide:
		s.side = true
	}
	s.log.WithFields(logrus.Fields{"session": s.id, "scan": scan}).Info("scan completed")
	return nil
}

func (s *Session) activeLocked() bool {
	return s.state == StateActive || s.state == StateProcessing
}

func (s *Session) scanStatusLocked() string {
	switch {
	case !s.activeLocked():
		return ScanStatusIdle
	case s.front && s.side:
		return ScanStatusCompleted
	default:
		return ScanStatusInProgress
	}
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		IsActive:             s.activeLocked(),
		HasValidMeasurements: s.hasValid,
		BodyCount:            s.bodyCount,
		RetryCount:           s.retryCount,
		FrontScanCompleted:   s.front,
		SideScanCompleted:    s.side,
		ScanStatus:           s.scanStatusLocked(),
		State:                s.state,
		Reason:               s.reason,
		SessionID:            s.id,
	}
	if s.plat != nil {
		st.Source = s.plat.Kind()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	return st
}

// Current returns the latest measurement. ok is false when the session is
// not active or no frame has been processed yet.
func (s *Session) Current() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked() || s.current == nil {
		return Update{}, false
	}
	u := *s.current
	u.FrontScanCompleted, u.SideScanCompleted = s.front, s.side
	u.ScanStatus = s.scanStatusLocked()
	return u, true
}

// Generation changes on every start and stop. Work started under one
// generation is stale once it differs.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Subscribe registers fn for every published update and returns a
// function that removes it.
func (s *Session) Subscribe(fn func(Update)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) publish(u Update) {
	s.subMu.RLock()
	fns := make([]func(Update), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
}
