package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitform/armeasure/internal/confidence"
	"github.com/fitform/armeasure/internal/landmark"
	"github.com/fitform/armeasure/internal/measure"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/fitform/armeasure/internal/validate"
	"github.com/sirupsen/logrus"
)

// Invalid-frame reasons.
const (
	ReasonNoBody       = "no body detected"
	ReasonInsufficient = "insufficient landmarks: shoulders and ankles must be visible"
)

// Run processes frames at the configured device-tier interval until ctx is
// done, the session stops, or the session enters the error state.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrInactive
	}
	if s.loopDone != nil {
		s.mu.Unlock()
		return ErrLoopRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.loopCancel, s.loopDone = cancel, done
	interval := s.cfg.FrameInterval()
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.loopDone == done {
			s.loopCancel, s.loopDone = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.ProcessNext(ctx); err != nil {
			if errors.Is(err, ErrInactive) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessNext runs one frame cycle. Per-frame failures are reported as
// invalid measurements and never returned; only ErrInactive and context
// cancellation escape.
func (s *Session) ProcessNext(ctx context.Context) error {
	s.proc.Lock()
	defer s.proc.Unlock()

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrInactive
	}
	gen := s.gen
	ps := s.ps
	timeout := s.cfg.MeasurementTimeout()
	s.mu.Unlock()

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, timeout)
	frame, frameErr := acquire(fctx, ps)
	cancel()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen || !s.activeLocked() {
		s.mu.Unlock()
		s.log.Debug("dropping frame from a previous session")
		return nil
	}

	s.state = StateProcessing
	u, emit := s.cycleLocked(frame, frameErr)
	if s.state == StateProcessing {
		s.state = StateActive
	}
	perf := s.cfg.Logging.EnablePerformanceLogging
	s.mu.Unlock()

	if perf {
		s.log.WithField("elapsed", time.Since(start)).Debug("frame processed")
	}
	if emit {
		s.publish(u)
	}
	return nil
}

// acquire reads the next frame, converting a panic in the platform
// into an error.
func acquire(ctx context.Context, ps platform.Session) (f platform.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("platform update panic: %v", r)
		}
	}()
	return ps.Update(ctx)
}

// cycleLocked turns one acquired frame into an update. Panics become
// frame failures.
func (s *Session) cycleLocked(frame platform.Frame, frameErr error) (u Update, emit bool) {
	defer func() {
		if r := recover(); r != nil {
			u, emit = s.failLocked(fmt.Errorf("frame processing panic: %v", r))
		}
	}()

	if frameErr != nil {
		return s.failLocked(fmt.Errorf("acquire frame: %w", frameErr))
	}

	set, err := s.extractLocked(frame)
	switch {
	case errors.Is(err, landmark.ErrNoBody):
		s.bodyCount = 0
		return s.skipLocked(frame, ReasonNoBody)
	case err != nil:
		return s.failLocked(fmt.Errorf("extract landmarks: %w", err))
	case !set.Sufficient() || set.TrackedCount() < s.cfg.AR.MinBodyLandmarksRequired:
		return s.skipLocked(frame, ReasonInsufficient)
	}

	s.noBodyFrames = 0
	s.retryCount = 0
	return s.measureLocked(frame, set), true
}

func (s *Session) extractLocked(frame platform.Frame) (landmark.Set, error) {
	threshold := s.cfg.AR.VisibilityThreshold
	if len(frame.Keypoints) > 0 {
		return landmark.FromKeypoints(frame.Keypoints, landmark.KeypointOptions{
			Threshold: threshold,
			Scale:     s.cfg.AR.KeypointScale,
		})
	}
	s.bodyCount = len(frame.Bodies)
	return landmark.Primary(frame.Bodies, s.plat.JointNames(), threshold)
}

// measureLocked runs calculation, scoring, smoothing and validation.
func (s *Session) measureLocked(frame platform.Frame, set landmark.Set) Update {
	if len(frame.Keypoints) > 0 {
		s.bodyCount = 1
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	raw := measure.Compute(set, ts)

	lighting := frame.Lighting
	if !s.caps.LightEstimation {
		lighting = nil
	}
	score := s.scorer.Score(confidence.Input{
		Set:              set,
		Current:          raw,
		History:          s.filter.History(),
		Lighting:         lighting,
		SubjectDistanceM: frame.SubjectDistanceM,
	})

	smoothed := s.filter.Update(raw)

	res := s.validator.Validate(validate.Input{
		ShoulderWidthCm:    smoothed.Value.ShoulderWidthCm,
		HeightCm:           smoothed.Value.HeightCm,
		Confidence:         score.Composite,
		FrontScanCompleted: s.front,
		SideScanCompleted:  s.side,
	})
	if res.Rule == validate.RuleConfidence {
		_, res.Reason = confidence.Assess(score, s.cfg.AR.MinConfidenceThreshold)
	}

	u := s.baseUpdateLocked(ts)
	u.Valid = res.Valid
	u.Reason = res.Reason
	u.Rule = res.Rule
	u.ShoulderWidthCm = smoothed.Value.ShoulderWidthCm
	u.HeightCm = smoothed.Value.HeightCm
	u.HipWidthCm = smoothed.Value.HipWidthCm
	u.Confidence = score.Composite
	u.Factors = score.Factors
	u.Weakest = score.Weakest
	u.Quality = score.Quality
	u.Smoothing = SmoothingInfo{
		Applied:  smoothed.Applied,
		Method:   smoothed.Method,
		Outliers: smoothed.Outliers,
	}
	u.Landmarks = set.Landmarks()
	if frame.SubjectDistanceM != nil {
		u.Hint = confidence.DistanceHint(*frame.SubjectDistanceM)
	}

	if res.Valid {
		s.hasValid = true
	}
	s.current = &u

	entry := s.log.WithFields(logrus.Fields{
		"session":    s.id,
		"seq":        u.Sequence,
		"valid":      u.Valid,
		"confidence": fmt.Sprintf("%.2f", u.Confidence),
	})
	if s.cfg.Logging.EnableSensitiveDataLogging {
		entry = entry.WithFields(logrus.Fields{
			"shoulder_cm": u.ShoulderWidthCm,
			"height_cm":   u.HeightCm,
			"landmarks":   u.Landmarks,
		})
	}
	if u.Valid {
		entry.Debug("measurement accepted")
	} else {
		entry.WithField("reason", u.Reason).Debug("measurement rejected")
	}

	return u
}

// skipLocked reports a frame without a usable body. It may switch the
// session over to the fallback source.
func (s *Session) skipLocked(frame platform.Frame, reason string) (Update, bool) {
	s.retryCount = 0
	if !s.usingFallback {
		s.noBodyFrames++
		if s.fallback != nil && s.noBodyFrames >= s.cfg.AR.FallbackAfterFrames {
			s.switchToFallbackLocked()
		}
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	u := s.baseUpdateLocked(ts)
	u.Reason = reason
	s.current = &u
	return u, true
}

// failLocked counts a failed frame. Past the recovery budget the session
// enters the error state and publishes nothing.
func (s *Session) failLocked(err error) (Update, bool) {
	s.retryCount++
	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"session": s.id,
		"retry":   s.retryCount,
	})

	if s.retryCount > s.cfg.Recovery.MaxRecoveryAttempts {
		s.state = StateError
		s.reason = fmt.Sprintf("recovery attempts exhausted: %v", err)
		entry.Error("frame processing failed, session halted")
		return Update{}, false
	}

	entry.Warn("frame processing failed")
	u := s.baseUpdateLocked(s.now())
	u.Reason = err.Error()
	s.current = &u
	return u, true
}

// baseUpdateLocked returns an invalid update carrying session fields.
func (s *Session) baseUpdateLocked(ts time.Time) Update {
	s.seq++
	u := Update{
		Measurement: Measurement{
			Timestamp:          ts,
			FrontScanCompleted: s.front,
			SideScanCompleted:  s.side,
			ScanStatus:         s.scanStatusLocked(),
		},
		Sequence:  s.seq,
		SessionID: s.id,
	}
	if s.plat != nil {
		u.Source = s.plat.Kind()
	}
	return u
}

// switchToFallbackLocked moves frame acquisition to the fallback platform.
// The primary session is paused when possible and kept until Stop.
func (s *Session) switchToFallbackLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MeasurementTimeout())
	defer cancel()

	entry := s.log.WithFields(logrus.Fields{
		"session": s.id,
		"frames":  s.noBodyFrames,
	})

	avail, err := s.fallback.CheckAvailability(ctx)
	if err == nil && avail.UnsupportedReason() != "" {
		err = errors.New(avail.UnsupportedReason())
	}
	var (
		ps   platform.Session
		caps platform.Capabilities
	)
	if err == nil {
		ps, caps, err = s.openLocked(ctx, s.fallback, avail)
	}
	if err != nil {
		entry.WithError(err).Warn("pose estimation fallback unavailable")
		s.noBodyFrames = 0
		return
	}

	if s.caps.PauseResume {
		if p, ok := s.ps.(platform.Pauser); ok {
			if err := p.Pause(); err != nil {
				entry.WithError(err).Warn("failed to pause platform session")
			}
		}
	}

	s.primaryPS, s.primaryCaps = s.ps, s.caps
	s.ps, s.caps, s.plat = ps, caps, s.fallback
	s.usingFallback = true
	entry.Info("switched to pose estimation fallback")
}
