// Package facade is the application-facing surface of the measurement
// core. It drives the session frame loop and persists sessions and
// finalized measurements, then queues them for backend submission.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/config"
	"github.com/fitform/armeasure/internal/session"
	"github.com/fitform/armeasure/internal/store"
	"github.com/fitform/armeasure/internal/submit"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Facade errors.
var (
	ErrSessionInactive    = session.ErrInactive
	ErrNoMeasurements     = errors.New("no measurements available")
	ErrInvalidMeasurement = errors.New("current measurement is not valid")
)

// Options configure a Facade.
type Options struct {
	Session *session.Session
	Store   *store.Store
	// Worker queues backend submissions. Without one, measurements are
	// only stored locally.
	Worker *submit.Worker
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Facade exposes session control, measurement retrieval and submission.
type Facade struct {
	session *session.Session
	store   *store.Store
	worker  *submit.Worker
	log     logrus.FieldLogger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Facade. Close releases the frame loop.
func New(opts Options) *Facade {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Facade{
		session: opts.Session,
		store:   opts.Store,
		worker:  opts.Worker,
		log:     log.WithField("component", "facade"),
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartSession starts a measurement session and its frame loop. Starting
// an active session succeeds without side effects.
func (f *Facade) StartSession(ctx context.Context) (bool, error) {
	if f.session.Status().IsActive {
		return true, nil
	}
	if err := f.session.Start(ctx); err != nil {
		return false, err
	}

	st := f.session.Status()
	if st.SessionID != "" && st.StartedAt != nil {
		rec := &store.SessionRecord{
			ID:        st.SessionID,
			Source:    string(st.Source),
			StartedAt: *st.StartedAt,
		}
		if err := f.store.Sessions().Create(rec); err != nil {
			f.log.WithError(err).Warn("failed to persist session")
		}
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		err := f.session.Run(f.ctx)
		if err != nil && !errors.Is(err, session.ErrLoopRunning) && !errors.Is(err, session.ErrInactive) {
			f.log.WithError(err).Error("frame loop stopped")
		}
	}()
	return true, nil
}

// StopSession stops the session. Stopping twice succeeds both times.
func (f *Facade) StopSession() (bool, error) {
	before := f.session.Status()
	if err := f.session.Stop(); err != nil {
		f.log.WithError(err).Warn("platform session release failed")
	}

	if before.SessionID != "" {
		endState := string(session.StateStopped)
		if before.State == session.StateError {
			endState = string(session.StateError)
		}
		err := f.store.Sessions().End(before.SessionID, endState, f.now())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			f.log.WithError(err).Warn("failed to persist session end")
		}
	}
	return true, nil
}

// GetMeasurements returns the latest measurement of the active session.
func (f *Facade) GetMeasurements() (session.Measurement, error) {
	if !f.session.Status().IsActive {
		return session.Measurement{}, ErrSessionInactive
	}
	u, ok := f.session.Current()
	if !ok {
		return session.Measurement{}, ErrNoMeasurements
	}
	return u.Measurement, nil
}

// GetSessionStatus returns a snapshot of the session.
func (f *Facade) GetSessionStatus() session.Status {
	return f.session.Status()
}

// MarkScanCompleted records a completed scan angle, "front" or "side".
func (f *Facade) MarkScanCompleted(scanType string) (bool, error) {
	scan, err := session.ParseScanType(scanType)
	if err != nil {
		return false, err
	}
	if err := f.session.MarkScanCompleted(scan); err != nil {
		return false, err
	}

	st := f.session.Status()
	if err := f.store.Sessions().UpdateScans(st.SessionID, st.FrontScanCompleted, st.SideScanCompleted); err != nil {
		f.log.WithError(err).Warn("failed to persist scan flags")
	}
	return true, nil
}

// LoadConfiguration merges a partial JSON configuration onto the current
// one, validates it and stores it. A running session keeps its snapshot;
// the new configuration applies from the next StartSession.
func (f *Facade) LoadConfiguration(patch []byte) (bool, error) {
	cfg, err := config.Merge(f.session.Config(), patch)
	if err != nil {
		return false, err
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	f.session.SetConfig(cfg)

	data, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("encode configuration: %w", err)
	}
	if err := f.store.Settings().Set(store.SettingARConfig, string(data)); err != nil {
		f.log.WithError(err).Warn("failed to persist configuration")
	}

	f.log.WithField("deferred", f.session.Status().IsActive).Info("configuration loaded")
	return true, nil
}

// OnARMeasurementUpdate registers fn for every processed frame and returns
// a function that removes it. fn runs on the frame loop and must not block
// or stop the session.
func (f *Facade) OnARMeasurementUpdate(fn func(session.Update)) func() {
	return f.session.Subscribe(fn)
}

// SubmitMeasurements stores the current measurement and queues it for the
// backend. Only a valid measurement is accepted. It returns the ID of the
// stored measurement.
func (f *Facade) SubmitMeasurements(notes string) (string, error) {
	gen := f.session.Generation()
	if !f.session.Status().IsActive {
		return "", ErrSessionInactive
	}
	u, ok := f.session.Current()
	if !ok {
		return "", ErrNoMeasurements
	}
	if f.session.Generation() != gen {
		return "", ErrSessionInactive
	}
	if !u.Valid {
		return "", fmt.Errorf("%w: %s", ErrInvalidMeasurement, u.Reason)
	}

	landmarks, err := json.Marshal(submit.EncodeLandmarks(u.Landmarks))
	if err != nil {
		return "", fmt.Errorf("encode landmarks: %w", err)
	}

	rec := &store.MeasurementRecord{
		ID:              uuid.NewString(),
		SessionID:       u.SessionID,
		ShoulderWidthCm: u.ShoulderWidthCm,
		HeightCm:        u.HeightCm,
		HipWidthCm:      u.HipWidthCm,
		Confidence:      u.Confidence,
		Quality:         u.Quality,
		Source:          string(u.Source),
		Landmarks:       landmarks,
		Notes:           notes,
		MeasuredAt:      u.Timestamp,
	}
	if err := f.store.Measurements().Create(rec); err != nil {
		return "", fmt.Errorf("store measurement: %w", err)
	}

	log := f.log.WithFields(logrus.Fields{"measurement": rec.ID, "session": rec.SessionID})
	if f.worker == nil {
		log.Info("measurement stored")
		return rec.ID, nil
	}

	sub := &store.Submission{
		ID:            uuid.NewString(),
		MeasurementID: rec.ID,
		Generation:    gen,
	}
	if err := f.store.Submissions().Create(sub); err != nil {
		return "", fmt.Errorf("store submission: %w", err)
	}
	if err := f.worker.Enqueue(submit.Job{SubmissionID: sub.ID, Generation: gen}); err != nil {
		log.WithError(err).Warn("submission left pending")
	}

	log.Info("measurement queued for submission")
	return rec.ID, nil
}

// History lists stored measurements, newest first. An empty sessionID
// lists every session.
func (f *Facade) History(sessionID string, limit int) ([]*store.MeasurementRecord, error) {
	return f.store.Measurements().List(sessionID, limit)
}

// Submissions lists outbox entries with the given status.
func (f *Facade) Submissions(status store.SubmissionStatus) ([]*store.Submission, error) {
	return f.store.Submissions().ListByStatus(status)
}

// Close stops the session and waits for the frame loop.
func (f *Facade) Close() error {
	_, err := f.StopSession()
	f.cancel()
	f.wg.Wait()
	return err
}
