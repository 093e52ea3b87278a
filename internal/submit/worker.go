package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitform/armeasure/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Enqueue when the worker is saturated. The
// submission stays pending in the store and is picked up on restart.
var ErrQueueFull = errors.New("submission queue full")

// Defaults for Options.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
	DefaultQueueSize   = 64
)

// Sender delivers one record to the backend.
type Sender interface {
	Submit(ctx context.Context, rec Record) (string, error)
}

// Job references a pending submission. Generation is the session
// generation the measurement belongs to; zero means unbound.
type Job struct {
	SubmissionID string
	Generation   uint64
}

// Options configure a Worker.
type Options struct {
	Store  *store.Store
	Sender Sender
	// Generation reports the current session generation. Jobs bound to a
	// different generation are discarded. Optional.
	Generation  func() uint64
	MaxAttempts int
	Backoff     time.Duration
	QueueSize   int
	Logger      logrus.FieldLogger
}

// Worker sends queued submissions one at a time.
type Worker struct {
	submissions  *store.SubmissionRepository
	measurements *store.MeasurementRepository
	sender       Sender
	generation   func() uint64
	maxAttempts  int
	backoff      time.Duration
	log          logrus.FieldLogger

	queue chan Job
}

// NewWorker creates a worker. Call Run to start processing.
func NewWorker(opts Options) *Worker {
	w := &Worker{
		submissions:  opts.Store.Submissions(),
		measurements: opts.Store.Measurements(),
		sender:       opts.Sender,
		generation:   opts.Generation,
		maxAttempts:  opts.MaxAttempts,
		backoff:      opts.Backoff,
		log:          opts.Logger,
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = DefaultMaxAttempts
	}
	if w.backoff <= 0 {
		w.backoff = DefaultBackoff
	}
	if w.log == nil {
		w.log = logrus.StandardLogger()
	}
	w.log = w.log.WithField("component", "submit")

	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	w.queue = make(chan Job, size)
	return w
}

// Enqueue schedules a pending submission without blocking.
func (w *Worker) Enqueue(job Job) error {
	select {
	case w.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run resumes submissions left pending by a previous process and then
// processes queued jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.resumePending(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-w.queue:
			w.process(ctx, job)
		}
	}
}

// resumePending sends submissions that were never finished. They belong
// to an earlier process, so they are not bound to a session generation.
func (w *Worker) resumePending(ctx context.Context) {
	pending, err := w.submissions.ListByStatus(store.SubmissionPending)
	if err != nil {
		w.log.WithError(err).Error("failed to list pending submissions")
		return
	}
	if len(pending) > 0 {
		w.log.WithField("count", len(pending)).Info("resuming pending submissions")
	}
	for _, sub := range pending {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, Job{SubmissionID: sub.ID})
	}
}

func (w *Worker) stale(job Job) bool {
	return job.Generation != 0 && w.generation != nil && w.generation() != job.Generation
}

// process sends one submission, retrying transient failures with linear
// backoff, and records the outcome.
func (w *Worker) process(ctx context.Context, job Job) {
	log := w.log.WithField("submission", job.SubmissionID)

	sub, err := w.submissions.GetByID(job.SubmissionID)
	if err != nil {
		log.WithError(err).Error("failed to load submission")
		return
	}
	if sub.Status != store.SubmissionPending {
		return
	}

	if w.stale(job) {
		w.finish(log, sub.ID, store.SubmissionDiscarded, "")
		log.Info("session reset before submission, discarded")
		return
	}

	m, err := w.measurements.GetByID(sub.MeasurementID)
	if err != nil {
		w.fail(log, sub.ID, fmt.Errorf("load measurement: %w", err))
		return
	}
	rec, err := RecordFromMeasurement(m)
	if err != nil {
		w.fail(log, sub.ID, err)
		return
	}

	for attempt := sub.Attempts + 1; attempt <= w.maxAttempts; attempt++ {
		remoteID, err := w.sender.Submit(ctx, rec)
		if ctx.Err() != nil {
			// Shutdown: leave the submission pending for the next run.
			return
		}

		if err == nil {
			if w.stale(job) {
				w.finish(log, sub.ID, store.SubmissionDiscarded, remoteID)
				log.WithField("remote_id", remoteID).Info("session reset during submission, result discarded")
				return
			}
			w.finish(log, sub.ID, store.SubmissionSent, remoteID)
			log.WithFields(logrus.Fields{
				"remote_id": remoteID,
				"attempt":   attempt,
			}).Info("measurement submitted")
			return
		}

		if rerr := w.submissions.RecordAttempt(sub.ID, err); rerr != nil {
			log.WithError(rerr).Error("failed to record submission attempt")
		}
		log.WithError(err).WithField("attempt", attempt).Warn("submission attempt failed")

		if !Retryable(err) || attempt == w.maxAttempts {
			w.finish(log, sub.ID, store.SubmissionFailed, "")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * w.backoff):
		}
	}

	// Attempts were already exhausted by an earlier process.
	w.finish(log, sub.ID, store.SubmissionFailed, "")
}

func (w *Worker) fail(log logrus.FieldLogger, id string, err error) {
	log.WithError(err).Error("submission failed")
	if rerr := w.submissions.RecordAttempt(id, err); rerr != nil {
		log.WithError(rerr).Error("failed to record submission attempt")
	}
	w.finish(log, id, store.SubmissionFailed, "")
}

func (w *Worker) finish(log logrus.FieldLogger, id string, status store.SubmissionStatus, remoteID string) {
	if err := w.submissions.Finish(id, status, remoteID); err != nil {
		log.WithError(err).WithField("status", status).Error("failed to update submission")
	}
}
