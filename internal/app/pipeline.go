package app

import (
	"context"

	"github.com/fitform/armeasure/internal/session"
	"github.com/sirupsen/logrus"
)

// runBackground starts the submission worker and the update monitor. Both
// stop when stopCh is closed.
//
// The monitor logs validity transitions instead of every frame:
// 1. First valid measurement of a session
// 2. Valid measurement turning invalid, with the reason
// 3. Session id changing, which resets the tracked state
func (a *App) runBackground(stopCh chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-stopCh
		cancel()
	}()

	if a.worker != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.worker.Run(ctx)
		}()
	}

	m := &monitor{log: a.log}
	unsubscribe := a.facade.OnARMeasurementUpdate(m.observe)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		unsubscribe()
	}()
}

// monitor tracks measurement validity per session. observe runs on the
// frame loop, one update at a time.
type monitor struct {
	log       logrus.FieldLogger
	sessionID string
	valid     bool
	seen      bool
}

func (m *monitor) observe(u session.Update) {
	if u.SessionID != m.sessionID {
		m.sessionID = u.SessionID
		m.valid = false
		m.seen = false
	}

	switch {
	case u.Valid && !m.valid:
		m.log.WithFields(logrus.Fields{
			"session":    u.SessionID,
			"confidence": u.Confidence,
			"quality":    u.Quality,
			"source":     u.Source,
		}).Info("measurement is valid")
	case !u.Valid && (m.valid || !m.seen):
		m.log.WithFields(logrus.Fields{
			"session": u.SessionID,
			"reason":  u.Reason,
			"hint":    u.Hint,
		}).Info("measurement is not valid")
	}
	m.valid = u.Valid
	m.seen = true
}
