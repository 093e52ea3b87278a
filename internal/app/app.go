// Package app wires the measurement service: storage, body-tracking
// sources, the session state machine, backend submission and the HTTP
// surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/capture"
	"github.com/fitform/armeasure/internal/config"
	"github.com/fitform/armeasure/internal/detector"
	"github.com/fitform/armeasure/internal/facade"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/fitform/armeasure/internal/server"
	"github.com/fitform/armeasure/internal/session"
	"github.com/fitform/armeasure/internal/store"
	"github.com/fitform/armeasure/internal/submit"
	"github.com/sirupsen/logrus"
)

// Primary platform names.
const (
	PlatformARCore = "arcore"
	PlatformARKit  = "arkit"
	// PlatformMock replays a standing subject. Useful for demos and
	// client development without a device.
	PlatformMock = "mock"
)

// shutdownTimeout bounds the wait for in-flight HTTP requests.
const shutdownTimeout = 5 * time.Second

// Config holds configuration options for the application.
type Config struct {
	AR     config.ARConfig
	DBPath string
	// Platform selects the primary body-tracking source.
	Platform string
	// Fallback enables on-device pose estimation from a local camera.
	Fallback  bool
	CameraID  int
	ModelPath string
	Backend   submit.Config
	StaticDir string
	Logger    *logrus.Logger

	// Estimator replaces the MoveNet estimator. Tests use it.
	Estimator detector.Estimator
	// Camera replaces the OpenCV camera. Tests use it.
	Camera capture.Camera
	// Sender replaces the backend HTTP client. Tests use it.
	Sender submit.Sender
}

// App is the main application that owns every long-lived component.
type App struct {
	config    Config
	log       logrus.FieldLogger
	store     *store.Store
	bridges   map[string]*platform.Bridge
	estimator detector.Estimator
	session   *session.Session
	worker    *submit.Worker
	facade    *facade.Facade
	server    *server.Server

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new App instance with the given configuration.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &App{
		config: cfg,
		log:    logger.WithField("component", "app"),
		bridges: map[string]*platform.Bridge{
			PlatformARCore: platform.NewARCoreBridge(logger),
			PlatformARKit:  platform.NewARKitBridge(logger),
		},
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	arCfg := a.restoreConfig(cfg.AR)

	primary, err := a.primaryPlatform(cfg.Platform)
	if err != nil {
		st.Close()
		return nil, err
	}

	var fallback platform.Platform
	if cfg.Fallback {
		fallback = a.fallbackPlatform(cfg)
	}

	a.session = session.New(session.Options{
		Platform: primary,
		Fallback: fallback,
		Config:   arCfg,
		Logger:   logger,
	})

	sender := cfg.Sender
	if sender == nil && cfg.Backend.BaseURL != "" {
		sender = submit.NewClient(cfg.Backend, nil)
	}
	if sender != nil {
		a.worker = submit.NewWorker(submit.Options{
			Store:       st,
			Sender:      sender,
			Generation:  a.session.Generation,
			MaxAttempts: arCfg.AR.MaxMeasurementRetries,
			Logger:      logger,
		})
	} else {
		a.log.Warn("no backend configured, measurements are stored locally only")
	}

	a.facade = facade.New(facade.Options{
		Session: a.session,
		Store:   st,
		Worker:  a.worker,
		Logger:  logger,
	})

	a.server = server.New(server.Config{
		Facade:    a.facade,
		Bridges:   a.bridges,
		StaticDir: cfg.StaticDir,
		Logger:    logger,
	})

	return a, nil
}

// restoreConfig applies the configuration saved by a previous
// LoadConfiguration call on top of base.
func (a *App) restoreConfig(base config.ARConfig) config.ARConfig {
	saved, err := a.store.Settings().Get(store.SettingARConfig)
	if errors.Is(err, store.ErrNotFound) {
		return base
	}
	if err != nil {
		a.log.WithError(err).Warn("failed to read saved configuration")
		return base
	}

	cfg, err := config.Merge(base, []byte(saved))
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		a.log.WithError(err).Warn("ignoring invalid saved configuration")
		return base
	}
	a.log.Info("restored saved configuration")
	return cfg
}

func (a *App) primaryPlatform(name string) (platform.Platform, error) {
	switch name {
	case PlatformARCore, PlatformARKit:
		return a.bridges[name], nil
	case PlatformMock:
		m := platform.NewMock()
		m.SetDefault(platform.Step{Frame: platform.BodyFrame(platform.StandingBody(), 0.9)})
		return m, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", name)
	}
}

// fallbackPlatform builds the pose-estimation source. It returns nil when
// no estimator is available.
func (a *App) fallbackPlatform(cfg Config) platform.Platform {
	est := cfg.Estimator
	if est == nil {
		dcfg := detector.DefaultConfig()
		if cfg.ModelPath != "" {
			dcfg.ModelPath = cfg.ModelPath
		}
		mn, err := detector.NewMoveNetEstimator(dcfg)
		if err != nil {
			a.log.WithError(err).Warn("pose estimation not available, running without fallback")
			return nil
		}
		est = mn
		a.log.Info("using MoveNet pose estimation fallback")
	}
	a.estimator = est

	cam := cfg.Camera
	if cam == nil {
		ccfg := capture.DefaultConfig()
		ccfg.DeviceID = cfg.CameraID
		cam = capture.NewCamera(ccfg)
	}
	return platform.NewML(cam, est, cfg.ModelPath, a.log)
}

// Start begins background processing: the submission worker and the
// update monitor. Sessions are started through the facade.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Don't start if already running
	if a.stopCh != nil {
		return nil
	}

	a.stopCh = make(chan struct{})
	a.runBackground(a.stopCh)

	a.log.Info("measurement service started")
	return nil
}

// Stop halts background processing and releases resources.
func (a *App) Stop() {
	a.mu.Lock()
	stopCh := a.stopCh
	a.stopCh = nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("error shutting down HTTP server")
	}
	cancel()

	if err := a.facade.Close(); err != nil {
		a.log.WithError(err).Warn("error stopping session")
	}

	if stopCh != nil {
		close(stopCh)
	}
	a.wg.Wait()

	if a.estimator != nil {
		if err := a.estimator.Close(); err != nil {
			a.log.WithError(err).Warn("error closing pose estimator")
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("error closing store")
	}

	a.log.Info("measurement service stopped")
}

// ListenAndServe serves the HTTP surface on addr.
func (a *App) ListenAndServe(addr string) error {
	return a.server.ListenAndServe(addr)
}

// Facade returns the application-facing measurement API.
func (a *App) Facade() *facade.Facade {
	return a.facade
}

// Server returns the HTTP server.
func (a *App) Server() *server.Server {
	return a.server
}

// Store returns the persistence layer.
func (a *App) Store() *store.Store {
	return a.store
}

// Bridge returns the native bridge for "arcore" or "arkit".
func (a *App) Bridge(name string) *platform.Bridge {
	return a.bridges[name]
}
