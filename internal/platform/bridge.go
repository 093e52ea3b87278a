package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/landmark"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const bridgeWriteWait = 2 * time.Second

// Bridge message types.
const (
	msgHello     = "hello"
	msgFrame     = "frame"
	msgError     = "error"
	cmdConfigure = "configure"
	cmdResume    = "resume"
	cmdPause     = "pause"
	cmdClose     = "close"
)

// bridgeMessage is what the native AR layer sends.
type bridgeMessage struct {
	Type string `json:"type"`

	// hello
	Supported       bool   `json:"supported,omitempty"`
	BodyTracking    bool   `json:"bodyTracking,omitempty"`
	LightEstimation bool   `json:"lightEstimation,omitempty"`
	Reason          string `json:"reason,omitempty"`

	// frame
	Timestamp       int64               `json:"timestamp,omitempty"`
	Bodies          []landmark.Skeleton `json:"bodies,omitempty"`
	Lighting        *float64            `json:"lighting,omitempty"`
	SubjectDistance *float64            `json:"subjectDistance,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// bridgeCommand is what the core sends to the native AR layer.
type bridgeCommand struct {
	Type                        string  `json:"type"`
	BodyTracking                bool    `json:"bodyTracking,omitempty"`
	LightEstimation             bool    `json:"lightEstimation,omitempty"`
	FrameIntervalMs             int64   `json:"frameIntervalMs,omitempty"`
	MinPlaneDetectionConfidence float64 `json:"minPlaneDetectionConfidence,omitempty"`
}

type bridgeFrame struct {
	frame Frame
	err   error
}

// bridgeConn is one attached native connection.
type bridgeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	hello   chan struct{}
	done    chan struct{}
	avail   Availability
}

func (c *bridgeConn) send(cmd bridgeCommand) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	return c.ws.WriteJSON(cmd)
}

// Bridge is a Platform fed by the native AR layer of the mobile app over a
// WebSocket. The native side sends a hello with its capabilities and then
// one frame message per AR update.
type Bridge struct {
	kind  Kind
	names landmark.JointNames
	log   logrus.FieldLogger

	mu     sync.Mutex
	conn   *bridgeConn
	frames chan bridgeFrame
}

// NewBridge creates a bridge for a native platform.
func NewBridge(kind Kind, names landmark.JointNames, log logrus.FieldLogger) *Bridge {
	return &Bridge{
		kind:   kind,
		names:  names,
		log:    log.WithField("platform", string(kind)),
		frames: make(chan bridgeFrame, 1),
	}
}

// NewARCoreBridge creates a bridge for Android ARCore body tracking.
func NewARCoreBridge(log logrus.FieldLogger) *Bridge {
	return NewBridge(KindARCore, landmark.ARCoreJointNames, log)
}

// NewARKitBridge creates a bridge for iOS ARKit body tracking.
func NewARKitBridge(log logrus.FieldLogger) *Bridge {
	return NewBridge(KindARKit, landmark.ARKitJointNames, log)
}

func (b *Bridge) Kind() Kind                      { return b.kind }
func (b *Bridge) JointNames() landmark.JointNames { return b.names }

// Connected reports whether a native client is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Serve attaches ws as the native connection and reads its messages until
// the connection fails or ctx is done. A newer connection replaces an
// older one.
func (b *Bridge) Serve(ctx context.Context, ws *websocket.Conn) error {
	c := &bridgeConn{
		ws:    ws,
		hello: make(chan struct{}),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	prev := b.conn
	b.conn = c
	b.mu.Unlock()
	if prev != nil {
		prev.ws.Close()
	}

	b.log.Info("native bridge connected")

	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-c.done:
		}
	}()

	defer func() {
		close(c.done)
		b.mu.Lock()
		if b.conn == c {
			b.conn = nil
		}
		b.mu.Unlock()
		ws.Close()
		b.log.Info("native bridge disconnected")
	}()

	helloSeen := false
	for {
		var msg bridgeMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read bridge message: %w", err)
		}

		switch msg.Type {
		case msgHello:
			b.mu.Lock()
			c.avail = Availability{
				Supported:       msg.Supported,
				BodyTracking:    msg.BodyTracking,
				LightEstimation: msg.LightEstimation,
				Reason:          msg.Reason,
			}
			b.mu.Unlock()
			if !helloSeen {
				helloSeen = true
				close(c.hello)
			}
		case msgFrame:
			ts := time.Now()
			if msg.Timestamp > 0 {
				ts = time.UnixMilli(msg.Timestamp)
			}
			b.deliver(bridgeFrame{frame: Frame{
				Bodies:           msg.Bodies,
				Lighting:         msg.Lighting,
				SubjectDistanceM: msg.SubjectDistance,
				Timestamp:        ts,
			}})
		case msgError:
			b.deliver(bridgeFrame{err: fmt.Errorf("native frame error: %s", msg.Message)})
		default:
			b.log.WithField("type", msg.Type).Debug("ignoring unknown bridge message")
		}
	}
}

// deliver hands a frame to the session. Only the newest undelivered frame
// is kept.
func (b *Bridge) deliver(f bridgeFrame) {
	for {
		select {
		case b.frames <- f:
			return
		default:
		}
		select {
		case <-b.frames:
		default:
		}
	}
}

func (b *Bridge) current() *bridgeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// CheckAvailability waits for the native hello and reports its
// capabilities. Without a connection the platform is unsupported.
func (b *Bridge) CheckAvailability(ctx context.Context) (Availability, error) {
	c := b.current()
	if c == nil {
		return Availability{Reason: fmt.Sprintf("%s bridge not connected", b.kind)}, nil
	}

	select {
	case <-c.hello:
	case <-c.done:
		return Availability{Reason: fmt.Sprintf("%s bridge disconnected", b.kind)}, nil
	case <-ctx.Done():
		return Availability{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return c.avail, nil
}

// CreateSession returns a session bound to the current connection.
func (b *Bridge) CreateSession(ctx context.Context) (Session, error) {
	c := b.current()
	if c == nil {
		return nil, ErrNotConnected
	}

	// Drop frames that arrived before the session existed.
	select {
	case <-b.frames:
	default:
	}

	return &bridgeSession{bridge: b, conn: c, closed: make(chan struct{})}, nil
}

type bridgeSession struct {
	bridge    *Bridge
	conn      *bridgeConn
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *bridgeSession) Configure(ctx context.Context, cfg SessionConfig) error {
	return s.send(bridgeCommand{
		Type:                        cmdConfigure,
		BodyTracking:                cfg.BodyTracking,
		LightEstimation:             cfg.LightEstimation,
		FrameIntervalMs:             cfg.FrameInterval.Milliseconds(),
		MinPlaneDetectionConfidence: cfg.PlaneDetectionScore,
	})
}

func (s *bridgeSession) Resume(ctx context.Context) error {
	return s.send(bridgeCommand{Type: cmdResume})
}

func (s *bridgeSession) Pause() error {
	return s.send(bridgeCommand{Type: cmdPause})
}

func (s *bridgeSession) Update(ctx context.Context) (Frame, error) {
	select {
	case <-s.closed:
		return Frame{}, ErrSessionClosed
	case <-s.conn.done:
		return Frame{}, ErrNotConnected
	default:
	}

	select {
	case f := <-s.bridge.frames:
		return f.frame, f.err
	case <-s.closed:
		return Frame{}, ErrSessionClosed
	case <-s.conn.done:
		return Frame{}, ErrNotConnected
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *bridgeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.send(bridgeCommand{Type: cmdClose})
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
	})
	return err
}

func (s *bridgeSession) send(cmd bridgeCommand) error {
	select {
	case <-s.conn.done:
		return ErrNotConnected
	default:
	}
	if err := s.conn.send(cmd); err != nil {
		return fmt.Errorf("send %s command: %w", cmd.Type, err)
	}
	return nil
}
