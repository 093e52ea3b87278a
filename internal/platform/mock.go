package platform

import (
	"context"
	"sync"

	"github.com/fitform/armeasure/internal/landmark"
)

// Step is one scripted Update result.
type Step struct {
	Frame Frame
	Err   error
}

// Mock is a scripted Platform for tests. Update returns the queued steps
// in order and then repeats the default step.
type Mock struct {
	mu        sync.Mutex
	kind      Kind
	names     landmark.JointNames
	avail     Availability
	availErr  error
	createErr error
	noPause   bool
	steps     []Step
	fallback  Step
	sessions  []*MockSession
}

// NewMock creates a mock that reports full body-tracking support and
// uses the ARCore joint names.
func NewMock() *Mock {
	return &Mock{
		kind:  KindMock,
		names: landmark.ARCoreJointNames,
		avail: Availability{Supported: true, BodyTracking: true},
	}
}

func (m *Mock) Kind() Kind { return m.kind }

func (m *Mock) JointNames() landmark.JointNames { return m.names }

// SetKind overrides the reported kind.
func (m *Mock) SetKind(k Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kind = k
}

// SetAvailability sets the probe result and error.
func (m *Mock) SetAvailability(a Availability, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avail, m.availErr = a, err
}

// SetCreateError makes CreateSession fail.
func (m *Mock) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// DisablePause makes new sessions lack the Pause capability.
func (m *Mock) DisablePause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noPause = true
}

// Queue appends scripted steps.
func (m *Mock) Queue(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

// SetDefault sets the step returned once the queue is empty.
func (m *Mock) SetDefault(s Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = s
}

// Sessions returns every session created so far.
func (m *Mock) Sessions() []*MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockSession(nil), m.sessions...)
}

func (m *Mock) CheckAvailability(ctx context.Context) (Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avail, m.availErr
}

func (m *Mock) CreateSession(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	s := &MockSession{mock: m}
	m.sessions = append(m.sessions, s)
	if m.noPause {
		return noPauseSession{s}, nil
	}
	return s, nil
}

func (m *Mock) next() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.steps) == 0 {
		return m.fallback
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s
}

// MockSession records lifecycle calls.
type MockSession struct {
	mock *Mock

	mu         sync.Mutex
	Config     SessionConfig
	Configured int
	Resumed    int
	Paused     int
	Closed     int
	Updates    int
}

func (s *MockSession) Configure(ctx context.Context, cfg SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Config = cfg
	s.Configured++
	return nil
}

func (s *MockSession) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resumed++
	return nil
}

func (s *MockSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Paused++
	return nil
}

func (s *MockSession) Update(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	closed := s.Closed > 0
	s.Updates++
	s.mu.Unlock()
	if closed {
		return Frame{}, ErrSessionClosed
	}
	step := s.mock.next()
	return step.Frame, step.Err
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed++
	return nil
}

// Counts returns the lifecycle counters under the lock.
func (s *MockSession) Counts() (configured, resumed, paused, closed, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Configured, s.Resumed, s.Paused, s.Closed, s.Updates
}

// noPauseSession hides MockSession's Pause method.
type noPauseSession struct {
	s *MockSession
}

func (n noPauseSession) Configure(ctx context.Context, cfg SessionConfig) error {
	return n.s.Configure(ctx, cfg)
}
func (n noPauseSession) Resume(ctx context.Context) error          { return n.s.Resume(ctx) }
func (n noPauseSession) Update(ctx context.Context) (Frame, error) { return n.s.Update(ctx) }
func (n noPauseSession) Close() error                              { return n.s.Close() }

// BodyFrame builds a frame holding one ARCore skeleton from canonical
// joint positions in meters. Every joint is tracking with confidence conf.
func BodyFrame(positions map[landmark.Joint][3]float64, conf float64) Frame {
	reverse := make(map[landmark.Joint]string, len(landmark.ARCoreJointNames))
	for name, j := range landmark.ARCoreJointNames {
		reverse[j] = name
	}

	sk := landmark.Skeleton{}
	for j, p := range positions {
		c := conf
		sk.Joints = append(sk.Joints, landmark.JointPose{
			Name:       reverse[j],
			X:          p[0],
			Y:          p[1],
			Z:          p[2],
			Confidence: &c,
			State:      landmark.StateTracking,
		})
	}
	return Frame{Bodies: []landmark.Skeleton{sk}}
}

// StandingBody returns canonical positions for an upright subject with
// 40 cm shoulders and 170 cm from head to ankles.
func StandingBody() map[landmark.Joint][3]float64 {
	return map[landmark.Joint][3]float64{
		landmark.Head:          {0, 1.70, 0},
		landmark.Nose:          {0, 1.62, 0.05},
		landmark.LeftShoulder:  {-0.20, 1.42, 0},
		landmark.RightShoulder: {0.20, 1.42, 0},
		landmark.LeftElbow:     {-0.26, 1.12, 0},
		landmark.RightElbow:    {0.26, 1.12, 0},
		landmark.LeftWrist:     {-0.28, 0.85, 0},
		landmark.RightWrist:    {0.28, 0.85, 0},
		landmark.LeftHip:       {-0.15, 0.92, 0},
		landmark.RightHip:      {0.15, 0.92, 0},
		landmark.LeftKnee:      {-0.12, 0.48, 0},
		landmark.RightKnee:     {0.12, 0.48, 0},
		landmark.LeftAnkle:     {-0.10, 0, 0},
		landmark.RightAnkle:    {0.10, 0, 0},
	}
}
