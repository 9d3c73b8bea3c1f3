// Package axis defines the narrow contract the motion-control fieldbus
// driver must honour (explicitly out of scope per spec.md §1, "supplies an
// axis whose operations are absolute-move, home, stop, read position") plus
// a simulated in-memory implementation used by tests and by deployments
// with no physical axis attached.
//
// Grounded on shingo-core/fleet/fleet.go's vendor-neutral Backend interface
// and shingo-core/fleet/seerrds/adapter.go's concrete-adapter pattern:
// the domain owns a narrow interface, vendor code lives behind it.
package axis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyInitialized is returned by Initialize when called twice.
var ErrAlreadyInitialized = errors.New("axis: already initialized")

// Status is a point-in-time snapshot of the axis.
type Status struct {
	Position    int64
	IsEnabled   bool
	IsMoving    bool
	HasError    bool
	Error       string
	Timestamp   time.Time
}

// Axis is the contract the fieldbus driver must honour: absolute move,
// home, stop, read position. Position units are device pulses.
type Axis interface {
	Initialize(ctx context.Context) error
	MoveAbsolute(ctx context.Context, positionPulses int64, speed int) error
	Home(ctx context.Context, speed int) error
	Stop(ctx context.Context) error
	Status() Status
	Shutdown(ctx context.Context) error
}

// Simulated is an in-memory Axis for tests and axis-less deployments. It
// models motion duration as |start-target|/speed, honouring context
// cancellation mid-move.
type Simulated struct {
	mu          sync.Mutex
	initialized bool
	position    int64
	isMoving    bool
	hasError    bool
	errMsg      string
	sleep       func(d time.Duration)
}

// NewSimulated returns a Simulated axis starting at position 0.
func NewSimulated() *Simulated {
	return &Simulated{sleep: time.Sleep}
}

func (s *Simulated) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.hasError = false
	return nil
}

func (s *Simulated) MoveAbsolute(ctx context.Context, target int64, speed int) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return errors.New("axis: not initialized")
	}
	start := s.position
	s.isMoving = true
	s.mu.Unlock()

	if speed <= 0 {
		speed = 1
	}
	distance := start - target
	if distance < 0 {
		distance = -distance
	}
	duration := time.Duration(distance/int64(speed)) * time.Millisecond

	done := make(chan struct{})
	go func() {
		s.sleep(duration)
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		s.isMoving = false
		s.hasError = true
		s.errMsg = "cancelled"
		s.mu.Unlock()
		return ctx.Err()
	case <-done:
	}

	s.mu.Lock()
	s.position = target
	s.isMoving = false
	s.mu.Unlock()
	return nil
}

func (s *Simulated) Home(ctx context.Context, speed int) error {
	return s.MoveAbsolute(ctx, 0, speed)
}

func (s *Simulated) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isMoving = false
	return nil
}

func (s *Simulated) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Status{Position: 0, HasError: true, Error: "uninitialized", Timestamp: time.Now().UTC()}
	}
	return Status{
		Position:  s.position,
		IsEnabled: true,
		IsMoving:  s.isMoving,
		HasError:  s.hasError,
		Error:     s.errMsg,
		Timestamp: time.Now().UTC(),
	}
}

func (s *Simulated) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	pos := s.position
	s.mu.Unlock()
	if pos != 0 {
		if err := s.Home(ctx, 100); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	return nil
}
