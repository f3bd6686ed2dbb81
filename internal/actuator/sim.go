package actuator

import (
	"context"
	"math"
	"sort"
	"sync"

	"codeberg.org/mutker/frothctl/internal/errors"
)

const simHistorySize = 1024

// SimDriver is an in-memory pump used for demos and tests. Faults can be
// injected to exercise the dispatch retry path.
type SimDriver struct {
	limits   Limits
	duty     float64
	history  []float64
	applied  uint64
	failures uint64
	failNext int
	failing  bool
	closed   bool
	devices  map[string]float64
	mu       sync.RWMutex
}

// NewSimDriver returns a simulated pump. Named devices start at zero duty.
func NewSimDriver(limits Limits, devices ...string) *SimDriver {
	s := &SimDriver{limits: limits, devices: make(map[string]float64, len(devices))}
	for _, name := range devices {
		s.devices[name] = 0
	}
	return s
}

func (s *SimDriver) Apply(ctx context.Context, duty float64) error {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(errors.ErrShutdown, err)
	}
	if s.closed {
		return errFactory.New(ErrClosed)
	}
	if s.failing || s.failNext > 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		s.failures++
		return errFactory.New(ErrInjectedFault)
	}
	if math.IsNaN(duty) || !s.limits.Contains(duty) {
		return errFactory.WithData(ErrDutyRange, duty)
	}

	s.duty = duty
	s.applied++
	s.history = append(s.history, duty)
	if len(s.history) > simHistorySize {
		s.history = s.history[1:]
	}

	return nil
}

func (s *SimDriver) Limits() Limits {
	return s.limits
}

func (s *SimDriver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.duty = 0
	for name := range s.devices {
		s.devices[name] = 0
	}
	s.closed = true

	return nil
}

func (s *SimDriver) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// ApplyDevice shares fault injection with Apply.
func (s *SimDriver) ApplyDevice(ctx context.Context, name string, duty float64) error {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(errors.ErrShutdown, err)
	}
	if s.closed {
		return errFactory.New(ErrClosed)
	}
	if _, ok := s.devices[name]; !ok {
		return errFactory.WithData(ErrUnknownDevice, name)
	}
	if s.failing || s.failNext > 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		s.failures++
		return errFactory.New(ErrInjectedFault)
	}
	if math.IsNaN(duty) || duty < 0 || duty > 100 {
		return errFactory.WithData(ErrDutyRange, duty)
	}
	s.devices[name] = duty

	return nil
}

func (s *SimDriver) DeviceDuty(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[name]
}

// FailNext makes the next n Apply calls fail
func (s *SimDriver) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetFailing makes every Apply call fail until cleared
func (s *SimDriver) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *SimDriver) Duty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duty
}

func (s *SimDriver) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

func (s *SimDriver) Failures() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// History returns the successfully applied duties, oldest first
func (s *SimDriver) History() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]float64, len(s.history))
	copy(history, s.history)

	return history
}
