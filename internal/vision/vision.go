// Package vision simulates the froth camera pipeline. The simulator stands
// in for the image processing host on bench setups and in tests: it turns
// the pump duty into a bubble count through a first-order lag.
package vision

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

// DutySource reports the duty currently applied to the pump
type DutySource interface {
	Duty() float64
}

// Sender accepts measurements without blocking
type Sender interface {
	Send(m measurement.Measurement) bool
}

// Model is the froth response to frother dosing
type Model struct {
	// Bubble count with the pump off
	Baseline float64
	// Steady-state bubbles per percent of duty
	Gain         float64
	TimeConstant time.Duration
	NoiseStdDev  float64
	// Average bubble size with the pump off; more frother gives smaller bubbles
	BaseSize      float64
	SizeSlope     float64
	SizeSpread    float64
	Stability     float64
	StabilityGain float64
	Coverage      float64
	MaxBubbles    float64
	InitialDuty   float64
}

func DefaultModel() Model {
	return Model{
		Baseline:      60,
		Gain:          4,
		TimeConstant:  5 * time.Second,
		NoiseStdDev:   3,
		BaseSize:      320,
		SizeSlope:     2,
		SizeSpread:    0.12,
		Stability:     0.6,
		StabilityGain: 0.004,
		Coverage:      0.75,
		MaxBubbles:    4000,
	}
}

type Config struct {
	Model    Model
	Interval time.Duration
	Seed     int64
	Now      func() time.Time
}

type Simulator struct {
	cfg  Config
	duty DutySource
	out  Sender
	log  logger.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	count float64
}

func NewSimulator(cfg Config, duty DutySource, out Sender, log logger.Logger) (*Simulator, error) {
	errFactory := errors.New()

	if duty == nil || out == nil {
		return nil, errFactory.New(errors.ErrInvalidArgument)
	}
	if cfg.Interval <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, cfg.Interval.String())
	}
	if cfg.Model.TimeConstant <= 0 || cfg.Model.Baseline < 0 || cfg.Model.NoiseStdDev < 0 {
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "time constant must be positive, baseline and noise non-negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.With("vision")
	}

	return &Simulator{
		cfg:   cfg,
		duty:  duty,
		out:   out,
		log:   log,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		count: cfg.Model.Baseline + cfg.Model.Gain*cfg.Model.InitialDuty,
	}, nil
}

// Step advances the model by dt and returns the resulting observation.
func (s *Simulator) Step(dt time.Duration) measurement.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.cfg.Model
	duty := s.duty.Duty()

	target := m.Baseline + m.Gain*duty
	alpha := 1 - math.Exp(-dt.Seconds()/m.TimeConstant.Seconds())
	s.count += (target - s.count) * alpha

	observed := s.count + s.rng.NormFloat64()*m.NoiseStdDev
	observed = math.Max(0, observed)
	if m.MaxBubbles > 0 {
		observed = math.Min(observed, m.MaxBubbles)
	}

	size := math.Max(1, m.BaseSize-m.SizeSlope*duty)
	spread := size * m.SizeSpread
	stability := clampUnit(m.Stability + m.StabilityGain*duty + s.rng.NormFloat64()*0.01)
	coverage := clampUnit(m.Coverage + s.rng.NormFloat64()*0.01)

	return measurement.New(int(math.Round(observed)), size, spread, stability, s.cfg.Now()).
		WithCoverage(coverage)
}

// Run publishes one measurement per interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Float64("baseline", s.cfg.Model.Baseline).
		Float64("gain", s.cfg.Model.Gain).
		Msg("Froth simulator started")

	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("Froth simulator stopped")
			return nil
		case <-ticker.C:
			m := s.Step(s.cfg.Interval)
			if !s.out.Send(m) {
				s.log.Debug().Msg("Measurement channel closed, stopping simulator")
				return nil
			}
		}
	}
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// DutyFunc adapts a function to DutySource
type DutyFunc func() float64

func (f DutyFunc) Duty() float64 { return f() }
