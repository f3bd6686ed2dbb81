// Package pi implements the proportional-integral control law that turns a
// bubble-count error into a frother pump duty cycle.
//
// The controller performs no I/O and reads no clock: given the same state
// and inputs it always produces the same output, so it can be exercised
// outside the live system.
package pi

import (
	"fmt"
	"math"

	"codeberg.org/mutker/frothctl/internal/errors"
)

// Limits is a closed interval.
type Limits struct {
	Min float64
	Max float64
}

// Clamp bounds v to the interval.
func (l Limits) Clamp(v float64) float64 {
	return math.Max(l.Min, math.Min(v, l.Max))
}

// Contains reports whether v lies within the interval.
func (l Limits) Contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Config holds the tunable parameters of the controller.
type Config struct {
	Setpoint       float64
	Kp             float64
	Ki             float64
	OutputLimits   Limits
	IntegralLimits Limits
}

// DefaultConfig matches the dosing loop's commissioning values.
func DefaultConfig() Config {
	return Config{
		Setpoint:       120,
		Kp:             0.5,
		Ki:             0.05,
		OutputLimits:   Limits{Min: 0, Max: 80},
		IntegralLimits: Limits{Min: -50, Max: 50},
	}
}

// State is a copy of the controller memory.
type State struct {
	Config
	Integral  float64
	LastError float64
}

// Controller is a PI controller with integral clamping for anti-windup.
// It is not safe for concurrent use; the control loop is its only caller.
type Controller struct {
	cfg       Config
	integral  float64
	lastError float64
}

// New validates cfg and returns a controller with zeroed memory.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Controller{cfg: cfg}, nil
}

// Validate rejects out-of-range parameters. Nothing is corrected silently.
func (c Config) Validate() error {
	if err := validateGains(c.Kp, c.Ki); err != nil {
		return err
	}
	if err := validateSetpoint(c.Setpoint); err != nil {
		return err
	}

	return validateLimits(c.OutputLimits, c.IntegralLimits)
}

func validateGains(kp, ki float64) error {
	errFactory := errors.New()

	if !finite(kp) || kp < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("kp must be a finite value >= 0, got %v", kp))
	}
	if !finite(ki) || ki < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("ki must be a finite value >= 0, got %v", ki))
	}

	return nil
}

func validateSetpoint(setpoint float64) error {
	if !finite(setpoint) || setpoint <= 0 {
		return errors.New().WithData(errors.ErrInvalidConfig, fmt.Sprintf("setpoint must be > 0, got %v", setpoint))
	}

	return nil
}

func validateLimits(output, integral Limits) error {
	errFactory := errors.New()

	if !finite(output.Min) || !finite(output.Max) || output.Min < 0 || output.Min >= output.Max || output.Max > 100 {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("output limits must satisfy 0 <= min < max <= 100, got [%v, %v]", output.Min, output.Max))
	}
	if !finite(integral.Min) || !finite(integral.Max) || integral.Min >= integral.Max {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("integral limits must satisfy min < max, got [%v, %v]", integral.Min, integral.Max))
	}

	return nil
}

// Update runs one step of the control law and returns the duty cycle.
//
// The integral is clamped before the output is computed, so a saturated
// output does not keep accumulating error.
func (c *Controller) Update(measured, dt float64) (float64, error) {
	errFactory := errors.New()

	if !finite(dt) || dt <= 0 {
		return 0, errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("dt must be > 0, got %v", dt))
	}
	if !finite(measured) {
		return 0, errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("measured value must be finite, got %v", measured))
	}

	e := c.cfg.Setpoint - measured

	c.integral = c.cfg.IntegralLimits.Clamp(c.integral + e*dt)
	c.lastError = e

	output := c.cfg.Kp*e + c.cfg.Ki*c.integral

	return c.cfg.OutputLimits.Clamp(output), nil
}

// SetGains replaces kp and ki. The integral is kept unless resetIntegral is
// set, so retuning a converged loop does not cause a jump.
func (c *Controller) SetGains(kp, ki float64, resetIntegral bool) error {
	if err := validateGains(kp, ki); err != nil {
		return err
	}

	c.cfg.Kp = kp
	c.cfg.Ki = ki
	if resetIntegral {
		c.Reset()
	}

	return nil
}

// SetSetpoint replaces the target bubble count.
func (c *Controller) SetSetpoint(setpoint float64) error {
	if err := validateSetpoint(setpoint); err != nil {
		return err
	}

	c.cfg.Setpoint = setpoint

	return nil
}

// SetLimits replaces both limit windows. The integral is clamped into the
// new window so the anti-windup invariant keeps holding.
func (c *Controller) SetLimits(output, integral Limits) error {
	if err := validateLimits(output, integral); err != nil {
		return err
	}

	c.cfg.OutputLimits = output
	c.cfg.IntegralLimits = integral
	c.integral = integral.Clamp(c.integral)

	return nil
}

// Reset clears the controller memory.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
}

func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) State() State {
	return State{
		Config:    c.cfg,
		Integral:  c.integral,
		LastError: c.lastError,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
