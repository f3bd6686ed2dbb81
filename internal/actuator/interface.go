package actuator

import "context"

// Driver applies a frother dosing duty cycle to pump hardware
type Driver interface {
	// Apply commands duty (percent, 0-100) on every pump the driver owns.
	// It returns once the hardware or remote controller has accepted it.
	Apply(ctx context.Context, duty float64) error

	// Limits reports the physical duty range the hardware accepts
	Limits() Limits

	// Close drives the pumps to their safe state and releases handles
	Close() error
}

// Limits is the duty range reported by a driver, in percent
type Limits struct {
	Min, Max, Default float64
}

// FullRange is the range of a plain PWM output
func FullRange() Limits {
	return Limits{Min: 0, Max: 100, Default: 0}
}

// Contains reports whether duty can be applied as-is
func (l Limits) Contains(duty float64) bool {
	return duty >= l.Min && duty <= l.Max
}

func (l Limits) Clamp(duty float64) float64 {
	if duty < l.Min {
		return l.Min
	}
	if duty > l.Max {
		return l.Max
	}

	return duty
}

// DeviceDriver is implemented by drivers that also own auxiliary plant
// equipment such as the agitator, air pump or feed pump. Device duties are
// set by the operator; the dosing loop never computes them.
type DeviceDriver interface {
	// Devices lists the configured device names in sorted order
	Devices() []string

	// ApplyDevice commands duty (percent, 0-100) on one device
	ApplyDevice(ctx context.Context, name string, duty float64) error
}
