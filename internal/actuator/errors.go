package actuator

import (
	"codeberg.org/mutker/frothctl/internal/errors"
)

const (
	// Initialization and Lifecycle Errors
	ErrNotInitialized = errors.ErrorCode("actuator_not_initialized")
	ErrChipNotFound   = errors.ErrorCode("actuator_pwm_chip_not_found")
	ErrExportFailed   = errors.ErrorCode("actuator_pwm_export_failed")
	ErrClosed         = errors.ErrorCode("actuator_closed")

	// Duty Control Errors
	ErrSetPeriod     = errors.ErrorCode("actuator_set_period_failed")
	ErrSetDutyCycle  = errors.ErrorCode("actuator_set_duty_cycle_failed")
	ErrEnableChannel = errors.ErrorCode("actuator_enable_failed")
	ErrDutyRange     = errors.ErrorCode("actuator_duty_out_of_range")
	ErrUnknownDevice = errors.ErrorCode("actuator_unknown_device")

	// Remote Pump Errors
	ErrPublishFailed  = errors.ErrorCode("actuator_publish_failed")
	ErrPublishTimeout = errors.ErrorCode("actuator_publish_timeout")

	// Simulation
	ErrInjectedFault = errors.ErrorCode("actuator_injected_fault")
)

// sysfsError carries the attribute that could not be written
type sysfsError struct {
	attr string
	err  error
}

func (e *sysfsError) Error() string {
	return e.attr + ": " + e.err.Error()
}

func (e *sysfsError) Unwrap() error {
	return e.err
}

// newSysfsError creates an error for a failed attribute write
func newSysfsError(attr string, err error) error {
	if err == nil {
		return nil
	}
	return &sysfsError{attr: attr, err: err}
}
