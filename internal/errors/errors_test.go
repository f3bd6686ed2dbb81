package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/frothctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrInvalidConfig)
	assert.Equal(t, "Invalid configuration", err.Error())
	assert.Equal(t, errors.ErrInvalidConfig, err.Code())

	err = errFactory.WithData(errors.ErrInvalidConfig, "kp must be >= 0")
	assert.Equal(t, "Invalid configuration: kp must be >= 0", err.Error())

	err = errFactory.WithMessage(errors.ErrSensorFault, "negative bubble count")
	assert.Equal(t, "negative bubble count", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("pump offline")
	err := errors.New().Wrap(errors.ErrActuatorFault, cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Actuator dispatch failed: pump offline", err.Error())
}

func TestHasCode(t *testing.T) {
	inner := errors.New().New(errors.ErrStaleInput)
	outer := errors.New().Wrap(errors.ErrOperationFailed, fmt.Errorf("cycle: %w", inner))

	assert.True(t, errors.HasCode(outer, errors.ErrStaleInput))
	assert.True(t, errors.HasCode(outer, errors.ErrOperationFailed))
	assert.False(t, errors.HasCode(outer, errors.ErrSensorFault))
	assert.False(t, errors.HasCode(nil, errors.ErrSensorFault))

	assert.Equal(t, errors.ErrOperationFailed, errors.CodeOf(outer))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(fmt.Errorf("plain")))
}
