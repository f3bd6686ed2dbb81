package control

import (
	"context"
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
)

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// execute runs fn on the control goroutine and waits for its result.
func (o *Orchestrator) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	errFactory := errors.New()

	if !o.running.Load() {
		return errFactory.WithMessage(errors.ErrUnavailable, "control loop is not running")
	}

	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case o.commands <- cmd:
	case <-o.stopped:
		return errFactory.New(errors.ErrShutdown)
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-o.stopped:
		return errFactory.New(errors.ErrShutdown)
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	}
}

func (o *Orchestrator) SetMode(ctx context.Context, mode Mode) error {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return err
	}

	return o.execute(ctx, func(context.Context) error {
		o.setMode(mode)
		return nil
	})
}

func (o *Orchestrator) setMode(mode Mode) {
	if mode == o.mode {
		return
	}
	if mode == ModeAuto {
		// dt restarts from the period instead of spanning the manual phase
		o.lastPIAt = time.Time{}
	}
	o.mode = mode

	o.log.Info().Str("mode", string(mode)).Msg("Control mode changed")
	o.alert(events.LevelInfo, events.KindOperator, "Control mode set to "+string(mode))
	o.publishStatus(nil, nil, "")
}

func (o *Orchestrator) SetSetpoint(ctx context.Context, setpoint float64) error {
	return o.execute(ctx, func(context.Context) error {
		if err := o.pi.SetSetpoint(setpoint); err != nil {
			return err
		}
		o.log.Info().Float64("setpoint", setpoint).Msg("Setpoint updated")
		o.publishStatus(nil, nil, "")
		return nil
	})
}

func (o *Orchestrator) SetGains(ctx context.Context, kp, ki float64, resetIntegral bool) error {
	return o.execute(ctx, func(context.Context) error {
		if err := o.pi.SetGains(kp, ki, resetIntegral); err != nil {
			return err
		}
		o.log.Info().
			Float64("kp", kp).
			Float64("ki", ki).
			Bool("resetIntegral", resetIntegral).
			Msg("Controller gains updated")
		o.publishStatus(nil, nil, "")
		return nil
	})
}

// ManualOverride sets the operator duty and switches to manual mode. The
// duty still passes through the interlock on the next cycle.
func (o *Orchestrator) ManualOverride(ctx context.Context, duty float64) error {
	if math.IsNaN(duty) || duty < 0 || duty > 100 {
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("duty cycle %v outside [0, 100]", duty))
	}

	return o.execute(ctx, func(context.Context) error {
		o.manualDuty = duty
		o.setMode(ModeManual)
		o.publishStatus(nil, nil, "")
		return nil
	})
}

// EmergencyStop latches the interlock and commands zero without waiting
// for the next cycle.
func (o *Orchestrator) EmergencyStop(ctx context.Context, source string) error {
	return o.execute(ctx, func(ctx context.Context) error {
		o.emergencyStop(ctx, source)
		return nil
	})
}

func (o *Orchestrator) emergencyStop(ctx context.Context, source string) {
	if source == "" {
		source = "operator"
	}
	o.safety.EmergencyStop(source)

	final := o.safety.ComputeSafeDuty(0)
	if _, err := o.dispatch(ctx, final); err != nil {
		o.log.Error().Err(err).Msg("Failed to zero pumps on emergency stop")
	}
	o.lastDuty = final
	o.zeroDevices(ctx)

	o.flushAlerts(ctx)
	o.publishStatus(nil, nil, "")
}

// ResetEstop clears the latch if credential is accepted. Control and the
// device duties resume on the next cycle.
func (o *Orchestrator) ResetEstop(ctx context.Context, credential string) error {
	return o.execute(ctx, func(ctx context.Context) error {
		if err := o.safety.Reset(credential); err != nil {
			return err
		}
		o.flushAlerts(ctx)
		o.publishStatus(nil, nil, "")
		return nil
	})
}
