package control

import (
	"context"
	"fmt"
	"math"

	"codeberg.org/mutker/frothctl/internal/actuator"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/safety"
)

// DeviceState reports one auxiliary device. Applied is nil until the
// driver has accepted a duty for it.
type DeviceState struct {
	Name      string   `json:"name"`
	Commanded float64  `json:"commanded_duty"`
	Applied   *float64 `json:"applied_duty,omitempty"`
}

type device struct {
	name      string
	commanded float64
	applied   float64
	known     bool
}

// initDevices binds the auxiliary devices the driver exposes and their
// configured start duties.
func (o *Orchestrator) initDevices(duties map[string]float64) error {
	errFactory := errors.New()

	dd, ok := o.driver.(actuator.DeviceDriver)
	if !ok {
		if len(duties) > 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "device duties configured but the pump driver has no devices")
		}
		return nil
	}

	names := dd.Devices()
	o.deviceDriver = dd
	o.devices = make([]*device, 0, len(names))
	index := make(map[string]*device, len(names))
	for _, name := range names {
		d := &device{name: name}
		o.devices = append(o.devices, d)
		index[name] = d
	}

	for name, duty := range duties {
		d, ok := index[name]
		if !ok {
			return errFactory.WithData(actuator.ErrUnknownDevice, name)
		}
		if err := checkDeviceDuty(duty); err != nil {
			return err
		}
		d.commanded = duty
	}

	return nil
}

func (o *Orchestrator) findDevice(name string) *device {
	for _, d := range o.devices {
		if d.name == name {
			return d
		}
	}
	return nil
}

func checkDeviceDuty(duty float64) error {
	if math.IsNaN(duty) || duty < 0 || duty > 100 {
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("device duty %v outside [0, 100]", duty))
	}
	return nil
}

// applyDevices brings every device to its commanded duty, or to zero while
// the interlock is tripped. Devices already at their target are skipped.
func (o *Orchestrator) applyDevices(ctx context.Context) {
	tripped := o.safety.Check() == safety.StateTripped
	for _, d := range o.devices {
		target := d.commanded
		if tripped {
			target = 0
		}
		if d.known && d.applied == target {
			continue
		}
		o.applyDevice(ctx, d, target)
	}
}

func (o *Orchestrator) applyDevice(ctx context.Context, d *device, duty float64) {
	if err := o.deviceDriver.ApplyDevice(ctx, d.name, duty); err != nil {
		d.known = false
		o.log.Warn().Err(err).Str("device", d.name).Float64("duty", duty).Msg("Device dispatch failed")
		return
	}
	d.applied = duty
	d.known = true
}

// zeroDevices commands zero on every device regardless of what was last
// applied.
func (o *Orchestrator) zeroDevices(ctx context.Context) {
	for _, d := range o.devices {
		o.applyDevice(ctx, d, 0)
	}
}

func (o *Orchestrator) deviceStates() []DeviceState {
	if len(o.devices) == 0 {
		return nil
	}

	states := make([]DeviceState, 0, len(o.devices))
	for _, d := range o.devices {
		st := DeviceState{Name: d.name, Commanded: d.commanded}
		if d.known {
			applied := d.applied
			st.Applied = &applied
		}
		states = append(states, st)
	}

	return states
}

func (o *Orchestrator) appliedDevices() map[string]float64 {
	if len(o.devices) == 0 {
		return nil
	}

	applied := make(map[string]float64, len(o.devices))
	for _, d := range o.devices {
		if d.known {
			applied[d.name] = d.applied
		}
	}

	return applied
}

// SetDevice sets the operator duty for one auxiliary device. The duty is
// applied immediately unless the interlock is tripped, in which case it
// takes effect after the reset.
func (o *Orchestrator) SetDevice(ctx context.Context, name string, duty float64) error {
	if err := checkDeviceDuty(duty); err != nil {
		return err
	}

	return o.execute(ctx, func(ctx context.Context) error {
		d := o.findDevice(name)
		if d == nil {
			return errors.New().WithData(actuator.ErrUnknownDevice, name)
		}
		d.commanded = duty

		o.log.Info().Str("device", name).Float64("duty", duty).Msg("Device duty updated")
		o.alert(events.LevelInfo, events.KindOperator, fmt.Sprintf("Device %s set to %.1f%%", name, duty))
		o.applyDevices(ctx)
		o.flushAlerts(ctx)
		o.publishStatus(nil, nil, "")

		return nil
	})
}
