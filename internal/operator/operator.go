// Package operator decodes operator commands and applies them to the
// control loop. MQTT and HTTP share it.
package operator

import (
	"context"
	"time"

	"codeberg.org/mutker/frothctl/internal/control"
	"codeberg.org/mutker/frothctl/internal/errors"
)

// Command names
const (
	CmdStatus         = "status"
	CmdSetMode        = "set_mode"
	CmdSetSetpoint    = "set_setpoint"
	CmdSetGains       = "set_gains"
	CmdManualOverride = "manual_override"
	CmdEmergencyStop  = "emergency_stop"
	CmdResetEstop     = "reset_estop"
	CmdSetDevice      = "set_device"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DefaultTimeout bounds how long a command waits for the control goroutine.
const DefaultTimeout = 5 * time.Second

// Command is one operator request. Numeric fields are pointers so that a
// missing value is distinguishable from zero.
type Command struct {
	ID            string   `json:"id,omitempty"`
	Command       string   `json:"command"`
	Mode          string   `json:"mode,omitempty"`
	Setpoint      *float64 `json:"setpoint,omitempty"`
	Kp            *float64 `json:"kp,omitempty"`
	Ki            *float64 `json:"ki,omitempty"`
	DutyCycle     *float64 `json:"duty_cycle,omitempty"`
	Device        string   `json:"device,omitempty"`
	ResetIntegral bool     `json:"reset_integral,omitempty"`
	Credential    string   `json:"credential,omitempty"`
	Source        string   `json:"source,omitempty"`
}

// Response acknowledges a Command
type Response struct {
	ID         string          `json:"id,omitempty"`
	CommandAck string          `json:"command_ack"`
	Status     string          `json:"status"`
	Data       *control.Status `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Surface is the operator API of the control loop
type Surface interface {
	SetMode(ctx context.Context, mode control.Mode) error
	SetSetpoint(ctx context.Context, setpoint float64) error
	SetGains(ctx context.Context, kp, ki float64, resetIntegral bool) error
	ManualOverride(ctx context.Context, duty float64) error
	EmergencyStop(ctx context.Context, source string) error
	ResetEstop(ctx context.Context, credential string) error
	SetDevice(ctx context.Context, name string, duty float64) error
	Status() control.Status
}

// Dispatch applies cmd to s. source names the transport and is used when
// the command carries none.
func Dispatch(ctx context.Context, s Surface, cmd Command, source string) error {
	errFactory := errors.New()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	switch cmd.Command {
	case CmdStatus:
		return nil

	case CmdSetMode:
		mode, err := control.ParseMode(cmd.Mode)
		if err != nil {
			return err
		}
		return s.SetMode(ctx, mode)

	case CmdSetSetpoint:
		if cmd.Setpoint == nil {
			return errFactory.WithData(errors.ErrInvalidArgument, "setpoint is required")
		}
		return s.SetSetpoint(ctx, *cmd.Setpoint)

	case CmdSetGains:
		if cmd.Kp == nil || cmd.Ki == nil {
			return errFactory.WithData(errors.ErrInvalidArgument, "kp and ki are required")
		}
		return s.SetGains(ctx, *cmd.Kp, *cmd.Ki, cmd.ResetIntegral)

	case CmdManualOverride:
		if cmd.DutyCycle == nil {
			return errFactory.WithData(errors.ErrInvalidArgument, "duty_cycle is required")
		}
		return s.ManualOverride(ctx, *cmd.DutyCycle)

	case CmdEmergencyStop:
		src := cmd.Source
		if src == "" {
			src = source
		}
		return s.EmergencyStop(ctx, src)

	case CmdResetEstop:
		return s.ResetEstop(ctx, cmd.Credential)

	case CmdSetDevice:
		if cmd.Device == "" || cmd.DutyCycle == nil {
			return errFactory.WithData(errors.ErrInvalidArgument, "device and duty_cycle are required")
		}
		return s.SetDevice(ctx, cmd.Device, *cmd.DutyCycle)

	case "":
		return errFactory.WithData(errors.ErrInvalidArgument, "command is required")

	default:
		return errFactory.WithData(errors.ErrNotImplemented, cmd.Command)
	}
}

// Handle dispatches cmd and builds the response. The status snapshot is
// attached whether or not the command succeeded.
func Handle(ctx context.Context, s Surface, cmd Command, source string) Response {
	resp := Response{
		ID:         cmd.ID,
		CommandAck: cmd.Command,
		Status:     StatusOK,
	}

	if err := Dispatch(ctx, s, cmd, source); err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		resp.ErrorCode = string(errors.CodeOf(err))
	}

	status := s.Status()
	resp.Data = &status
	resp.Timestamp = time.Now().UTC()

	return resp
}
