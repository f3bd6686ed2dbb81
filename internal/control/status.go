package control

import (
	"time"

	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/measurement"
	"codeberg.org/mutker/frothctl/internal/safety"
)

// Mode selects who decides the requested duty
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, "AUTO":
		return ModeAuto, nil
	case ModeManual, "MANUAL":
		return ModeManual, nil
	default:
		return "", errors.New().WithData(errors.ErrInvalidArgument, "unknown mode "+s)
	}
}

// Status is the snapshot published for readers outside the control loop
type Status struct {
	Cycle            uint64                   `json:"cycle"`
	UpdatedAt        time.Time                `json:"updated_at"`
	Running          bool                     `json:"running"`
	Mode             Mode                     `json:"mode"`
	Setpoint         float64                  `json:"setpoint"`
	Kp               float64                  `json:"kp"`
	Ki               float64                  `json:"ki"`
	Integral         float64                  `json:"integral"`
	ManualDuty       float64                  `json:"manual_duty"`
	Requested        float64                  `json:"requested_duty"`
	FinalDuty        float64                  `json:"final_duty"`
	ControllerOutput *float64                 `json:"controller_output,omitempty"`
	Held             bool                     `json:"held"`
	Verdict          anomaly.Verdict          `json:"verdict"`
	AnomalyDegraded  bool                     `json:"anomaly_degraded"`
	Measurement      *measurement.Measurement `json:"measurement,omitempty"`
	Safety           safety.Snapshot          `json:"safety"`
	Channel          measurement.Stats        `json:"channel"`
	Devices          []DeviceState            `json:"devices,omitempty"`
	Fault            string                   `json:"fault,omitempty"`
}
