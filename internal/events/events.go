// Package events carries what the control loop publishes: one CycleEvent
// per cycle and discrete Alerts for anomaly verdicts, interlock transitions
// and faults.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/measurement"
	"codeberg.org/mutker/frothctl/internal/safety"
)

// Level is the alert severity
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Kind is the alert origin
type Kind string

const (
	KindAnomaly    Kind = "anomaly"
	KindSafety     Kind = "safety"
	KindSensor     Kind = "sensor"
	KindActuator   Kind = "actuator"
	KindClassifier Kind = "classifier"
	KindOperator   Kind = "operator"
)

// CycleEvent records one control cycle. Measurement is nil when nothing
// valid arrived and ControllerOutput is nil when the PI law did not run.
type CycleEvent struct {
	Cycle            uint64                   `json:"cycle"`
	Timestamp        time.Time                `json:"timestamp"`
	Mode             string                   `json:"mode"`
	Measurement      *measurement.Measurement `json:"measurement,omitempty"`
	Verdict          anomaly.Verdict          `json:"verdict"`
	ControllerOutput *float64                 `json:"controller_output,omitempty"`
	Integral         float64                  `json:"integral"`
	Setpoint         float64                  `json:"setpoint"`
	Requested        float64                  `json:"requested_duty"`
	FinalDuty        float64                  `json:"final_duty"`
	Held             bool                     `json:"held"`
	Dispatched       bool                     `json:"dispatched"`
	Retries          int                      `json:"retries"`
	Safety           safety.Snapshot          `json:"safety"`
	Devices          map[string]float64       `json:"devices,omitempty"`
	Fault            string                   `json:"fault,omitempty"`
	Duration         time.Duration            `json:"duration_ns"`
}

// Alert is a discrete operator-facing notice
type Alert struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAlert(level Level, kind Kind, message string, ts time.Time) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Kind:      kind,
		Message:   message,
		Timestamp: ts,
	}
}

// Sink receives published events. Implementations may block; the Bus keeps
// them off the control path.
type Sink interface {
	PublishCycle(ctx context.Context, ev CycleEvent) error
	PublishAlert(ctx context.Context, a Alert) error
}

// Discard is a Sink that drops everything
type Discard struct{}

func (Discard) PublishCycle(context.Context, CycleEvent) error { return nil }
func (Discard) PublishAlert(context.Context, Alert) error      { return nil }
