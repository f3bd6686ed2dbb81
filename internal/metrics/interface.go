package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

// HistoryCollector is the events.Sink that persists cycle history
type HistoryCollector interface {
	events.Sink
	Recent(ctx context.Context, limit int) ([]CycleRecord, error)
	TrainingSamples(ctx context.Context, limit int) ([]measurement.Measurement, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
	IsReadOnly() bool
}

// HistoryRepository defines the interface for history data storage
type HistoryRepository interface {
	RecordCycle(rec *CycleRecord) error
	RecordAlert(rec *AlertRecord) error
	Recent(limit int) ([]CycleRecord, error)
	Stats() (Stats, error)
	Cleanup(before time.Time) (int64, error)
	Close() error
}

// CycleRecord is one stored control cycle. Measurement fields are zero
// and HasMeasurement false when no valid measurement arrived.
type CycleRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	Cycle            uint64    `json:"cycle"`
	Mode             string    `json:"mode"`
	HasMeasurement   bool      `json:"has_measurement"`
	CapturedAt       time.Time `json:"captured_at"`
	BubbleCount      int       `json:"bubble_count"`
	AvgBubbleSize    float64   `json:"avg_bubble_size"`
	SizeStdDev       float64   `json:"size_std_dev"`
	Stability        float64   `json:"stability"`
	Coverage         float64   `json:"coverage"`
	Classification   string    `json:"classification"`
	Score            float64   `json:"score"`
	ControllerOutput *float64  `json:"controller_output,omitempty"`
	Integral         float64   `json:"integral"`
	Setpoint         float64   `json:"setpoint"`
	Requested        float64   `json:"requested_duty"`
	FinalDuty        float64   `json:"final_duty"`
	Held             bool      `json:"held"`
	SafetyState      string    `json:"safety_state"`
	Fault            string    `json:"fault,omitempty"`
}

// Measurement rebuilds the stored measurement
func (r CycleRecord) Measurement() (measurement.Measurement, bool) {
	if !r.HasMeasurement {
		return measurement.Measurement{}, false
	}
	m := measurement.New(r.BubbleCount, r.AvgBubbleSize, r.SizeStdDev, r.Stability, r.CapturedAt).
		WithCoverage(r.Coverage)
	return m, true
}

// AlertRecord is one stored alert
type AlertRecord struct {
	ID        string
	Timestamp time.Time
	Level     string
	Kind      string
	Message   string
}

// Stats summarises the stored history
type Stats struct {
	Cycles       int64     `json:"cycles"`
	Alerts       int64     `json:"alerts"`
	HeldCycles   int64     `json:"held_cycles"`
	AvgFinalDuty float64   `json:"avg_final_duty"`
	First        time.Time `json:"first,omitempty"`
	Last         time.Time `json:"last,omitempty"`
}

func cycleRecordFromEvent(ev events.CycleEvent) *CycleRecord {
	rec := &CycleRecord{
		Timestamp:        ev.Timestamp,
		Cycle:            ev.Cycle,
		Mode:             ev.Mode,
		Classification:   ev.Verdict.Classification.String(),
		Score:            ev.Verdict.Score,
		ControllerOutput: ev.ControllerOutput,
		Integral:         ev.Integral,
		Setpoint:         ev.Setpoint,
		Requested:        ev.Requested,
		FinalDuty:        ev.FinalDuty,
		Held:             ev.Held,
		SafetyState:      ev.Safety.State.String(),
		Fault:            ev.Fault,
	}
	if m := ev.Measurement; m != nil {
		rec.HasMeasurement = true
		rec.CapturedAt = m.CapturedAt()
		rec.BubbleCount = m.BubbleCount()
		rec.AvgBubbleSize = m.AvgBubbleSize()
		rec.SizeStdDev = m.SizeStdDev()
		rec.Stability = m.Stability()
		rec.Coverage = m.Coverage()
	}
	return rec
}
