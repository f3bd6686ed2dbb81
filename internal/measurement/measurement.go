package measurement

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/frothctl/internal/errors"
)

// DefaultMaxBubbleCount is the sanity ceiling applied when none is configured.
const DefaultMaxBubbleCount = 5000

// Measurement is one froth observation produced by the vision pipeline.
// It is immutable once constructed.
type Measurement struct {
	bubbleCount   int
	avgBubbleSize float64
	sizeStdDev    float64
	stability     float64
	coverage      float64
	capturedAt    time.Time
}

// New builds a Measurement. Values are not checked here; the consumer
// calls Validate so that bad input is rejected where it is acted upon.
func New(bubbleCount int, avgBubbleSize, sizeStdDev, stability float64, capturedAt time.Time) Measurement {
	return Measurement{
		bubbleCount:   bubbleCount,
		avgBubbleSize: avgBubbleSize,
		sizeStdDev:    sizeStdDev,
		stability:     stability,
		capturedAt:    capturedAt,
	}
}

// WithCoverage returns a copy carrying the bubble coverage ratio.
func (m Measurement) WithCoverage(coverage float64) Measurement {
	m.coverage = coverage
	return m
}

func (m Measurement) BubbleCount() int       { return m.bubbleCount }
func (m Measurement) AvgBubbleSize() float64 { return m.avgBubbleSize }
func (m Measurement) SizeStdDev() float64    { return m.sizeStdDev }
func (m Measurement) Stability() float64     { return m.stability }
func (m Measurement) Coverage() float64      { return m.coverage }
func (m Measurement) CapturedAt() time.Time  { return m.capturedAt }

// IsZero reports whether m was never set.
func (m Measurement) IsZero() bool {
	return m.capturedAt.IsZero()
}

// Validate rejects measurements the controller must not act on.
func (m Measurement) Validate(maxBubbleCount int) error {
	errFactory := errors.New()

	if maxBubbleCount <= 0 {
		maxBubbleCount = DefaultMaxBubbleCount
	}

	switch {
	case m.capturedAt.IsZero():
		return errFactory.WithData(errors.ErrSensorFault, "missing capture timestamp")
	case m.bubbleCount < 0:
		return errFactory.WithData(errors.ErrSensorFault, fmt.Sprintf("negative bubble count %d", m.bubbleCount))
	case m.bubbleCount > maxBubbleCount:
		return errFactory.WithData(errors.ErrSensorFault,
			fmt.Sprintf("bubble count %d exceeds ceiling %d", m.bubbleCount, maxBubbleCount))
	case !nonNegative(m.avgBubbleSize):
		return errFactory.WithData(errors.ErrSensorFault, fmt.Sprintf("invalid average bubble size %v", m.avgBubbleSize))
	case !nonNegative(m.sizeStdDev):
		return errFactory.WithData(errors.ErrSensorFault, fmt.Sprintf("invalid size deviation %v", m.sizeStdDev))
	case !unitInterval(m.stability):
		return errFactory.WithData(errors.ErrSensorFault, fmt.Sprintf("stability %v outside [0,1]", m.stability))
	case !unitInterval(m.coverage):
		return errFactory.WithData(errors.ErrSensorFault, fmt.Sprintf("coverage %v outside [0,1]", m.coverage))
	}

	return nil
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Record is the wire form of a Measurement, shared by the broker source and
// the event sinks.
type Record struct {
	BubbleCount   int       `json:"bubble_count"`
	AvgBubbleSize float64   `json:"avg_bubble_size"`
	SizeStdDev    float64   `json:"size_std_dev"`
	Stability     float64   `json:"stability_score"`
	Coverage      float64   `json:"coverage_ratio"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Record converts m to its wire form.
func (m Measurement) Record() Record {
	return Record{
		BubbleCount:   m.bubbleCount,
		AvgBubbleSize: m.avgBubbleSize,
		SizeStdDev:    m.sizeStdDev,
		Stability:     m.stability,
		Coverage:      m.coverage,
		CapturedAt:    m.capturedAt,
	}
}

// Measurement converts r back into a Measurement.
func (r Record) Measurement() Measurement {
	return New(r.BubbleCount, r.AvgBubbleSize, r.SizeStdDev, r.Stability, r.CapturedAt).
		WithCoverage(r.Coverage)
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Record())
}

func (m *Measurement) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*m = r.Measurement()

	return nil
}
