package anomaly

import (
	"fmt"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

// DefaultWindowSize is the number of measurements the gate looks back over.
const DefaultWindowSize = 256

// Classification grades how far the froth has drifted from normal operation
type Classification int

const (
	Normal Classification = iota
	Warning
	Critical
)

func (c Classification) String() string {
	switch c {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed

	return nil
}

// ParseClassification is the inverse of Classification.String
func ParseClassification(s string) (Classification, error) {
	switch s {
	case "normal", "":
		return Normal, nil
	case "warning":
		return Warning, nil
	case "critical":
		return Critical, nil
	default:
		return Normal, errors.New().WithData(errors.ErrInvalidArgument, "unknown classification "+s)
	}
}

// Verdict is the result of one evaluation
type Verdict struct {
	Classification Classification `json:"classification"`
	Score          float64        `json:"score"`
}

// Classifier scores a window of measurements, oldest first. It must accept
// empty or short windows.
type Classifier interface {
	Score(window []measurement.Measurement) (Verdict, error)
	Trained() bool
}

// Action is what the control loop does with a verdict
type Action int

const (
	ActionProceed Action = iota
	ActionProceedWithAlert
	ActionHold
)

// ActionFor maps a verdict to a control action. No verdict ever trips the
// safety interlock.
func ActionFor(v Verdict) Action {
	switch v.Classification {
	case Warning:
		return ActionProceedWithAlert
	case Critical:
		return ActionHold
	default:
		return ActionProceed
	}
}

// Holds reports whether the previous duty must be reused
func (a Action) Holds() bool { return a == ActionHold }

// Alerts reports whether an alert event is due
func (a Action) Alerts() bool { return a != ActionProceed }

// Window is a fixed-capacity ring of measurements. The oldest entry is
// evicted first.
type Window struct {
	buf  []measurement.Measurement
	head int
	size int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}

	return &Window{buf: make([]measurement.Measurement, capacity)}
}

func (w *Window) Push(m measurement.Measurement) {
	if w.size == len(w.buf) {
		w.buf[w.head] = m
		w.head = (w.head + 1) % len(w.buf)
		return
	}
	w.buf[(w.head+w.size)%len(w.buf)] = m
	w.size++
}

// Measurements returns a copy of the window contents, oldest first
func (w *Window) Measurements() []measurement.Measurement {
	out := make([]measurement.Measurement, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}

	return out
}

func (w *Window) Len() int { return w.size }
func (w *Window) Cap() int { return len(w.buf) }

// Gate decides whether automatic dosing may use the PI output this cycle.
// Without a trained classifier every verdict is Normal.
type Gate struct {
	classifier Classifier
	degraded   bool
	log        logger.Logger
}

func NewGate(classifier Classifier, log logger.Logger) *Gate {
	if log == nil {
		log = logger.With("anomaly")
	}

	return &Gate{classifier: classifier, log: log}
}

// SetClassifier swaps the scoring strategy, for example after retraining
func (g *Gate) SetClassifier(c Classifier) {
	g.classifier = c
	g.degraded = false
}

// Degraded reports whether the last scoring attempt failed
func (g *Gate) Degraded() bool {
	return g.degraded
}

func (g *Gate) Evaluate(w *Window) Verdict {
	if g.classifier == nil || !g.classifier.Trained() || w == nil || w.Len() == 0 {
		return Verdict{Classification: Normal}
	}

	v, err := g.classifier.Score(w.Measurements())
	if err != nil {
		if !g.degraded {
			g.log.ErrorWithCode(errors.New().Wrap(errors.ErrAnomalyDegraded, err)).
				Msg("Anomaly classifier unavailable, continuing with normal verdicts")
		}
		g.degraded = true
		return Verdict{Classification: Normal}
	}

	if g.degraded {
		g.log.Info().Msg("Anomaly classifier recovered")
		g.degraded = false
	}
	if v.Classification < Normal || v.Classification > Critical {
		return Verdict{Classification: Normal, Score: v.Score}
	}

	return v
}
