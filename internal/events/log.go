package events

import (
	"context"

	"codeberg.org/mutker/frothctl/internal/logger"
)

// LogSink writes events to the structured log. Cycles are logged at debug
// level and alerts at the level matching their severity.
type LogSink struct {
	log logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	if log == nil {
		log = logger.With("events")
	}

	return &LogSink{log: log}
}

func (s *LogSink) PublishCycle(_ context.Context, ev CycleEvent) error {
	e := s.log.Debug().
		Uint64("cycle", ev.Cycle).
		Str("mode", ev.Mode).
		Str("verdict", ev.Verdict.Classification.String()).
		Float64("requested", ev.Requested).
		Float64("duty", ev.FinalDuty).
		Bool("held", ev.Held).
		Str("safety", ev.Safety.StateName)

	if ev.Measurement != nil {
		e = e.Int("bubbles", ev.Measurement.BubbleCount())
	}
	if ev.ControllerOutput != nil {
		e = e.Float64("pi", *ev.ControllerOutput)
	}
	if ev.Fault != "" {
		e = e.Str("fault", ev.Fault)
	}
	e.Msg("Control cycle")

	return nil
}

func (s *LogSink) PublishAlert(_ context.Context, a Alert) error {
	var ev *logger.LogEvent
	switch a.Level {
	case LevelCritical:
		ev = s.log.Error()
	case LevelWarning:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}

	ev.Str("alert_id", a.ID).Str("kind", string(a.Kind)).Msg(a.Message)

	return nil
}
