// Package control runs the dosing loop. One goroutine owns the PI
// controller and the safety interlock; everything else talks to it through
// the operator command queue or reads the published Status snapshot.
package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/frothctl/internal/actuator"
	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
	"codeberg.org/mutker/frothctl/internal/pi"
	"codeberg.org/mutker/frothctl/internal/safety"
)

const (
	DefaultPeriod         = time.Second
	DefaultReceiveTimeout = 250 * time.Millisecond
	DefaultMaxClockSkew   = 2 * time.Second

	shutdownDispatchTimeout = 5 * time.Second
	commandQueueSize        = 16
)

// Receiver is the consumer side of the measurement handoff
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (measurement.Measurement, error)
	TryReceive() (measurement.Measurement, bool)
	Stats() measurement.Stats
}

// Config configures the orchestrator and the state it owns
type Config struct {
	Period         time.Duration
	ReceiveTimeout time.Duration
	MaxBubbleCount int
	WindowSize     int
	Mode           Mode
	ManualDuty     float64

	// MaxClockSkew is how far ahead of the controller clock a capture
	// timestamp may be before the measurement is rejected.
	MaxClockSkew time.Duration

	// DeviceDuties are the start duties of auxiliary devices, by name
	DeviceDuties map[string]float64

	Controller pi.Config
	Safety     safety.Config
}

func DefaultConfig() Config {
	return Config{
		Period:         DefaultPeriod,
		ReceiveTimeout: DefaultReceiveTimeout,
		MaxBubbleCount: measurement.DefaultMaxBubbleCount,
		WindowSize:     anomaly.DefaultWindowSize,
		MaxClockSkew:   DefaultMaxClockSkew,
		Mode:           ModeAuto,
		Controller:     pi.DefaultConfig(),
		Safety:         safety.DefaultConfig(),
	}
}

// Deps are the collaborators the loop drives
type Deps struct {
	Measurements Receiver
	Classifier   anomaly.Classifier
	Driver       actuator.Driver
	Sink         events.Sink
	Logger       logger.Logger
	Now          func() time.Time
}

// Orchestrator ties measurement intake, anomaly gating, the PI law and the
// safety interlock together once per period.
type Orchestrator struct {
	cfg    Config
	source Receiver
	pi     *pi.Controller
	safety *safety.Manager
	gate   *anomaly.Gate
	window *anomaly.Window
	driver actuator.Driver
	sink   events.Sink
	log    logger.Logger
	now    func() time.Time

	mode          Mode
	manualDuty    float64
	lastDuty      float64
	lastVerdict   anomaly.Verdict
	lastProcessed time.Time
	lastPIAt      time.Time
	cycle         uint64
	sensorFaulted bool
	degraded      bool
	alerts        []events.Alert

	deviceDriver actuator.DeviceDriver
	devices      []*device

	commands chan command
	stopped  chan struct{}
	started  atomic.Bool
	running  atomic.Bool
	status   atomic.Pointer[Status]
}

// New builds the controller and interlock from cfg. Both are owned by the
// returned Orchestrator for its lifetime.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	errFactory := errors.New()

	if deps.Measurements == nil || deps.Driver == nil {
		return nil, errFactory.WithMessage(errors.ErrMissingConfig, "measurement source and pump driver are required")
	}
	if cfg.Period <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, cfg.Period.String())
	}
	if cfg.ReceiveTimeout <= 0 || cfg.ReceiveTimeout >= cfg.Period {
		return nil, errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("receive timeout %s must be positive and shorter than the period %s", cfg.ReceiveTimeout, cfg.Period))
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.ManualDuty < 0 || cfg.ManualDuty > 100 {
		return nil, errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("manual duty %v outside [0, 100]", cfg.ManualDuty))
	}

	o := &Orchestrator{
		cfg:        cfg,
		source:     deps.Measurements,
		window:     anomaly.NewWindow(cfg.WindowSize),
		driver:     deps.Driver,
		sink:       deps.Sink,
		log:        deps.Logger,
		now:        deps.Now,
		mode:       cfg.Mode,
		manualDuty: cfg.ManualDuty,
		commands:   make(chan command, commandQueueSize),
		stopped:    make(chan struct{}),
	}
	if o.sink == nil {
		o.sink = events.Discard{}
	}
	if o.log == nil {
		o.log = logger.With("control")
	}
	if o.now == nil {
		o.now = time.Now
	}

	controller, err := pi.New(cfg.Controller)
	if err != nil {
		return nil, err
	}
	o.pi = controller

	safetyCfg := cfg.Safety
	safetyCfg.Now = o.now
	safetyCfg.Logger = o.log.With("safety")
	userHook := safetyCfg.OnTransition
	safetyCfg.OnTransition = func(tr safety.Transition) {
		o.onTransition(tr)
		if userHook != nil {
			userHook(tr)
		}
	}
	if o.safety, err = safety.New(safetyCfg); err != nil {
		return nil, err
	}

	if limits := o.driver.Limits(); limits.Max < o.safety.MaxDutyCycle() {
		o.log.Warn().
			Float64("driverMax", limits.Max).
			Float64("maxDutyCycle", o.safety.MaxDutyCycle()).
			Msg("Pump driver accepts less than the configured duty ceiling; larger commands will trip the interlock")
	}

	if err := o.initDevices(cfg.DeviceDuties); err != nil {
		return nil, err
	}

	o.gate = anomaly.NewGate(deps.Classifier, o.log.With("anomaly"))
	o.publishStatus(nil, nil, "")

	return o, nil
}

// Run executes a cycle every period and serves operator commands between
// cycles. When ctx is cancelled it commands a zero duty and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New().New(errors.ErrAlreadyRunning)
	}
	defer close(o.stopped)

	o.running.Store(true)
	o.publishStatus(nil, nil, "")

	ticker := time.NewTicker(o.cfg.Period)
	defer ticker.Stop()

	o.log.Info().
		Str("mode", string(o.mode)).
		Dur("period", o.cfg.Period).
		Msg("Dosing control loop started")

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case cmd := <-o.commands:
			cmd.reply <- cmd.fn(ctx)
		case <-ticker.C:
			if err := o.Cycle(ctx); err != nil {
				if errors.HasCode(err, errors.ErrShutdown) {
					return o.shutdown()
				}
				o.log.Error().Err(err).Msg("Control cycle failed")
			}
		}
	}
}

// Cycle runs one control cycle. It returns a shutdown error when ctx is
// cancelled while waiting for a measurement; every other fault is handled
// inside the cycle.
func (o *Orchestrator) Cycle(ctx context.Context) error {
	start := o.now()

	latest, fresh, err := o.receive(ctx)
	if err != nil {
		return err
	}
	o.cycle++

	ev := events.CycleEvent{
		Cycle:     o.cycle,
		Timestamp: start,
		Mode:      string(o.mode),
		Verdict:   o.lastVerdict,
	}
	if fresh {
		ev.Measurement = &latest
	}
	if o.sensorFaulted {
		ev.Fault = string(errors.ErrSensorFault)
	}

	requested, output := o.request(latest, fresh, &ev)
	ev.ControllerOutput = output
	ev.Requested = requested

	final := o.safety.ComputeSafeDuty(requested)
	if err := o.safety.VerifyDispatch(final, o.driver.Limits()); err != nil {
		final = o.safety.ComputeSafeDuty(0)
		ev.Fault = string(errors.CodeOf(err))
	}

	retries, err := o.dispatch(ctx, final)
	ev.Retries = retries
	if err != nil && ctx.Err() != nil {
		return errors.New().Wrap(errors.ErrShutdown, err)
	}
	if err != nil {
		o.actuatorFault(ctx, err)
		final = 0
		ev.Fault = string(errors.ErrActuatorFault)
	} else {
		ev.Dispatched = true
	}
	o.lastDuty = final
	o.applyDevices(ctx)

	state := o.pi.State()
	ev.Integral = state.Integral
	ev.Setpoint = state.Setpoint
	ev.FinalDuty = final
	ev.Safety = o.safety.Snapshot()
	ev.Devices = o.appliedDevices()
	ev.Duration = o.now().Sub(start)

	o.flushAlerts(ctx)
	if err := o.sink.PublishCycle(ctx, ev); err != nil {
		o.log.Debug().Err(err).Msg("Failed to publish cycle event")
	}
	o.publishStatus(&ev, ev.Measurement, ev.Fault)

	return nil
}

// receive waits briefly for a measurement, then drains the channel. Every
// valid, in-order measurement enters the window; the newest is returned.
// Captures stamped more than MaxClockSkew ahead of the controller clock are
// sensor faults.
func (o *Orchestrator) receive(ctx context.Context) (measurement.Measurement, bool, error) {
	first, err := o.source.Receive(ctx, o.cfg.ReceiveTimeout)
	if err != nil {
		if errors.HasCode(err, errors.ErrTimeout) {
			return measurement.Measurement{}, false, nil
		}
		return measurement.Measurement{}, false, err
	}

	batch := []measurement.Measurement{first}
	for {
		m, ok := o.source.TryReceive()
		if !ok {
			break
		}
		batch = append(batch, m)
	}

	now := o.now()
	var latest measurement.Measurement
	fresh := false
	for _, m := range batch {
		if err := m.Validate(o.cfg.MaxBubbleCount); err != nil {
			o.sensorFault(err)
			continue
		}
		if ahead := m.CapturedAt().Sub(now); ahead > o.cfg.MaxClockSkew {
			o.sensorFault(errors.New().WithData(errors.ErrSensorFault,
				fmt.Sprintf("capture timestamp %s is %s ahead of the controller clock", m.CapturedAt().Format(time.RFC3339Nano), ahead)))
			continue
		}
		if !m.CapturedAt().After(o.lastProcessed) {
			o.log.Debug().
				Time("capturedAt", m.CapturedAt()).
				Time("lastProcessed", o.lastProcessed).
				Msg("Discarding out-of-order measurement")
			continue
		}

		o.lastProcessed = m.CapturedAt()
		o.window.Push(m)
		latest = m
		fresh = true
	}

	if fresh {
		o.safety.RecordMeasurement(latest.CapturedAt())
		if o.sensorFaulted {
			o.log.Info().Msg("Valid measurements resumed")
			o.sensorFaulted = false
		}
	}

	return latest, fresh, nil
}

// request picks the duty to hand to the interlock. The PI law only runs in
// auto mode, on fresh data, with the interlock armed and no Critical
// verdict. Otherwise the previously dispatched duty is reused.
func (o *Orchestrator) request(latest measurement.Measurement, fresh bool, ev *events.CycleEvent) (float64, *float64) {
	if o.mode == ModeManual {
		return o.manualDuty, nil
	}

	if o.safety.Check() == safety.StateTripped {
		// No integration while the pumps are forced off.
		o.lastPIAt = time.Time{}
		return 0, nil
	}

	if !fresh {
		return o.lastDuty, nil
	}

	verdict := o.gate.Evaluate(o.window)
	o.lastVerdict = verdict
	ev.Verdict = verdict
	o.trackDegraded()

	action := anomaly.ActionFor(verdict)
	if action.Alerts() {
		level := events.LevelWarning
		if verdict.Classification == anomaly.Critical {
			level = events.LevelCritical
		}
		o.alert(level, events.KindAnomaly,
			fmt.Sprintf("Froth anomaly %s (score %.2f)", verdict.Classification, verdict.Score))
	}
	if action.Holds() {
		// the held stretch is not integrated on resume
		o.lastPIAt = time.Time{}
		ev.Held = true
		return o.lastDuty, nil
	}

	dt := o.cfg.Period.Seconds()
	if !o.lastPIAt.IsZero() {
		if d := latest.CapturedAt().Sub(o.lastPIAt).Seconds(); d > 0 {
			dt = d
		}
	}
	o.lastPIAt = latest.CapturedAt()

	out, err := o.pi.Update(float64(latest.BubbleCount()), dt)
	if err != nil {
		o.log.Error().Err(err).Msg("PI update rejected")
		return o.lastDuty, nil
	}

	return out, &out
}

// dispatch applies duty, retrying once on failure.
func (o *Orchestrator) dispatch(ctx context.Context, duty float64) (int, error) {
	err := o.driver.Apply(ctx, duty)
	if err == nil {
		return 0, nil
	}

	o.log.Warn().Err(err).Float64("duty", duty).Msg("Pump dispatch failed, retrying")

	return 1, o.driver.Apply(ctx, duty)
}

// actuatorFault latches the interlock after a failed retry and makes one
// attempt to leave the pumps at zero.
func (o *Orchestrator) actuatorFault(ctx context.Context, cause error) {
	fault := errors.New().Wrap(errors.ErrActuatorFault, cause)
	o.log.ErrorWithCode(fault).Msg("Pump driver unresponsive after retry")

	o.safety.ActuatorFault(cause.Error())
	if err := o.driver.Apply(ctx, 0); err != nil {
		o.log.Error().Err(err).Msg("Failed to zero pumps after actuator fault")
	}
}

func (o *Orchestrator) sensorFault(err error) {
	o.log.Debug().Err(err).Msg("Rejected measurement")

	if o.sensorFaulted {
		return
	}
	o.sensorFaulted = true
	o.alert(events.LevelWarning, events.KindSensor, "Invalid measurement rejected: "+err.Error())
}

func (o *Orchestrator) trackDegraded() {
	degraded := o.gate.Degraded()
	if degraded && !o.degraded {
		o.alert(events.LevelWarning, events.KindClassifier, "Anomaly classifier unavailable, gating disabled")
	}
	o.degraded = degraded
}

func (o *Orchestrator) onTransition(tr safety.Transition) {
	if tr.To == safety.StateArmed {
		o.alert(events.LevelInfo, events.KindSafety, "Safety interlock reset, dosing re-armed")
		return
	}

	if tr.Cause == safety.CauseWatchdog {
		o.log.ErrorWithCode(errors.New().WithData(errors.ErrStaleInput, tr.Source)).Msg("Measurement watchdog expired")
	}
	o.alert(events.LevelCritical, events.KindSafety,
		fmt.Sprintf("Safety interlock tripped: %s (%s)", tr.Cause, tr.Source))
}

// alert queues an alert; queued alerts are published ahead of the cycle
// event that caused them.
func (o *Orchestrator) alert(level events.Level, kind events.Kind, message string) {
	o.alerts = append(o.alerts, events.NewAlert(level, kind, message, o.now()))
}

func (o *Orchestrator) flushAlerts(ctx context.Context) {
	for _, a := range o.alerts {
		if err := o.sink.PublishAlert(ctx, a); err != nil {
			o.log.Debug().Err(err).Msg("Failed to publish alert")
		}
	}
	o.alerts = o.alerts[:0]
}

// shutdown commands the safe duty on the way out.
func (o *Orchestrator) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDispatchTimeout)
	defer cancel()

	final := o.safety.ComputeSafeDuty(0)
	_, err := o.dispatch(ctx, final)
	o.lastDuty = final
	o.zeroDevices(ctx)
	o.running.Store(false)
	o.flushAlerts(ctx)
	o.publishStatus(nil, nil, "")

	if err != nil {
		o.log.Error().Err(err).Msg("Failed to zero pumps on shutdown")
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	o.log.Info().Msg("Dosing control loop stopped, pumps at zero")

	return nil
}

func (o *Orchestrator) publishStatus(ev *events.CycleEvent, m *measurement.Measurement, fault string) {
	state := o.pi.State()
	st := &Status{
		Cycle:           o.cycle,
		UpdatedAt:       o.now(),
		Running:         o.running.Load(),
		Mode:            o.mode,
		Setpoint:        state.Setpoint,
		Kp:              state.Kp,
		Ki:              state.Ki,
		Integral:        state.Integral,
		ManualDuty:      o.manualDuty,
		FinalDuty:       o.lastDuty,
		Verdict:         o.lastVerdict,
		AnomalyDegraded: o.gate.Degraded(),
		Safety:          o.safety.Snapshot(),
		Channel:         o.source.Stats(),
		Devices:         o.deviceStates(),
		Fault:           fault,
	}

	if prev := o.status.Load(); prev != nil && m == nil {
		st.Measurement = prev.Measurement
	} else {
		st.Measurement = m
	}
	if ev != nil {
		st.Requested = ev.Requested
		st.ControllerOutput = ev.ControllerOutput
		st.Held = ev.Held
	} else if prev := o.status.Load(); prev != nil {
		st.Requested = prev.Requested
	}

	o.status.Store(st)
}

// Status returns the latest snapshot. It is safe to call from any goroutine.
func (o *Orchestrator) Status() Status {
	return *o.status.Load()
}
