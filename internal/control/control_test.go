package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/frothctl/internal/actuator"
	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/measurement"
	"codeberg.org/mutker/frothctl/internal/safety"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	cycles []events.CycleEvent
	alerts []events.Alert
}

func (s *recordingSink) PublishCycle(_ context.Context, ev events.CycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, ev)
	return nil
}

func (s *recordingSink) PublishAlert(_ context.Context, a events.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) last() events.CycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles[len(s.cycles)-1]
}

func (s *recordingSink) alertsOf(kind events.Kind) []events.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []events.Alert
	for _, a := range s.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type scriptedClassifier struct {
	verdicts []anomaly.Classification
	calls    int
}

func (s *scriptedClassifier) Trained() bool { return true }
func (s *scriptedClassifier) Score([]measurement.Measurement) (anomaly.Verdict, error) {
	v := s.verdicts[min(s.calls, len(s.verdicts)-1)]
	s.calls++
	return anomaly.Verdict{Classification: v, Score: float64(v) * 3}, nil
}

type harness struct {
	o      *Orchestrator
	ch     *measurement.Channel
	driver *actuator.SimDriver
	sink   *recordingSink
	clock  *fakeClock
}

func newHarness(t *testing.T, classifier anomaly.Classifier, mutate ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWithDriver(t, classifier, actuator.NewSimDriver(actuator.FullRange()), mutate...)
}

func newHarnessWithDriver(t *testing.T, classifier anomaly.Classifier, driver *actuator.SimDriver, mutate ...func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ReceiveTimeout = 10 * time.Millisecond
	for _, fn := range mutate {
		fn(&cfg)
	}

	h := &harness{
		ch:     measurement.NewChannel(4),
		driver: driver,
		sink:   &recordingSink{},
		clock:  &fakeClock{now: t0},
	}

	o, err := New(cfg, Deps{
		Measurements: h.ch,
		Classifier:   classifier,
		Driver:       h.driver,
		Sink:         h.sink,
		Now:          h.clock.Now,
	})
	require.NoError(t, err)
	h.o = o

	return h
}

// feed advances the clock by one period and sends a measurement captured now.
func (h *harness) feed(count int) {
	h.clock.Advance(time.Second)
	h.ch.Send(measurement.New(count, 250, 30, 0.8, h.clock.Now()))
}

func (h *harness) cycle(t *testing.T) events.CycleEvent {
	t.Helper()
	require.NoError(t, h.o.Cycle(context.Background()))
	return h.sink.last()
}

func TestSingleCycleDispatchesPIOutput(t *testing.T) {
	h := newHarness(t, nil)

	h.feed(95)
	ev := h.cycle(t)

	require.NotNil(t, ev.ControllerOutput)
	assert.InDelta(t, 13.75, *ev.ControllerOutput, 1e-9)
	assert.InDelta(t, 13.75, ev.FinalDuty, 1e-9)
	assert.InDelta(t, 13.75, h.driver.Duty(), 1e-9)
	assert.InDelta(t, 25, ev.Integral, 1e-9)
	assert.True(t, ev.Dispatched)
	assert.Equal(t, anomaly.Normal, ev.Verdict.Classification)

	st := h.o.Status()
	assert.InDelta(t, 13.75, st.FinalDuty, 1e-9)
	require.NotNil(t, st.Measurement)
	assert.Equal(t, 95, st.Measurement.BubbleCount())
}

func TestCriticalVerdictHoldsPreviousDuty(t *testing.T) {
	classifier := &scriptedClassifier{verdicts: []anomaly.Classification{anomaly.Normal, anomaly.Critical}}
	h := newHarness(t, classifier)

	h.feed(95)
	first := h.cycle(t)
	integral := first.Integral

	h.feed(40)
	ev := h.cycle(t)

	assert.True(t, ev.Held)
	assert.Nil(t, ev.ControllerOutput, "PI must not run on a critical verdict")
	assert.InDelta(t, first.FinalDuty, ev.FinalDuty, 1e-9)
	assert.InDelta(t, first.FinalDuty, h.driver.Duty(), 1e-9)
	assert.InDelta(t, integral, ev.Integral, 1e-9)
	assert.Equal(t, safety.StateArmed, ev.Safety.State, "anomalies never trip the interlock")

	alerts := h.sink.alertsOf(events.KindAnomaly)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.LevelCritical, alerts[0].Level)
}

func TestResumeAfterHoldDoesNotIntegrateHeldStretch(t *testing.T) {
	verdicts := []anomaly.Classification{anomaly.Normal}
	for i := 0; i < 10; i++ {
		verdicts = append(verdicts, anomaly.Critical)
	}
	verdicts = append(verdicts, anomaly.Normal)
	h := newHarness(t, &scriptedClassifier{verdicts: verdicts})

	h.feed(115)
	assert.InDelta(t, 5, h.cycle(t).Integral, 1e-9)

	for i := 0; i < 10; i++ {
		h.feed(115)
		require.True(t, h.cycle(t).Held)
	}

	h.feed(115)
	ev := h.cycle(t)
	require.False(t, ev.Held)
	require.NotNil(t, ev.ControllerOutput)
	assert.InDelta(t, 10, ev.Integral, 1e-9, "resume integrates one period, not the held stretch")
}

func TestWarningProceedsWithAlert(t *testing.T) {
	h := newHarness(t, &scriptedClassifier{verdicts: []anomaly.Classification{anomaly.Warning}})

	h.feed(95)
	ev := h.cycle(t)

	assert.False(t, ev.Held)
	require.NotNil(t, ev.ControllerOutput)
	assert.InDelta(t, 13.75, ev.FinalDuty, 1e-9)

	alerts := h.sink.alertsOf(events.KindAnomaly)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.LevelWarning, alerts[0].Level)
}

func TestWatchdogForcesZero(t *testing.T) {
	h := newHarness(t, nil)

	h.feed(95)
	require.InDelta(t, 13.75, h.cycle(t).FinalDuty, 1e-9)

	h.clock.Advance(5*time.Second + time.Millisecond)
	ev := h.cycle(t)

	assert.Zero(t, ev.FinalDuty)
	assert.Zero(t, h.driver.Duty())
	assert.Equal(t, safety.StateTripped, ev.Safety.State)
	assert.Equal(t, safety.CauseWatchdog, ev.Safety.Cause)

	safetyAlerts := h.sink.alertsOf(events.KindSafety)
	require.Len(t, safetyAlerts, 1)
	assert.Equal(t, events.LevelCritical, safetyAlerts[0].Level)

	// Fresh data does not re-arm.
	h.feed(95)
	ev = h.cycle(t)
	assert.Zero(t, ev.FinalDuty)
	assert.Nil(t, ev.ControllerOutput)

	require.NoError(t, h.o.safety.Reset("shift-lead"))
	h.feed(95)
	ev = h.cycle(t)
	assert.Equal(t, safety.StateArmed, ev.Safety.State)
	assert.Positive(t, ev.FinalDuty)
	assert.Len(t, h.sink.alertsOf(events.KindSafety), 2)
}

func TestNoMeasurementReusesLastDuty(t *testing.T) {
	h := newHarness(t, nil)

	h.feed(95)
	first := h.cycle(t)

	h.clock.Advance(time.Second)
	ev := h.cycle(t)

	assert.Nil(t, ev.Measurement)
	assert.Nil(t, ev.ControllerOutput)
	assert.InDelta(t, first.FinalDuty, ev.FinalDuty, 1e-9)
	assert.InDelta(t, first.Integral, ev.Integral, 1e-9)
}

func TestDispatchRetry(t *testing.T) {
	h := newHarness(t, nil)

	h.driver.FailNext(1)
	h.feed(95)
	ev := h.cycle(t)

	assert.Equal(t, 1, ev.Retries)
	assert.True(t, ev.Dispatched)
	assert.InDelta(t, 13.75, h.driver.Duty(), 1e-9)
	assert.Equal(t, safety.StateArmed, ev.Safety.State)
}

func TestRepeatedDispatchFailureTrips(t *testing.T) {
	h := newHarness(t, nil)

	h.feed(95)
	h.cycle(t)

	h.driver.FailNext(2)
	h.feed(95)
	ev := h.cycle(t)

	assert.False(t, ev.Dispatched)
	assert.Equal(t, string(errors.ErrActuatorFault), ev.Fault)
	assert.Equal(t, safety.StateTripped, ev.Safety.State)
	assert.Equal(t, safety.CauseActuatorFault, ev.Safety.Cause)
	assert.Zero(t, ev.FinalDuty)
	assert.Zero(t, h.driver.Duty(), "pumps zeroed after the fault")
}

func TestManualModeBypassesController(t *testing.T) {
	h := newHarness(t, &scriptedClassifier{verdicts: []anomaly.Classification{anomaly.Critical}})

	h.o.manualDuty = 95
	h.o.setMode(ModeManual)

	h.feed(95)
	ev := h.cycle(t)

	assert.Equal(t, "manual", ev.Mode)
	assert.Nil(t, ev.ControllerOutput)
	assert.InDelta(t, 95, ev.Requested, 1e-9)
	assert.InDelta(t, 80, ev.FinalDuty, 1e-9, "manual duty is clamped by the interlock")
	assert.Empty(t, h.sink.alertsOf(events.KindAnomaly))
	assert.Zero(t, h.o.pi.State().Integral)
}

func TestInvalidMeasurementIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.Advance(time.Second)
	h.ch.Send(measurement.New(-1, 250, 30, 0.8, h.clock.Now()))
	ev := h.cycle(t)

	assert.Nil(t, ev.Measurement)
	assert.Nil(t, ev.ControllerOutput)
	assert.Equal(t, string(errors.ErrSensorFault), ev.Fault)
	assert.Zero(t, h.o.window.Len())

	h.clock.Advance(time.Second)
	h.ch.Send(measurement.New(99999, 250, 30, 0.8, h.clock.Now()))
	h.cycle(t)

	assert.Len(t, h.sink.alertsOf(events.KindSensor), 1, "alert only on entering the fault state")

	h.feed(95)
	ev = h.cycle(t)
	assert.Empty(t, ev.Fault)
	require.NotNil(t, ev.ControllerOutput)
}

func TestFutureTimestampIsSensorFault(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.Advance(time.Second)
	h.ch.Send(measurement.New(95, 250, 30, 0.8, h.clock.Now().Add(time.Hour)))
	ev := h.cycle(t)

	assert.Nil(t, ev.Measurement)
	assert.Equal(t, string(errors.ErrSensorFault), ev.Fault)
	assert.Zero(t, h.o.window.Len())
	assert.Len(t, h.sink.alertsOf(events.KindSensor), 1)

	// On-time data keeps flowing past the watchdog timeout.
	for i := 0; i < 7; i++ {
		h.feed(95)
		ev = h.cycle(t)
		require.NotNil(t, ev.Measurement, "cycle %d", i)
	}
	assert.Empty(t, ev.Fault)
	assert.Equal(t, safety.StateArmed, ev.Safety.State)
	assert.Positive(t, ev.FinalDuty)
}

func TestSmallClockSkewIsAccepted(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.Advance(time.Second)
	h.ch.Send(measurement.New(95, 250, 30, 0.8, h.clock.Now().Add(500*time.Millisecond)))
	ev := h.cycle(t)

	require.NotNil(t, ev.Measurement)
	assert.Empty(t, ev.Fault)

	h.feed(95)
	require.NotNil(t, h.cycle(t).Measurement)
}

func TestDutyOutsideDriverLimitsTrips(t *testing.T) {
	h := newHarnessWithDriver(t, nil, actuator.NewSimDriver(actuator.Limits{Min: 0, Max: 50}))

	h.o.manualDuty = 70
	h.o.setMode(ModeManual)

	h.feed(95)
	ev := h.cycle(t)

	assert.InDelta(t, 70, ev.Requested, 1e-9)
	assert.Zero(t, ev.FinalDuty)
	assert.Zero(t, h.driver.Duty())
	assert.Equal(t, string(errors.ErrActuatorFault), ev.Fault)
	assert.Equal(t, safety.StateTripped, ev.Safety.State)
	assert.Equal(t, safety.CauseBoundsViolation, ev.Safety.Cause)

	alerts := h.sink.alertsOf(events.KindSafety)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.LevelCritical, alerts[0].Level)

	// The latch holds even once the request fits.
	h.o.manualDuty = 30
	h.feed(95)
	assert.Zero(t, h.cycle(t).FinalDuty)
}

func TestDevicesFollowCommandAndInterlock(t *testing.T) {
	driver := actuator.NewSimDriver(actuator.FullRange(), "air_pump", "agitator")
	h := newHarnessWithDriver(t, nil, driver, func(c *Config) {
		c.DeviceDuties = map[string]float64{"agitator": 40}
	})

	h.feed(95)
	ev := h.cycle(t)

	assert.InDelta(t, 40, driver.DeviceDuty("agitator"), 1e-9)
	assert.Zero(t, driver.DeviceDuty("air_pump"))
	assert.InDelta(t, 13.75, driver.Duty(), 1e-9, "frother duty is independent of devices")
	assert.Equal(t, map[string]float64{"agitator": 40, "air_pump": 0}, ev.Devices)

	st := h.o.Status()
	require.Len(t, st.Devices, 2)
	assert.Equal(t, "agitator", st.Devices[0].Name)
	assert.InDelta(t, 40, st.Devices[0].Commanded, 1e-9)
	require.NotNil(t, st.Devices[0].Applied)
	assert.InDelta(t, 40, *st.Devices[0].Applied, 1e-9)

	h.clock.Advance(5*time.Second + time.Millisecond)
	ev = h.cycle(t)
	require.Equal(t, safety.StateTripped, ev.Safety.State)
	assert.Zero(t, driver.DeviceDuty("agitator"), "devices are forced off while tripped")
	assert.InDelta(t, 40, h.o.Status().Devices[0].Commanded, 1e-9)

	require.NoError(t, h.o.safety.Reset("shift-lead"))
	h.feed(95)
	h.cycle(t)
	assert.InDelta(t, 40, driver.DeviceDuty("agitator"), 1e-9)
}

func TestDeviceDispatchFailureDoesNotTrip(t *testing.T) {
	driver := actuator.NewSimDriver(actuator.FullRange(), "agitator")
	h := newHarnessWithDriver(t, nil, driver, func(c *Config) {
		c.DeviceDuties = map[string]float64{"agitator": 40}
	})

	h.feed(95)
	h.cycle(t)

	h.o.devices[0].commanded = 60
	driver.FailNext(1)
	h.o.applyDevices(context.Background())

	assert.InDelta(t, 40, driver.DeviceDuty("agitator"), 1e-9)
	assert.Nil(t, h.o.deviceStates()[0].Applied)

	h.clock.Advance(time.Second)
	ev := h.cycle(t)
	assert.Equal(t, safety.StateArmed, ev.Safety.State)
	assert.True(t, ev.Dispatched)
	assert.InDelta(t, 60, driver.DeviceDuty("agitator"), 1e-9, "retried on the next cycle")
}

func TestDrainKeepsOrderAndUsesNewest(t *testing.T) {
	h := newHarness(t, nil)

	base := h.clock.Now()
	h.ch.Send(measurement.New(100, 250, 30, 0.8, base.Add(1*time.Second)))
	h.ch.Send(measurement.New(110, 250, 30, 0.8, base.Add(2*time.Second)))
	h.ch.Send(measurement.New(90, 250, 30, 0.8, base.Add(500*time.Millisecond)))
	h.ch.Send(measurement.New(95, 250, 30, 0.8, base.Add(3*time.Second)))
	h.clock.Advance(3 * time.Second)

	ev := h.cycle(t)

	require.NotNil(t, ev.Measurement)
	assert.Equal(t, 95, ev.Measurement.BubbleCount())

	window := h.o.window.Measurements()
	require.Len(t, window, 3, "the stale measurement is discarded")
	assert.Equal(t, []int{100, 110, 95}, []int{window[0].BubbleCount(), window[1].BubbleCount(), window[2].BubbleCount()})
}

func TestIntegrationStepFollowsCaptureTimes(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.Advance(time.Second)
	h.ch.Send(measurement.New(115, 250, 30, 0.8, h.clock.Now()))
	h.cycle(t)
	assert.InDelta(t, 5, h.o.pi.State().Integral, 1e-9, "first update uses the period")

	h.clock.Advance(3 * time.Second)
	h.ch.Send(measurement.New(115, 250, 30, 0.8, h.clock.Now()))
	h.cycle(t)
	assert.InDelta(t, 20, h.o.pi.State().Integral, 1e-9)
}

func TestCycleReturnsOnShutdown(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) {
		c.Period = 10 * time.Second
		c.ReceiveTimeout = 5 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := h.o.Cycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrShutdown))
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewValidates(t *testing.T) {
	ch := measurement.NewChannel(2)
	driver := actuator.NewSimDriver(actuator.FullRange())

	_, err := New(DefaultConfig(), Deps{Driver: driver})
	assert.True(t, errors.HasCode(err, errors.ErrMissingConfig))

	cfg := DefaultConfig()
	cfg.Controller.Kp = -1
	_, err = New(cfg, Deps{Measurements: ch, Driver: driver})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.ReceiveTimeout = 2 * cfg.Period
	_, err = New(cfg, Deps{Measurements: ch, Driver: driver})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.Mode = "cruise"
	_, err = New(cfg, Deps{Measurements: ch, Driver: driver})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	cfg = DefaultConfig()
	cfg.DeviceDuties = map[string]float64{"agitator": 20}
	_, err = New(cfg, Deps{Measurements: ch, Driver: driver})
	assert.True(t, errors.HasCode(err, actuator.ErrUnknownDevice))

	cfg.DeviceDuties = map[string]float64{"agitator": 120}
	_, err = New(cfg, Deps{Measurements: ch, Driver: actuator.NewSimDriver(actuator.FullRange(), "agitator")})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestRunServesDeviceCommands(t *testing.T) {
	driver := actuator.NewSimDriver(actuator.FullRange(), "agitator", "air_pump")
	h := newHarnessWithDriver(t, nil, driver, func(c *Config) {
		c.Period = 20 * time.Millisecond
		c.ReceiveTimeout = 5 * time.Millisecond
		c.DeviceDuties = map[string]float64{"agitator": 40}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	require.Eventually(t, func() bool { return h.o.Status().Running }, time.Second, time.Millisecond)

	opCtx, opCancel := context.WithTimeout(context.Background(), time.Second)
	defer opCancel()

	require.NoError(t, h.o.SetDevice(opCtx, "air_pump", 55))
	assert.InDelta(t, 55, driver.DeviceDuty("air_pump"), 1e-9, "applied without waiting for a cycle")
	assert.InDelta(t, 55, h.o.Status().Devices[1].Commanded, 1e-9)

	assert.True(t, errors.HasCode(h.o.SetDevice(opCtx, "feed_pump", 10), actuator.ErrUnknownDevice))
	assert.True(t, errors.HasCode(h.o.SetDevice(opCtx, "air_pump", 120), errors.ErrInvalidArgument))

	require.NoError(t, h.o.EmergencyStop(opCtx, "panel"))
	assert.Zero(t, driver.DeviceDuty("agitator"))
	assert.Zero(t, driver.DeviceDuty("air_pump"))

	require.NoError(t, h.o.ResetEstop(opCtx, "shift-lead"))
	require.Eventually(t, func() bool { return driver.DeviceDuty("air_pump") == 55 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, driver.DeviceDuty("agitator"), "devices zeroed on shutdown")
	assert.Zero(t, driver.DeviceDuty("air_pump"))
	assert.Len(t, h.sink.alertsOf(events.KindOperator), 1)
}

func TestRunServesOperatorAndZeroesOnShutdown(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) {
		c.Period = 20 * time.Millisecond
		c.ReceiveTimeout = 5 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	require.Eventually(t, func() bool { return h.o.Status().Running }, time.Second, time.Millisecond)

	opCtx, opCancel := context.WithTimeout(context.Background(), time.Second)
	defer opCancel()

	require.NoError(t, h.o.ManualOverride(opCtx, 30))
	assert.Equal(t, ModeManual, h.o.Status().Mode)
	require.Eventually(t, func() bool { return h.driver.Duty() == 30 }, time.Second, time.Millisecond)

	require.NoError(t, h.o.EmergencyStop(opCtx, "panel"))
	st := h.o.Status()
	assert.True(t, st.Safety.EstopLatched)
	assert.Zero(t, h.driver.Duty(), "stop is applied without waiting for a cycle")

	err := h.o.ResetEstop(opCtx, "")
	assert.True(t, errors.HasCode(err, errors.ErrUnauthorized))
	require.NoError(t, h.o.ResetEstop(opCtx, "shift-lead"))
	assert.False(t, h.o.Status().Safety.EstopLatched)

	assert.True(t, errors.HasCode(h.o.SetSetpoint(opCtx, -1), errors.ErrInvalidConfig))
	require.NoError(t, h.o.SetGains(opCtx, 0.6, 0.04, false))
	assert.InDelta(t, 0.6, h.o.Status().Kp, 1e-9)
	assert.True(t, errors.HasCode(h.o.ManualOverride(opCtx, 120), errors.ErrInvalidArgument))

	require.Eventually(t, func() bool { return h.driver.Duty() == 30 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	history := h.driver.History()
	assert.Zero(t, history[len(history)-1], "last command before exit is zero")
	assert.False(t, h.o.Status().Running)
	assert.True(t, errors.HasCode(h.o.SetMode(opCtx, ModeAuto), errors.ErrUnavailable))
	assert.True(t, errors.HasCode(h.o.Run(context.Background()), errors.ErrAlreadyRunning))
}
