// Package safety owns the watchdog and the emergency-stop latch. Every duty
// cycle headed for the pumps passes through Manager.ComputeSafeDuty, which
// returns 0 whenever the latch is set.
package safety

import (
	"crypto/subtle"
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/frothctl/internal/actuator"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

const (
	DefaultWatchdogTimeout = 5 * time.Second
	DefaultMaxDutyCycle    = 80.0
)

// State is the interlock state.
type State int

const (
	StateArmed   State = iota // dosing permitted
	StateTripped              // latched, duty forced to zero
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// Cause records why the latch was set.
type Cause string

const (
	CauseNone            Cause = ""
	CauseWatchdog        Cause = "watchdog"
	CauseEmergencyStop   Cause = "emergency_stop"
	CauseActuatorFault   Cause = "actuator_fault"
	CauseBoundsViolation Cause = "bounds_violation"
)

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Cause  Cause
	Source string
	At     time.Time
}

// Config configures a Manager.
type Config struct {
	WatchdogTimeout time.Duration
	MaxDutyCycle    float64
	// ResetToken, when set, must be presented to Reset.
	ResetToken string

	OnTransition func(Transition)
	Now          func() time.Time
	Logger       logger.Logger
}

// DefaultConfig returns the commissioning limits.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout: DefaultWatchdogTimeout,
		MaxDutyCycle:    DefaultMaxDutyCycle,
	}
}

// Snapshot is a copy of the safety state.
type Snapshot struct {
	State             State         `json:"-"`
	StateName         string        `json:"state"`
	EstopLatched      bool          `json:"estop_latched"`
	Cause             Cause         `json:"cause,omitempty"`
	Source            string        `json:"source,omitempty"`
	LastMeasurementAt time.Time     `json:"last_measurement_at"`
	TrippedAt         time.Time     `json:"tripped_at,omitempty"`
	WatchdogTimeout   time.Duration `json:"watchdog_timeout"`
	MaxDutyCycle      float64       `json:"max_duty_cycle"`
}

// Manager is the safety interlock. It is driven from the control loop only
// and is not safe for concurrent use.
type Manager struct {
	cfg               Config
	state             State
	cause             Cause
	source            string
	lastMeasurementAt time.Time
	trippedAt         time.Time
	log               logger.Logger
}

// New validates cfg and returns an armed Manager whose watchdog baseline is
// the current time.
func New(cfg Config) (*Manager, error) {
	errFactory := errors.New()

	if cfg.WatchdogTimeout <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("watchdog timeout must be > 0, got %s", cfg.WatchdogTimeout))
	}
	if math.IsNaN(cfg.MaxDutyCycle) || cfg.MaxDutyCycle <= 0 || cfg.MaxDutyCycle > 100 {
		return nil, errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("max duty cycle must be in (0, 100], got %v", cfg.MaxDutyCycle))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.With("safety")
	}

	return &Manager{
		cfg:               cfg,
		state:             StateArmed,
		lastMeasurementAt: cfg.Now(),
		log:               cfg.Logger,
	}, nil
}

// RecordMeasurement moves the watchdog baseline to ts. It never changes the
// interlock state. Timestamps older than the baseline are ignored and
// timestamps in the future are capped at now.
func (m *Manager) RecordMeasurement(ts time.Time) {
	if now := m.cfg.Now(); ts.After(now) {
		ts = now
	}
	if ts.After(m.lastMeasurementAt) {
		m.lastMeasurementAt = ts
	}
}

// Check evaluates the watchdog and returns the resulting state.
func (m *Manager) Check() State {
	if m.state == StateArmed {
		if elapsed := m.cfg.Now().Sub(m.lastMeasurementAt); elapsed > m.cfg.WatchdogTimeout {
			m.trip(CauseWatchdog, fmt.Sprintf("no measurement for %s", elapsed.Round(time.Millisecond)))
		}
	}

	return m.state
}

// ComputeSafeDuty is the only path from a requested duty to the pumps.
// It returns 0 while tripped and otherwise clamps to [0, MaxDutyCycle].
func (m *Manager) ComputeSafeDuty(requested float64) float64 {
	if m.Check() == StateTripped || math.IsNaN(requested) {
		return 0
	}

	return math.Max(0, math.Min(requested, m.cfg.MaxDutyCycle))
}

// EmergencyStop sets the latch. Repeated stops keep the first cause.
func (m *Manager) EmergencyStop(source string) {
	m.trip(CauseEmergencyStop, source)
}

// ActuatorFault latches after the pump driver stopped accepting commands.
func (m *Manager) ActuatorFault(detail string) {
	m.trip(CauseActuatorFault, detail)
}

// VerifyDispatch trips when duty lies outside what the driver reports it can
// accept or above the configured ceiling. Zero is always accepted.
func (m *Manager) VerifyDispatch(duty float64, physical actuator.Limits) error {
	if duty == 0 {
		return nil
	}
	if !math.IsNaN(duty) && physical.Contains(duty) && duty <= m.cfg.MaxDutyCycle {
		return nil
	}

	detail := fmt.Sprintf("duty %v outside physical bounds [%v, %v]", duty, physical.Min, physical.Max)
	m.trip(CauseBoundsViolation, detail)

	return errors.New().WithData(errors.ErrActuatorFault, detail)
}

// Reset clears the latch. It is the only way back to Armed and restarts the
// watchdog from the current time.
func (m *Manager) Reset(credential string) error {
	if !m.authorized(credential) {
		m.log.Warn().Msg("Rejected emergency-stop reset: invalid credential")
		return errors.New().New(errors.ErrUnauthorized)
	}

	now := m.cfg.Now()
	m.lastMeasurementAt = now

	if m.state == StateArmed {
		return nil
	}

	from := m.state
	m.state = StateArmed
	m.cause = CauseNone
	m.source = ""
	m.trippedAt = time.Time{}

	m.log.Info().Msg("Safety interlock reset, dosing re-armed")
	m.notify(Transition{From: from, To: StateArmed, Source: "operator", At: now})

	return nil
}

func (m *Manager) authorized(credential string) bool {
	if m.cfg.ResetToken == "" {
		return credential != ""
	}

	return subtle.ConstantTimeCompare([]byte(credential), []byte(m.cfg.ResetToken)) == 1
}

func (m *Manager) trip(cause Cause, source string) {
	if m.state == StateTripped {
		return
	}

	now := m.cfg.Now()
	m.state = StateTripped
	m.cause = cause
	m.source = source
	m.trippedAt = now

	m.log.Warn().
		Str("cause", string(cause)).
		Str("source", source).
		Msg("Safety interlock tripped, duty forced to zero")
	m.notify(Transition{From: StateArmed, To: StateTripped, Cause: cause, Source: source, At: now})
}

func (m *Manager) notify(t Transition) {
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(t)
	}
}

func (m *Manager) State() State {
	return m.state
}

func (m *Manager) MaxDutyCycle() float64 {
	return m.cfg.MaxDutyCycle
}

func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		State:             m.state,
		StateName:         m.state.String(),
		EstopLatched:      m.state == StateTripped,
		Cause:             m.cause,
		Source:            m.source,
		LastMeasurementAt: m.lastMeasurementAt,
		TrippedAt:         m.trippedAt,
		WatchdogTimeout:   m.cfg.WatchdogTimeout,
		MaxDutyCycle:      m.cfg.MaxDutyCycle,
	}
}
