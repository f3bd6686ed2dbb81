package pi_test

import (
	"math"
	"math/rand"
	"testing"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/pi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, kp, ki float64) *pi.Controller {
	t.Helper()

	cfg := pi.DefaultConfig()
	cfg.Kp = kp
	cfg.Ki = ki
	c, err := pi.New(cfg)
	require.NoError(t, err)

	return c
}

func TestSingleStep(t *testing.T) {
	c := newController(t, 0.5, 0.05)

	out, err := c.Update(95, 1)
	require.NoError(t, err)

	state := c.State()
	assert.InDelta(t, 25, state.LastError, 1e-9)
	assert.InDelta(t, 25, state.Integral, 1e-9)
	assert.InDelta(t, 13.75, out, 1e-9)
}

func TestSustainedErrorSaturation(t *testing.T) {
	tests := []struct {
		name          string
		kp            float64
		wantSaturated bool
		wantFinal     float64
	}{
		{"default gains never saturate", 0.5, false, 15},
		{"reaches limit once integral is full", 3.1, true, 80},
		{"saturates immediately", 4, true, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(t, tt.kp, 0.05)
			cfg := c.Config()

			const measured = 95.0
			e := cfg.Setpoint - measured
			integral := 0.0
			saturated := false
			var out float64

			for i := 0; i < 10; i++ {
				var err error
				out, err = c.Update(measured, 1)
				require.NoError(t, err)

				integral = math.Min(integral+e, cfg.IntegralLimits.Max)
				raw := cfg.Kp*e + cfg.Ki*integral
				atLimit := raw >= cfg.OutputLimits.Max-1e-9

				assert.Equal(t, atLimit, out >= cfg.OutputLimits.Max-1e-9, "cycle %d", i+1)
				saturated = saturated || atLimit
			}

			assert.InDelta(t, cfg.IntegralLimits.Max, c.State().Integral, 1e-9)
			assert.Equal(t, tt.wantSaturated, saturated)
			assert.InDelta(t, tt.wantFinal, out, 1e-6)
			assert.Equal(t, tt.wantSaturated,
				cfg.Kp*e+cfg.Ki*cfg.IntegralLimits.Max >= cfg.OutputLimits.Max-1e-9)
		})
	}
}

func TestBoundsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		outMin := rng.Float64() * 20
		cfg := pi.Config{
			Setpoint:       1 + rng.Float64()*300,
			Kp:             rng.Float64() * 5,
			Ki:             rng.Float64(),
			OutputLimits:   pi.Limits{Min: outMin, Max: outMin + 1 + rng.Float64()*(99-outMin)},
			IntegralLimits: pi.Limits{Min: -rng.Float64() * 100, Max: rng.Float64()*100 + 0.1},
		}
		c, err := pi.New(cfg)
		require.NoError(t, err)

		for step := 0; step < 100; step++ {
			measured := rng.Float64() * 1000
			dt := 0.01 + rng.Float64()*5

			out, err := c.Update(measured, dt)
			require.NoError(t, err)

			assert.True(t, cfg.OutputLimits.Contains(out), "output %v outside %v", out, cfg.OutputLimits)
			assert.True(t, cfg.IntegralLimits.Contains(c.State().Integral), "integral outside limits")
		}
	}
}

func TestZeroErrorHoldsIntegral(t *testing.T) {
	c := newController(t, 0.5, 0.05)

	_, err := c.Update(100, 1)
	require.NoError(t, err)
	before := c.State().Integral

	for i := 0; i < 5; i++ {
		_, err := c.Update(120, 1)
		require.NoError(t, err)
	}

	assert.InDelta(t, before, c.State().Integral, 1e-9, "integral must not decay on its own")
}

func TestUpdateRejectsBadInput(t *testing.T) {
	c := newController(t, 0.5, 0.05)

	for _, dt := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := c.Update(95, dt)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
	}

	_, err := c.Update(math.NaN(), 1)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	assert.Zero(t, c.State().Integral, "failed updates must not touch state")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	mutate := map[string]func(*pi.Config){
		"negative kp":          func(c *pi.Config) { c.Kp = -0.1 },
		"negative ki":          func(c *pi.Config) { c.Ki = -0.1 },
		"zero setpoint":        func(c *pi.Config) { c.Setpoint = 0 },
		"negative setpoint":    func(c *pi.Config) { c.Setpoint = -5 },
		"inverted output":      func(c *pi.Config) { c.OutputLimits = pi.Limits{Min: 50, Max: 10} },
		"negative output min":  func(c *pi.Config) { c.OutputLimits = pi.Limits{Min: -1, Max: 10} },
		"output above 100":     func(c *pi.Config) { c.OutputLimits = pi.Limits{Min: 0, Max: 120} },
		"inverted integral":    func(c *pi.Config) { c.IntegralLimits = pi.Limits{Min: 5, Max: -5} },
		"empty integral range": func(c *pi.Config) { c.IntegralLimits = pi.Limits{Min: 5, Max: 5} },
	}

	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := pi.DefaultConfig()
			fn(&cfg)

			_, err := pi.New(cfg)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
		})
	}
}

func TestReconfigurationKeepsIntegral(t *testing.T) {
	c := newController(t, 0.5, 0.05)

	_, err := c.Update(95, 1)
	require.NoError(t, err)

	require.NoError(t, c.SetGains(0.6, 0.04, false))
	assert.InDelta(t, 25, c.State().Integral, 1e-9)

	require.NoError(t, c.SetSetpoint(150))
	assert.InDelta(t, 25, c.State().Integral, 1e-9)
	assert.InDelta(t, 150, c.Config().Setpoint, 1e-9)

	require.NoError(t, c.SetGains(0.6, 0.04, true))
	assert.Zero(t, c.State().Integral)
}

func TestReconfigurationRejectsWithoutChange(t *testing.T) {
	c := newController(t, 0.5, 0.05)

	err := c.SetGains(-1, 0.05, false)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
	assert.InDelta(t, 0.5, c.Config().Kp, 1e-9)

	err = c.SetSetpoint(0)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
	assert.InDelta(t, 120, c.Config().Setpoint, 1e-9)
}

func TestSetLimitsClampsIntegral(t *testing.T) {
	c := newController(t, 0.5, 0.05)

	for i := 0; i < 3; i++ {
		_, err := c.Update(95, 1)
		require.NoError(t, err)
	}
	require.InDelta(t, 50, c.State().Integral, 1e-9)

	require.NoError(t, c.SetLimits(pi.Limits{Min: 0, Max: 60}, pi.Limits{Min: -10, Max: 10}))
	assert.InDelta(t, 10, c.State().Integral, 1e-9)
}
