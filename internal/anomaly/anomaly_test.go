package anomaly_test

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func sample(i, count int, size float64) measurement.Measurement {
	return measurement.New(count, size, 30, 0.8, t0.Add(time.Duration(i)*time.Second))
}

type stubClassifier struct {
	trained bool
	verdict anomaly.Verdict
	err     error
	calls   int
}

func (s *stubClassifier) Trained() bool { return s.trained }
func (s *stubClassifier) Score([]measurement.Measurement) (anomaly.Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

func TestWindowEvictsOldest(t *testing.T) {
	w := anomaly.NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push(sample(i, i, 100))
	}

	got := w.Measurements()
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].BubbleCount())
	assert.Equal(t, 5, got[2].BubbleCount())
	assert.Equal(t, 3, w.Cap())

	assert.Equal(t, anomaly.DefaultWindowSize, anomaly.NewWindow(0).Cap())
}

func TestGateDefaultsToNormal(t *testing.T) {
	empty := anomaly.NewWindow(8)

	assert.Equal(t, anomaly.Normal, anomaly.NewGate(nil, nil).Evaluate(empty).Classification)
	assert.Equal(t, anomaly.Normal, anomaly.NewGate(nil, nil).Evaluate(nil).Classification)

	untrained := &stubClassifier{verdict: anomaly.Verdict{Classification: anomaly.Critical}}
	full := anomaly.NewWindow(8)
	full.Push(sample(0, 100, 200))

	assert.Equal(t, anomaly.Normal, anomaly.NewGate(untrained, nil).Evaluate(full).Classification)
	assert.Zero(t, untrained.calls, "untrained classifier must not be consulted")

	baseline, err := anomaly.NewBaseline(anomaly.DefaultBaselineConfig())
	require.NoError(t, err)
	assert.Equal(t, anomaly.Normal, anomaly.NewGate(baseline, nil).Evaluate(empty).Classification)
}

func TestGateDegradesOnce(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)
	t.Cleanup(func() { logger.SetLogLevel(logger.WarnLevel) })

	c := &stubClassifier{trained: true, err: assert.AnError}
	g := anomaly.NewGate(c, nil)
	w := anomaly.NewWindow(8)
	w.Push(sample(0, 100, 200))

	for i := 0; i < 3; i++ {
		assert.Equal(t, anomaly.Normal, g.Evaluate(w).Classification)
	}
	assert.True(t, g.Degraded())
	assert.Equal(t, 1, strings.Count(buf.String(), string(errors.ErrAnomalyDegraded)))

	c.err = nil
	c.verdict = anomaly.Verdict{Classification: anomaly.Warning, Score: 3.5}
	assert.Equal(t, anomaly.Warning, g.Evaluate(w).Classification)
	assert.False(t, g.Degraded())

	c.err = assert.AnError
	g.Evaluate(w)
	assert.Equal(t, 2, strings.Count(buf.String(), string(errors.ErrAnomalyDegraded)), "re-armed after recovery")
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		class  anomaly.Classification
		holds  bool
		alerts bool
	}{
		{anomaly.Normal, false, false},
		{anomaly.Warning, false, true},
		{anomaly.Critical, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.class.String(), func(t *testing.T) {
			a := anomaly.ActionFor(anomaly.Verdict{Classification: tt.class})
			assert.Equal(t, tt.holds, a.Holds())
			assert.Equal(t, tt.alerts, a.Alerts())
		})
	}
}

func normalOperation(n int) []measurement.Measurement {
	rng := rand.New(rand.NewSource(7))
	out := make([]measurement.Measurement, n)
	for i := range out {
		out[i] = sample(i, 120+rng.Intn(11)-5, 250+rng.NormFloat64()*5)
	}

	return out
}

func TestBaselineClassifies(t *testing.T) {
	b, err := anomaly.NewBaseline(anomaly.DefaultBaselineConfig())
	require.NoError(t, err)
	require.False(t, b.Trained())

	require.NoError(t, b.Train(normalOperation(200)))
	require.True(t, b.Trained())

	v, err := b.Score(normalOperation(50)[40:])
	require.NoError(t, err)
	assert.Equal(t, anomaly.Normal, v.Classification)

	collapsed := make([]measurement.Measurement, 10)
	for i := range collapsed {
		collapsed[i] = sample(i, 20, 250)
	}
	v, err = b.Score(collapsed)
	require.NoError(t, err)
	assert.Equal(t, anomaly.Critical, v.Classification)
	assert.Greater(t, v.Score, anomaly.DefaultCriticalZ)

	v, err = b.Score(collapsed[:3])
	require.NoError(t, err)
	assert.Equal(t, anomaly.Normal, v.Classification, "short windows are normal")
}

func TestBaselineTrainRequiresSamples(t *testing.T) {
	b, err := anomaly.NewBaseline(anomaly.DefaultBaselineConfig())
	require.NoError(t, err)

	err = b.Train(normalOperation(3))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
	assert.False(t, b.Trained())
}

func TestBaselineConfigValidation(t *testing.T) {
	_, err := anomaly.NewBaseline(anomaly.BaselineConfig{WarningZ: 5, CriticalZ: 3, MinSamples: 5, Recent: 10})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	_, err = anomaly.NewBaseline(anomaly.BaselineConfig{WarningZ: 3, CriticalZ: 5, MinSamples: 5, Recent: 2})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestBaselineSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "baseline.json")

	b, err := anomaly.NewBaseline(anomaly.DefaultBaselineConfig())
	require.NoError(t, err)
	assert.True(t, errors.HasCode(b.Save(path), errors.ErrInvalidOperation))

	require.NoError(t, b.Train(normalOperation(100)))
	require.NoError(t, b.Save(path))

	loaded, err := anomaly.LoadBaseline(path)
	require.NoError(t, err)
	assert.True(t, loaded.Trained())

	window := normalOperation(30)[20:]
	want, err := b.Score(window)
	require.NoError(t, err)
	got, err := loaded.Score(window)
	require.NoError(t, err)
	assert.Equal(t, want.Classification, got.Classification)
	assert.InDelta(t, want.Score, got.Score, 1e-9)

	_, err = anomaly.LoadBaseline(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.HasCode(err, errors.ErrOperationFailed))
}
