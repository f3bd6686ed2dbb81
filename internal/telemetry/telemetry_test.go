package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/measurement"
	"codeberg.org/mutker/frothctl/internal/safety"
)

func TestPublishCycleUpdatesGauges(t *testing.T) {
	c := New()
	ctx := context.Background()

	m := measurement.New(110, 240, 30, 0.85, time.Now())
	out := 13.75
	require.NoError(t, c.PublishCycle(ctx, events.CycleEvent{
		Cycle:            1,
		Mode:             "auto",
		Measurement:      &m,
		Verdict:          anomaly.Verdict{Classification: anomaly.Warning, Score: 3.3},
		ControllerOutput: &out,
		Integral:         25,
		Setpoint:         120,
		Requested:        13.75,
		FinalDuty:        13.75,
		Retries:          1,
		Devices:          map[string]float64{"agitator": 60},
		Duration:         2 * time.Millisecond,
	}))
	require.NoError(t, c.PublishCycle(ctx, events.CycleEvent{Cycle: 2, Mode: "auto", Held: true, FinalDuty: 13.75}))

	assert.InDelta(t, 13.75, testutil.ToFloat64(c.finalDuty), 1e-9)
	assert.InDelta(t, 13.75, testutil.ToFloat64(c.controllerOutput), 1e-9)
	assert.InDelta(t, 25, testutil.ToFloat64(c.integral), 1e-9)
	assert.InDelta(t, 110, testutil.ToFloat64(c.bubbleCount), 1e-9)
	assert.InDelta(t, 3.3, testutil.ToFloat64(c.anomalyScore), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(c.cycles), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.heldCycles), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.idleCycles), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.retries), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.verdicts.WithLabelValues("warning")), 1e-9)
	assert.InDelta(t, 60, testutil.ToFloat64(c.deviceDuty.WithLabelValues("agitator")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(c.cycleDuration))
}

func TestTripsCountedOncePerLatch(t *testing.T) {
	c := New()
	ctx := context.Background()

	trippedAt := time.Date(2024, 5, 1, 8, 0, 5, 0, time.UTC)
	tripped := safety.Snapshot{State: safety.StateTripped, Cause: safety.CauseWatchdog, TrippedAt: trippedAt}

	for i := 0; i < 3; i++ {
		require.NoError(t, c.PublishCycle(ctx, events.CycleEvent{Safety: tripped}))
	}
	assert.InDelta(t, 1, testutil.ToFloat64(c.safetyTripped), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.trips.WithLabelValues("watchdog")), 1e-9)

	require.NoError(t, c.PublishCycle(ctx, events.CycleEvent{}))
	assert.Zero(t, testutil.ToFloat64(c.safetyTripped))

	tripped.Cause = safety.CauseEmergencyStop
	tripped.TrippedAt = trippedAt.Add(time.Minute)
	require.NoError(t, c.PublishCycle(ctx, events.CycleEvent{Safety: tripped}))
	assert.InDelta(t, 1, testutil.ToFloat64(c.trips.WithLabelValues("emergency_stop")), 1e-9)
}

func TestPublishAlertCounts(t *testing.T) {
	c := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.PublishAlert(ctx, events.NewAlert(events.LevelWarning, events.KindSensor, "bad frame", now)))
	require.NoError(t, c.PublishAlert(ctx, events.NewAlert(events.LevelCritical, events.KindSafety, "tripped", now)))

	assert.InDelta(t, 1, testutil.ToFloat64(c.alerts.WithLabelValues("warning", "sensor")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.alerts.WithLabelValues("critical", "safety")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.sensorFaults), 1e-9)
}

func TestHandlerExposesWatchedStats(t *testing.T) {
	c := New()
	c.WatchChannel(func() measurement.Stats {
		return measurement.Stats{Sent: 12, Dropped: 3, Buffered: 1}
	})
	c.WatchBus(func() map[string]events.SubscriberStats {
		return map[string]events.SubscriberStats{"mqtt": {Delivered: 7, Dropped: 2}}
	})

	expected := `
# HELP frothctl_channel_dropped_total Measurements evicted before they were consumed
# TYPE frothctl_channel_dropped_total counter
frothctl_channel_dropped_total 3
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "frothctl_channel_dropped_total"))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `frothctl_bus_dropped_total{sink="mqtt"} 2`)
	assert.Contains(t, string(body), "frothctl_channel_sent_total 12")
	assert.Contains(t, string(body), "go_goroutines")
}
