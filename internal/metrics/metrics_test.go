package metrics

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/frothctl/internal/anomaly"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/events"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/measurement"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	cfg.FlushInterval = 0
	cfg.Retention = 0
	return cfg
}

func cycleEvent(n uint64, withMeasurement bool) events.CycleEvent {
	ts := t0.Add(time.Duration(n) * time.Second)
	ev := events.CycleEvent{
		Cycle:     n,
		Timestamp: ts,
		Mode:      "auto",
		Setpoint:  120,
		Requested: 12.5,
		FinalDuty: 12.5,
	}
	if withMeasurement {
		m := measurement.New(100+int(n), 240, 30, 0.9, ts.Add(-100*time.Millisecond)).WithCoverage(0.7)
		out := 12.5
		ev.Measurement = &m
		ev.ControllerOutput = &out
		ev.Verdict = anomaly.Verdict{Classification: anomaly.Warning, Score: 3.4}
	}
	return ev
}

func TestDisabledServiceIsNoop(t *testing.T) {
	svc, err := NewService(DefaultConfig(), logger.With("test"))
	require.NoError(t, err)
	assert.True(t, svc.IsReadOnly())

	ctx := context.Background()
	require.NoError(t, svc.PublishCycle(ctx, cycleEvent(1, true)))
	records, err := svc.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, svc.Close())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = ""
	assert.True(t, errors.HasCode(cfg.Validate(), ErrInvalidDBPath))

	cfg.DBPath = "/tmp/history.db"
	cfg.BatchSize = -1
	assert.True(t, errors.HasCode(cfg.Validate(), ErrInvalidConfig))

	_, err := NewService(cfg, nil)
	assert.True(t, errors.HasCode(err, ErrInvalidConfig))
}

func TestRecordAndRecent(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 10

	svc, err := NewService(cfg, logger.With("test"))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	ctx := context.Background()
	held := cycleEvent(2, false)
	held.Held = true
	held.Fault = "no measurement"

	require.NoError(t, svc.PublishCycle(ctx, cycleEvent(1, true)))
	require.NoError(t, svc.PublishCycle(ctx, held))
	require.NoError(t, svc.PublishAlert(ctx, events.NewAlert(events.LevelWarning, events.KindAnomaly, "drift", t0)))

	// Recent flushes the buffered batch first.
	records, err := svc.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	newest, oldest := records[0], records[1]
	assert.Equal(t, uint64(2), newest.Cycle)
	assert.True(t, newest.Held)
	assert.False(t, newest.HasMeasurement)
	assert.Nil(t, newest.ControllerOutput)
	assert.Equal(t, "no measurement", newest.Fault)

	assert.Equal(t, uint64(1), oldest.Cycle)
	assert.True(t, oldest.Timestamp.Equal(t0.Add(time.Second)))
	assert.Equal(t, "warning", oldest.Classification)
	assert.InDelta(t, 3.4, oldest.Score, 1e-9)
	require.NotNil(t, oldest.ControllerOutput)
	assert.InDelta(t, 12.5, *oldest.ControllerOutput, 1e-9)
	assert.Equal(t, "armed", oldest.SafetyState)

	m, ok := oldest.Measurement()
	require.True(t, ok)
	assert.Equal(t, 101, m.BubbleCount())
	assert.InDelta(t, 0.7, m.Coverage(), 1e-9)
	assert.True(t, m.CapturedAt().Equal(t0.Add(900*time.Millisecond)))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Cycles)
	assert.Equal(t, int64(1), stats.Alerts)
	assert.Equal(t, int64(1), stats.HeldCycles)
	assert.InDelta(t, 12.5, stats.AvgFinalDuty, 1e-9)
	assert.True(t, stats.First.Equal(t0.Add(time.Second)))
	assert.True(t, stats.Last.Equal(t0.Add(2*time.Second)))

	_, err = svc.Recent(ctx, 0)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestTrainingSamplesOldestFirst(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1

	svc, err := NewService(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	ctx := context.Background()
	for i := uint64(1); i <= 6; i++ {
		require.NoError(t, svc.PublishCycle(ctx, cycleEvent(i, i != 4)))
	}

	samples, err := svc.TrainingSamples(ctx, 4)
	require.NoError(t, err)
	// cycles 3..6, cycle 4 has no measurement
	require.Len(t, samples, 3)
	assert.Equal(t, 103, samples[0].BubbleCount())
	assert.Equal(t, 105, samples[1].BubbleCount())
	assert.Equal(t, 106, samples[2].BubbleCount())
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100

	repo, err := newRepository(cfg, logger.With("test"))
	require.NoError(t, err)
	require.NoError(t, repo.RecordCycle(cycleRecordFromEvent(cycleEvent(1, true))))
	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())

	err = repo.RecordCycle(cycleRecordFromEvent(cycleEvent(2, true)))
	assert.True(t, errors.HasCode(err, ErrClosed))

	reopened, err := newRepository(cfg, logger.With("test"))
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	records, err := reopened.Recent(5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(1), records[0].Cycle)
}

func TestPeriodicFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.FlushInterval = 10 * time.Millisecond

	repo, err := newRepository(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.RecordCycle(cycleRecordFromEvent(cycleEvent(1, false))))

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.cycles) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCleanupRemovesOldHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1

	repo, err := newRepository(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	old := cycleRecordFromEvent(cycleEvent(1, true))
	old.Timestamp = t0.Add(-8 * 24 * time.Hour)
	require.NoError(t, repo.RecordCycle(old))
	require.NoError(t, repo.RecordCycle(cycleRecordFromEvent(cycleEvent(2, true))))
	require.NoError(t, repo.RecordAlert(&AlertRecord{ID: "a1", Timestamp: old.Timestamp, Level: "info", Kind: "operator"}))

	deleted, err := repo.Cleanup(t0.Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Cycles)
	assert.Zero(t, stats.Alerts)
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")

	repo, err := newRepository(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, repo.RecordCycle(cycleRecordFromEvent(cycleEvent(1, true))))
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'))`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err = newRepository(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	entries, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "history_v99_")

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Cycles)

	db, err = sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()
	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}
