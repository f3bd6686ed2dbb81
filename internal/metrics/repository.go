package metrics

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	cycles        []*CycleRecord
	alerts        []*AlertRecord
	closed        bool
	closeOnce     sync.Once
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	now           func() time.Time
}

func NewRepository(cfg Config, log logger.Logger) (HistoryRepository, error) {
	return newRepository(cfg, log)
}

func newRepository(cfg Config, log logger.Logger) (*repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if log == nil {
		log = logger.With("history")
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, stepFailed(ErrStorageInit, "create_directory", filepath.Dir(cfg.DBPath), err)
	}

	// WAL lets status reads run alongside the flusher
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, stepFailed(ErrStorageInit, "open_database", cfg.DBPath, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	backupDir := ""
	if cfg.BackupOnMigrate {
		backupDir = cfg.backupDir()
	}

	if err := migrateSchema(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := os.Chmod(cfg.DBPath, defaultFilePerm); err != nil {
		log.Debug().Err(err).Msg("Failed to set database permissions")
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).
		Dur("retention", cfg.Retention).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		cycles:        make([]*CycleRecord, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
		now:           time.Now,
	}

	if cfg.Retention > 0 {
		if _, err := repo.Cleanup(repo.now().Add(-cfg.Retention)); err != nil {
			log.Warn().Err(err).Msg("Initial history cleanup failed")
		}
	}

	// Start background goroutine for periodic flushing
	if cfg.FlushInterval > 0 {
		repo.flushTicker = time.NewTicker(cfg.FlushInterval)
	}
	go repo.flusher()

	return repo, nil
}

func (r *repository) RecordCycle(rec *CycleRecord) error {
	errFactory := errors.New()

	if rec == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errFactory.New(ErrClosed)
	}

	r.cycles = append(r.cycles, rec)

	if len(r.cycles) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// RecordAlert buffers an alert with the cycles; alerts are rare so they do
// not trigger a flush on their own.
func (r *repository) RecordAlert(rec *AlertRecord) error {
	errFactory := errors.New()

	if rec == nil || rec.ID == "" {
		return errFactory.New(ErrInvalidRecord)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errFactory.New(ErrClosed)
	}

	r.alerts = append(r.alerts, rec)

	if r.cfg.BatchSize <= 1 {
		return r.flush()
	}

	return nil
}

// Recent returns up to limit cycles, newest first. Buffered cycles are
// flushed before reading.
func (r *repository) Recent(limit int) ([]CycleRecord, error) {
	errFactory := errors.New()

	if limit <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "limit must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errFactory.New(ErrClosed)
	}
	if err := r.flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	records := make([]CycleRecord, 0, limit)
	for rows.Next() {
		var (
			rec                         CycleRecord
			ts, capturedAt              int64
			hasMeasurement, held        int
			controllerOutput            sql.NullFloat64
			cycle                       int64
			classification, safetyState string
		)
		if err := rows.Scan(
			&ts, &cycle, &rec.Mode,
			&hasMeasurement, &capturedAt,
			&rec.BubbleCount, &rec.AvgBubbleSize, &rec.SizeStdDev, &rec.Stability, &rec.Coverage,
			&classification, &rec.Score,
			&controllerOutput, &rec.Integral, &rec.Setpoint,
			&rec.Requested, &rec.FinalDuty, &held,
			&safetyState, &rec.Fault,
		); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		rec.Timestamp = time.Unix(0, ts)
		rec.Cycle = uint64(cycle)
		rec.HasMeasurement = hasMeasurement == 1
		if rec.HasMeasurement {
			rec.CapturedAt = time.Unix(0, capturedAt)
		}
		rec.Classification = classification
		if controllerOutput.Valid {
			out := controllerOutput.Float64
			rec.ControllerOutput = &out
		}
		rec.Held = held == 1
		rec.SafetyState = safetyState

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}

func (r *repository) Stats() (Stats, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Stats{}, errFactory.New(ErrClosed)
	}
	if err := r.flush(); err != nil {
		return Stats{}, err
	}

	var (
		stats       Stats
		first, last int64
	)
	if err := r.db.QueryRow(selectStatsSQL).Scan(
		&stats.Cycles, &stats.HeldCycles, &stats.AvgFinalDuty, &first, &last,
	); err != nil {
		return Stats{}, errFactory.Wrap(ErrStorageAccess, err)
	}
	if err := r.db.QueryRow("SELECT COUNT(*) FROM alerts").Scan(&stats.Alerts); err != nil {
		return Stats{}, errFactory.Wrap(ErrStorageAccess, err)
	}
	if stats.Cycles > 0 {
		stats.First = time.Unix(0, first)
		stats.Last = time.Unix(0, last)
	}

	return stats, nil
}

// Cleanup deletes cycles and alerts recorded before the cutoff.
func (r *repository) Cleanup(before time.Time) (int64, error) {
	errFactory := errors.New()

	cutoff := before.UnixNano()

	res, err := r.db.Exec("DELETE FROM cycles WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := r.db.Exec("DELETE FROM alerts WHERE timestamp < ?", cutoff); err != nil {
		return deleted, errFactory.Wrap(ErrStorageAccess, err)
	}

	if deleted > 0 {
		r.logger.Info().
			Int64("deleted", deleted).
			Time("before", before).
			Msg("Cleaned up old history")
	}

	return deleted, nil
}

func (r *repository) Close() error {
	var closeErr error

	r.closeOnce.Do(func() {
		// Signal the flusher goroutine to stop
		close(r.shutdownChan)

		// Wait for the flusher to finish its final flush
		<-r.flushDoneChan

		if r.flushTicker != nil {
			r.flushTicker.Stop()
		}

		// Checkpoint WAL and cleanup on close
		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			closeErr = stepFailed(ErrStorageClose, "checkpoint_wal", "", err)
			r.db.Close()
			return
		}

		if err := r.db.Close(); err != nil {
			closeErr = stepFailed(ErrStorageClose, "close_database", "", err)
			return
		}

		r.logger.Info().Msg("History repository closed gracefully")
	})

	return closeErr
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	var tick <-chan time.Time
	if r.flushTicker != nil {
		tick = r.flushTicker.C
	}
	lastCleanup := r.now()

	for {
		select {
		case <-tick:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic history flush failed")
			}
			r.mu.Unlock()

			if r.cfg.Retention > 0 && r.now().Sub(lastCleanup) >= cleanupInterval {
				lastCleanup = r.now()
				if _, err := r.Cleanup(lastCleanup.Add(-r.cfg.Retention)); err != nil {
					r.logger.Warn().Err(err).Msg("History cleanup failed")
				}
			}
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Final history flush failed")
			}
			r.closed = true
			r.mu.Unlock()
			return
		}
	}
}

// flush writes buffered records in one transaction. Callers hold mu.
func (r *repository) flush() error {
	if len(r.cycles) == 0 && len(r.alerts) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	rollback := func(err error) error {
		r.logger.Error().Err(err).Msg("Failed to write history")
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	if len(r.cycles) > 0 {
		stmt, err := tx.Prepare(insertCycleSQL)
		if err != nil {
			return rollback(err)
		}
		defer stmt.Close()

		for _, rec := range r.cycles {
			if _, err := stmt.Exec(cycleValues(rec)...); err != nil {
				return rollback(err)
			}
		}
	}

	if len(r.alerts) > 0 {
		stmt, err := tx.Prepare(insertAlertSQL)
		if err != nil {
			return rollback(err)
		}
		defer stmt.Close()

		for _, rec := range r.alerts {
			if _, err := stmt.Exec(rec.ID, rec.Timestamp.UnixNano(), rec.Level, rec.Kind, rec.Message); err != nil {
				return rollback(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().
		Int("cycles", len(r.cycles)).
		Int("alerts", len(r.alerts)).
		Msg("Flushed history to database")
	r.cycles = r.cycles[:0]
	r.alerts = r.alerts[:0]

	return nil
}

func cycleValues(rec *CycleRecord) []interface{} {
	var (
		capturedAt       int64
		controllerOutput interface{}
	)
	if rec.HasMeasurement {
		capturedAt = rec.CapturedAt.UnixNano()
	}
	if rec.ControllerOutput != nil {
		controllerOutput = *rec.ControllerOutput
	}

	return []interface{}{
		rec.Timestamp.UnixNano(),
		int64(rec.Cycle),
		rec.Mode,
		int64(boolToInt(rec.HasMeasurement)),
		capturedAt,
		int64(rec.BubbleCount),
		rec.AvgBubbleSize,
		rec.SizeStdDev,
		rec.Stability,
		rec.Coverage,
		rec.Classification,
		rec.Score,
		controllerOutput,
		rec.Integral,
		rec.Setpoint,
		rec.Requested,
		rec.FinalDuty,
		int64(boolToInt(rec.Held)),
		rec.SafetyState,
		rec.Fault,
	}
}
