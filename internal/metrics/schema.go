package metrics

import (
	"database/sql"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS cycles (
	       id                INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp         INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       cycle             INTEGER NOT NULL,
	       mode              TEXT NOT NULL,
	       has_measurement   INTEGER NOT NULL CHECK (has_measurement IN (0, 1)),
	       captured_at       INTEGER NOT NULL,
	       bubble_count      INTEGER NOT NULL CHECK (bubble_count >= 0),
	       avg_bubble_size   REAL NOT NULL,
	       size_std_dev      REAL NOT NULL,
	       stability         REAL NOT NULL,
	       coverage          REAL NOT NULL,
	       classification    TEXT NOT NULL,
	       score             REAL NOT NULL,
	       controller_output REAL,
	       integral          REAL NOT NULL,
	       setpoint          REAL NOT NULL,
	       requested_duty    REAL NOT NULL,
	       final_duty        REAL NOT NULL CHECK (final_duty >= 0 AND final_duty <= 100),
	       held              INTEGER NOT NULL CHECK (held IN (0, 1)),
	       safety_state      TEXT NOT NULL,
	       fault             TEXT NOT NULL DEFAULT ''
	   );
	   CREATE INDEX IF NOT EXISTS idx_cycles_timestamp ON cycles (timestamp);
	   CREATE TABLE IF NOT EXISTS alerts (
	       id         TEXT PRIMARY KEY,
	       timestamp  INTEGER NOT NULL,
	       level      TEXT NOT NULL,
	       kind       TEXT NOT NULL,
	       message    TEXT NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts (timestamp);`

	insertCycleSQL = `
    INSERT INTO cycles (
        timestamp, cycle, mode,
        has_measurement, captured_at,
        bubble_count, avg_bubble_size, size_std_dev, stability, coverage,
        classification, score,
        controller_output, integral, setpoint,
        requested_duty, final_duty, held,
        safety_state, fault
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertAlertSQL = `
    INSERT OR IGNORE INTO alerts (id, timestamp, level, kind, message)
    VALUES (?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT
        timestamp, cycle, mode,
        has_measurement, captured_at,
        bubble_count, avg_bubble_size, size_std_dev, stability, coverage,
        classification, score,
        controller_output, integral, setpoint,
        requested_duty, final_duty, held,
        safety_state, fault
    FROM cycles
    ORDER BY id DESC
    LIMIT ?`

	selectStatsSQL = `
    SELECT
        COUNT(*),
        COALESCE(SUM(held), 0),
        COALESCE(AVG(final_duty), 0),
        COALESCE(MIN(timestamp), 0),
        COALESCE(MAX(timestamp), 0)
    FROM cycles`
)

// schemaStep describes the failing step of a schema operation
type schemaStep struct {
	Phase  string `json:"phase"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error"`
}

func stepFailed(code errors.ErrorCode, phase, target string, err error) error {
	return errors.New().WithData(code, schemaStep{Phase: phase, Target: target, Error: err.Error()})
}

// inTx runs fn in a transaction, rolling back unless fn and the commit
// succeed. Failures to begin or commit are reported under code.
func inTx(db *sql.DB, code errors.ErrorCode, log logger.Logger, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.New().Wrap(code, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Debug().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return stepFailed(code, "commit", "", err)
	}
	return nil
}

// createSchema creates the tables and records SchemaVersion
func createSchema(db *sql.DB, log logger.Logger) error {
	err := inTx(db, ErrSchemaInitFailed, log, func(tx *sql.Tx) error {
		if _, err := tx.Exec(createTablesSQL); err != nil {
			return stepFailed(ErrSchemaInitFailed, "create_tables", "", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`,
			SchemaVersion); err != nil {
			return stepFailed(ErrSchemaInitFailed, "record_version", "schema_versions", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("version", SchemaVersion).Msg("History schema created")
	return nil
}

// GetSchemaVersion returns the newest recorded schema version, or 0 for an
// empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`,
		"schema_versions").Scan(&exists)
	if err != nil {
		return 0, stepFailed(ErrSchemaValidationFailed, "check_table", "schema_versions", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, stepFailed(ErrSchemaValidationFailed, "read_version", "schema_versions", err)
	}

	return version, nil
}
