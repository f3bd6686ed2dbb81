package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

var historyTables = []string{"cycles", "alerts", "schema_versions"}

// migrateSchema brings db to SchemaVersion. History is not converted
// between versions: an outdated database is copied to backupDir, when set,
// and recreated empty.
func migrateSchema(db *sql.DB, backupDir string, log logger.Logger) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	switch {
	case version == SchemaVersion:
		log.Debug().Int("version", version).Msg("History schema is current")
		return nil
	case version == 0:
		return createSchema(db, log)
	}

	log.Warn().
		Int("found", version).
		Int("expected", SchemaVersion).
		Msg("History schema version mismatch, recreating database")

	if backupDir != "" {
		if _, err := backupDatabase(db, backupDir, version, log); err != nil {
			return errors.New().Wrap(ErrSchemaMigrationFailed, err)
		}
	}

	err = inTx(db, ErrSchemaMigrationFailed, log, func(tx *sql.Tx) error {
		for _, table := range historyTables {
			if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return stepFailed(ErrSchemaMigrationFailed, "drop_table", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return createSchema(db, log)
}

// backupDatabase copies db to history_v<version>_<utc time>.db in dir
func backupDatabase(db *sql.DB, dir string, version int, log logger.Logger) (string, error) {
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", stepFailed(ErrSchemaMigrationFailed, "create_backup_dir", dir, err)
	}

	name := fmt.Sprintf("history_v%d_%s.db", version, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	// VACUUM INTO takes no bind parameters
	if _, err := db.Exec("VACUUM INTO '" + strings.ReplaceAll(path, "'", "''") + "'"); err != nil {
		return "", stepFailed(ErrSchemaMigrationFailed, "vacuum_into", path, err)
	}

	log.Info().
		Str("path", path).
		Int("version", version).
		Msg("History database backed up")

	return path, nil
}
