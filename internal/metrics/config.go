package metrics

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/frothctl/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	defaultDBPath   = "/var/lib/frothctl/history.db"

	defaultBatchSize     = 20
	defaultFlushInterval = 5 * time.Second
	defaultRetention     = 7 * 24 * time.Hour
	cleanupInterval      = time.Hour
)

type Config struct {
	DBPath          string
	BatchSize       int
	FlushInterval   time.Duration
	Retention       time.Duration
	BackupOnMigrate bool
	// BackupDir defaults to a backups directory next to the database
	BackupDir string
	Enabled   bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BatchSize:       defaultBatchSize,
		FlushInterval:   defaultFlushInterval,
		Retention:       defaultRetention,
		BackupOnMigrate: true,
		Enabled:         false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the rest if history is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.FlushInterval < 0 || c.Retention < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch size, flush interval and retention must not be negative")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
