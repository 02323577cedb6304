package storage

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm     = 0o755
	defaultFilePerm    = 0o644
	defaultCatalogPath = "/var/lib/thermalmon/catalog.db"
	defaultArtifactDir = "/var/lib/thermalmon/artifacts"
	defaultOrphanAge   = time.Hour
	pendingPrefix      = ".pending-"
)

type Config struct {
	CatalogPath string
	Dir         string
	BackupDir   string
	OrphanAge   time.Duration
}

func DefaultConfig() Config {
	return Config{
		CatalogPath: defaultCatalogPath,
		Dir:         defaultArtifactDir,
		OrphanAge:   defaultOrphanAge,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.CatalogPath == "" {
		return errFactory.New(ErrInvalidCatalogPath)
	}
	if c.Dir == "" {
		return errFactory.New(ErrInvalidArtifactDir)
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.CatalogPath), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
