package storage

import (
	"database/sql"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS artifacts (
	       id            INTEGER PRIMARY KEY AUTOINCREMENT,
	       name          TEXT NOT NULL,
	       mime_type     TEXT NOT NULL,
	       relative_path TEXT NOT NULL,
	       path          TEXT NOT NULL,
	       size          INTEGER NOT NULL DEFAULT 0 CHECK (typeof(size) = 'integer'),
	       pending       INTEGER NOT NULL CHECK (pending IN (0, 1)),
	       created_at    INTEGER NOT NULL,
	       finalized_at  INTEGER
	   );
	   CREATE INDEX IF NOT EXISTS artifacts_pending_created ON artifacts (pending, created_at);`

	insertPendingSQL = `
    INSERT INTO artifacts (
        name, mime_type, relative_path, path, size, pending, created_at
    ) VALUES (?, ?, ?, ?, 0, ?, ?)`

	selectArtifactSQL = `
    SELECT name, relative_path, path, size, pending
    FROM artifacts
    WHERE id = ?`

	updateSizeSQL = `UPDATE artifacts SET size = size + ? WHERE id = ?`

	finalizeSQL = `
    UPDATE artifacts
    SET name = ?, path = ?, size = ?, pending = 0, finalized_at = ?
    WHERE id = ?`

	listFinalizedSQL = `
    SELECT id, name, path, relative_path, size, finalized_at
    FROM artifacts
    WHERE pending = 0
    ORDER BY finalized_at DESC, id DESC`

	selectOrphansSQL = `
    SELECT id, path
    FROM artifacts
    WHERE pending = 1 AND created_at < ?`

	deleteArtifactSQL = `DELETE FROM artifacts WHERE id = ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating catalog...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Catalog schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for a new
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
