// Package storage keeps exported artifacts on disk and tracks them in a
// sqlite catalog. Artifacts are written under a hidden pending name and only
// become visible once finalized.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db  *sql.DB
	cfg Config
	log logger.Logger
	mu  sync.Mutex
	now func() time.Time
}

func Open(cfg Config, log logger.Logger) (*Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CatalogPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.CatalogPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.CatalogPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("catalog", cfg.CatalogPath).
		Str("dir", cfg.Dir).
		Int("schema_version", SchemaVersion).
		Msg("Artifact store initialized")

	return &Store{db: db, cfg: cfg, log: log, now: time.Now}, nil
}

func (s *Store) artifactDir(relativePath string) string {
	return filepath.Join(s.cfg.Dir, filepath.Clean("/"+relativePath))
}

// CreatePending registers a new artifact and creates its hidden file.
func (s *Store) CreatePending(ctx context.Context, name, mimeType, relativePath string) (export.Handle, error) {
	errFactory := errors.New()

	if name == "" || strings.ContainsAny(name, `/\`) {
		return export.Handle{}, errFactory.WithData(ErrCreatePending, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.artifactDir(relativePath)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return export.Handle{}, errFactory.Wrap(ErrCreatePending, err)
	}

	path := filepath.Join(dir, pendingPrefix+name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return export.Handle{}, errFactory.Wrap(ErrCreatePending, err)
	}
	if err := f.Close(); err != nil {
		return export.Handle{}, errFactory.Wrap(ErrCreatePending, err)
	}

	res, err := s.db.ExecContext(ctx, insertPendingSQL,
		name, mimeType, relativePath, path, boolToInt(true), s.now().UnixNano())
	if err != nil {
		_ = os.Remove(path)
		return export.Handle{}, errFactory.Wrap(ErrCreatePending, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return export.Handle{}, errFactory.Wrap(ErrCreatePending, err)
	}

	s.log.Debug().Int64("id", id).Str("path", path).Msg("Pending artifact created")

	return export.Handle{ID: id, Name: name, MimeType: mimeType, RelativePath: relativePath}, nil
}

type row struct {
	name         string
	relativePath string
	path         string
	size         int64
	pending      bool
}

func (s *Store) lookup(ctx context.Context, id int64) (row, error) {
	var r row
	err := s.db.QueryRowContext(ctx, selectArtifactSQL, id).
		Scan(&r.name, &r.relativePath, &r.path, &r.size, &r.pending)
	if errors.Is(err, sql.ErrNoRows) {
		return r, errors.New().WithData(ErrUnknownHandle, id)
	}
	if err != nil {
		return r, errors.New().Wrap(ErrStorageAccess, err)
	}

	return r, nil
}

// Write appends data to a pending artifact.
func (s *Store) Write(ctx context.Context, h export.Handle, data []byte) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(ctx, h.ID)
	if err != nil {
		return err
	}
	if !r.pending {
		return errFactory.WithData(ErrAlreadyFinal, h.ID)
	}

	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	if _, err := s.db.ExecContext(ctx, updateSizeSQL, n, h.ID); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}

// Finalize moves a pending artifact to its visible name. If that name is
// taken, a numeric suffix is added.
func (s *Store) Finalize(ctx context.Context, h export.Handle) (export.Artifact, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(ctx, h.ID)
	if err != nil {
		return export.Artifact{}, errFactory.Wrap(ErrFinalizeFailed, err)
	}
	if !r.pending {
		return export.Artifact{}, errFactory.WithData(ErrAlreadyFinal, h.ID)
	}

	name, final := s.uniqueName(filepath.Dir(r.path), r.name)
	if err := os.Rename(r.path, final); err != nil {
		return export.Artifact{}, errFactory.Wrap(ErrFinalizeFailed, err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return export.Artifact{}, errFactory.Wrap(ErrFinalizeFailed, err)
	}

	finalizedAt := s.now()
	if _, err := s.db.ExecContext(ctx, finalizeSQL, name, final, info.Size(), finalizedAt.UnixNano(), h.ID); err != nil {
		if rerr := os.Rename(final, r.path); rerr != nil {
			s.log.Error().Err(rerr).Str("path", final).Msg("Failed to restore pending artifact")
		}
		return export.Artifact{}, errFactory.Wrap(ErrFinalizeFailed, err)
	}

	s.log.Debug().Int64("id", h.ID).Str("path", final).Msg("Artifact finalized")

	return export.Artifact{
		ID:           h.ID,
		Name:         name,
		Path:         final,
		RelativePath: r.relativePath,
		Size:         info.Size(),
		CreatedAt:    finalizedAt,
	}, nil
}

func (s *Store) uniqueName(dir, name string) (string, string) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 1; ; i++ {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return candidate, path
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
}

// List returns finalized artifacts, newest first.
func (s *Store) List(ctx context.Context) ([]export.Artifact, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, listFinalizedSQL)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var artifacts []export.Artifact
	for rows.Next() {
		var (
			a           export.Artifact
			finalizedAt int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Path, &a.RelativePath, &a.Size, &finalizedAt); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		a.CreatedAt = time.Unix(0, finalizedAt)
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return artifacts, nil
}

// CleanupOrphans removes pending artifacts created more than age ago and
// returns how many were removed.
func (s *Store) CleanupOrphans(ctx context.Context, age time.Duration) (int, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age).UnixNano()

	rows, err := s.db.QueryContext(ctx, selectOrphansSQL, cutoff)
	if err != nil {
		return 0, errFactory.Wrap(ErrCleanupFailed, err)
	}

	type orphan struct {
		id   int64
		path string
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.path); err != nil {
			rows.Close()
			return 0, errFactory.Wrap(ErrCleanupFailed, err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errFactory.Wrap(ErrCleanupFailed, err)
	}
	rows.Close()

	removed := 0
	for _, o := range orphans {
		if err := os.Remove(o.path); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", o.path).Msg("Failed to remove orphaned artifact")
			continue
		}
		if _, err := s.db.ExecContext(ctx, deleteArtifactSQL, o.id); err != nil {
			return removed, errFactory.Wrap(ErrCleanupFailed, err)
		}
		removed++
	}

	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("Orphaned pending artifacts cleaned up")
	}

	return removed, nil
}

func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := s.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.log.Debug().Msg("Artifact store closed")

	return nil
}
