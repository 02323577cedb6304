package storage

import (
	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
)

const (
	// Configuration Errors
	ErrInvalidConfig      = errors.ErrInvalidConfig
	ErrInvalidCatalogPath = errors.ErrorCode("storage_invalid_catalog_path")
	ErrInvalidArtifactDir = errors.ErrorCode("storage_invalid_artifact_dir")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("storage_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("storage_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("storage_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("storage_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Artifact Errors
	ErrCreatePending   = errors.ErrorCode("storage_create_pending_failed")
	ErrWriteFailed     = errors.ErrorCode("storage_write_failed")
	ErrFinalizeFailed  = export.ErrFinalizeFailed
	ErrUnknownHandle   = errors.ErrorCode("storage_unknown_handle")
	ErrAlreadyFinal    = errors.ErrorCode("storage_already_finalized")
	ErrCleanupFailed   = errors.ErrorCode("storage_cleanup_failed")
	ErrOperationFailed = errors.ErrOperationFailed
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrInvalidCatalogPath:     "Catalog path must not be empty",
		ErrInvalidArtifactDir:     "Artifact directory must not be empty",
		ErrSchemaInitFailed:       "Failed to initialize catalog schema",
		ErrSchemaValidationFailed: "Failed to validate catalog schema",
		ErrSchemaMigrationFailed:  "Failed to migrate catalog schema",
		ErrTransactionFailed:      "Catalog transaction failed",
		ErrStorageAccess:          "Failed to access catalog",
		ErrCreatePending:          "Failed to create pending artifact",
		ErrWriteFailed:            "Failed to write pending artifact",
		ErrUnknownHandle:          "Unknown artifact handle",
		ErrAlreadyFinal:           "Artifact is already finalized",
		ErrCleanupFailed:          "Failed to clean up pending artifacts",
	})
}
