package export

import "codeberg.org/mutker/thermalmon/internal/errors"

const (
	ErrExportFailed  = errors.ErrorCode("export_failed")
	ErrEmptyCapture  = errors.ErrorCode("export_empty_capture")
	ErrInvalidConfig = errors.ErrInvalidConfig

	// ErrFinalizeFailed is reported by Storage.Finalize when the artifact
	// was written but could not be made visible.
	ErrFinalizeFailed = errors.ErrorCode("storage_finalize_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrExportFailed:   "Failed to export capture",
		ErrEmptyCapture:   "Capture has no rows",
		ErrFinalizeFailed: "Failed to finalize artifact",
	})
}
