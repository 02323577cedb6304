package thermal

import "codeberg.org/mutker/thermalmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrSourceFailed  = errors.ErrorCode("thermal_source_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrSourceFailed: "Failed to read extra thermal source",
	})
}
