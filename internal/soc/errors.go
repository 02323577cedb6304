package soc

import "codeberg.org/mutker/thermalmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrHostInfo      = errors.ErrorCode("soc_host_info_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrHostInfo: "Failed to query CPU information",
	})
}
