package gpu

import (
	"codeberg.org/mutker/thermalmon/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrNotInitialized        = errors.ErrorCode("gpu_not_initialized")
	ErrInitFailed            = errors.ErrorCode("gpu_init_failed")
	ErrDeviceNotFound        = errors.ErrorCode("gpu_device_not_found")
	ErrShutdownFailed        = errors.ErrorCode("gpu_shutdown_failed")
	ErrDeviceCountFailed     = errors.ErrorCode("gpu_device_count_failed")
	ErrTemperatureReadFailed = errors.ErrorCode("gpu_temperature_read_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrNotInitialized:        "NVML not initialized",
		ErrInitFailed:            "Failed to initialize NVML",
		ErrDeviceNotFound:        "GPU device not found",
		ErrShutdownFailed:        "Failed to shut down NVML",
		ErrDeviceCountFailed:     "Failed to count GPU devices",
		ErrTemperatureReadFailed: "Failed to read GPU temperature",
	})
}

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}
