package sensor

import "codeberg.org/mutker/thermalmon/internal/errors"

const (
	ErrSensorRead    = errors.ErrorCode("sensor_read_failed")
	ErrSensorTimeout = errors.ErrorCode("sensor_read_timeout")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrSensorRead:    "Failed to read sensor endpoint",
		ErrSensorTimeout: "Sensor endpoint did not answer in time",
	})
}
