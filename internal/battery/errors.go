package battery

import "codeberg.org/mutker/thermalmon/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrChargeState    = errors.ErrorCode("battery_charge_state_failed")
	ErrBusConnect     = errors.ErrorCode("battery_bus_connect_failed")
	ErrBusSubscribe   = errors.ErrorCode("battery_bus_subscribe_failed")
	ErrSignalsStopped = errors.ErrorCode("battery_signals_stopped")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrChargeState:    "Failed to read battery charge state",
		ErrBusConnect:     "Failed to connect to system bus",
		ErrBusSubscribe:   "Failed to subscribe to UPower signals",
		ErrSignalsStopped: "UPower signal channel closed",
	})
}
