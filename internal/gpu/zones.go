// Package gpu exposes NVIDIA GPU temperatures as additional thermal zones.
package gpu

import (
	"context"
	"fmt"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/thermal"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Device is the part of nvml.Device the zone source reads.
type Device interface {
	GetName() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
}

type zone struct {
	name   string
	label  string
	device Device
}

// ZoneSource implements thermal.Source for every GPU NVML can see.
type ZoneSource struct {
	lib   nvmlController
	zones []zone
	log   logger.Logger
}

// NewZoneSource initializes NVML and enumerates devices.
func NewZoneSource(log logger.Logger) (*ZoneSource, error) {
	return newZoneSource(&nvmlWrapper{}, log)
}

func newZoneSource(lib nvmlController, log logger.Logger) (*ZoneSource, error) {
	if err := lib.Initialize(); err != nil {
		return nil, err
	}

	count, err := lib.GetDeviceCount()
	if err != nil {
		_ = lib.Shutdown()
		return nil, err
	}

	devices := make([]Device, 0, count)
	for i := range count {
		device, err := lib.GetDevice(i)
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("Skipping GPU")
			continue
		}
		devices = append(devices, device)
	}

	s := NewZoneSourceWithDevices(log, devices...)
	s.lib = lib

	return s, nil
}

// NewZoneSourceWithDevices wraps already opened devices.
func NewZoneSourceWithDevices(log logger.Logger, devices ...Device) *ZoneSource {
	s := &ZoneSource{log: log}

	for i, device := range devices {
		label, ret := device.GetName()
		if ret != nvml.SUCCESS {
			log.Warn().Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
			label = "gpu"
		}
		log.Info().Msgf("Detected GPU: %v", label)

		s.zones = append(s.zones, zone{
			name:   fmt.Sprintf("gpu%d", i),
			label:  label,
			device: device,
		})
	}

	return s
}

// Zones reads the core temperature of every device. Devices that fail are
// left out; an error is returned only when every device failed.
func (s *ZoneSource) Zones(ctx context.Context) ([]thermal.Reading, error) {
	readings := make([]thermal.Reading, 0, len(s.zones))

	var lastErr error
	for _, z := range s.zones {
		if err := ctx.Err(); err != nil {
			return readings, err
		}

		temp, ret := z.device.GetTemperature(nvml.TEMPERATURE_GPU)
		if ret != nvml.SUCCESS {
			lastErr = errors.New().Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
			continue
		}

		readings = append(readings, thermal.Reading{
			Zone:    z.name,
			Type:    z.label,
			Celsius: float64(temp),
		})
	}

	if len(readings) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return readings, nil
}

func (s *ZoneSource) Close() error {
	if s.lib == nil {
		return nil
	}

	return s.lib.Shutdown()
}
