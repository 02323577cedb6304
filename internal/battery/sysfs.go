package battery

import (
	"math"
	"path/filepath"
	"strconv"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/sensor"
)

type Config struct {
	SysfsRoot      string
	Supply         string
	ACSupply       string
	USBSupply      string
	WirelessSupply string
	EventInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		SysfsRoot:      "/sys",
		Supply:         "BAT0",
		ACSupply:       "AC",
		USBSupply:      "usb",
		WirelessSupply: "wireless",
		EventInterval:  5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Supply == "" || c.EventInterval <= 0 {
		return errors.New().WithData(ErrInvalidConfig, c)
	}

	return nil
}

// Sysfs reads a power_supply class device.
type Sysfs struct {
	reader sensor.Reader
	cfg    Config
}

func NewSysfs(reader sensor.Reader, cfg Config) *Sysfs {
	return &Sysfs{reader: reader, cfg: cfg}
}

func (s *Sysfs) endpoint(supply, attr string) string {
	return filepath.Join(s.cfg.SysfsRoot, "class", "power_supply", supply, attr)
}

func (s *Sysfs) readInt(supply, attr string) (int, bool) {
	raw, err := s.reader.Read(s.endpoint(supply, attr))
	if err != nil {
		return 0, false
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}

	return v, true
}

// ChargeState reads level, status, temperature, voltage and power source.
// Only the capacity attribute is mandatory.
func (s *Sysfs) ChargeState() (ChargeState, error) {
	level, ok := s.readInt(s.cfg.Supply, "capacity")
	if !ok {
		return ChargeState{}, errors.New().WithData(ErrChargeState, s.endpoint(s.cfg.Supply, "capacity"))
	}

	cs := ChargeState{
		Level:  level,
		Status: ParseStatus(sensor.ReadOrEmpty(s.reader, s.endpoint(s.cfg.Supply, "status"))),
		Source: s.powerSource(),
	}

	// temp is in tenths of a degree
	if tenths, ok := s.readInt(s.cfg.Supply, "temp"); ok {
		cs.Celsius = float64(tenths) / 10
	}

	if micro, ok := s.readInt(s.cfg.Supply, "voltage_now"); ok {
		cs.Voltage = math.Round(float64(micro)/1000) / 1000
	}

	return cs, nil
}

// CurrentMA returns the instantaneous current in milliamps.
func (s *Sysfs) CurrentMA() (int, bool) {
	micro, ok := s.readInt(s.cfg.Supply, "current_now")
	if !ok {
		return 0, false
	}

	return micro / 1000, true
}

func (s *Sysfs) powerSource() PowerSource {
	supplies := []struct {
		name   string
		source PowerSource
	}{
		{s.cfg.ACSupply, SourceAC},
		{s.cfg.USBSupply, SourceUSB},
		{s.cfg.WirelessSupply, SourceWireless},
	}

	seen := false
	for _, sup := range supplies {
		if sup.name == "" {
			continue
		}
		online, ok := s.readInt(sup.name, "online")
		if !ok {
			continue
		}
		seen = true
		if online == 1 {
			return sup.source
		}
	}

	if seen {
		return SourceNone
	}

	return SourceUnknown
}
