package battery

import "time"

type Status string

const (
	StatusCharging    Status = "Charging"
	StatusDischarging Status = "Discharging"
	StatusFull        Status = "Full"
	StatusNotCharging Status = "NotCharging"
	StatusUnknown     Status = "Unknown"
)

// ParseStatus maps the kernel power_supply status attribute.
func ParseStatus(raw string) Status {
	switch raw {
	case "Charging":
		return StatusCharging
	case "Discharging":
		return StatusDischarging
	case "Full":
		return StatusFull
	case "Not charging":
		return StatusNotCharging
	default:
		return StatusUnknown
	}
}

type PowerSource string

const (
	SourceAC       PowerSource = "AC"
	SourceUSB      PowerSource = "USB"
	SourceWireless PowerSource = "Wireless"
	SourceNone     PowerSource = "None"
	SourceUnknown  PowerSource = "Unknown"
)

// ChargeState is the field subset delivered by charge-state events.
type ChargeState struct {
	Level   int
	Status  Status
	Celsius float64
	Voltage float64
	Source  PowerSource
}

// Reading is the merged battery record. Charge-state fields and the active
// current come from independent producers.
type Reading struct {
	Level     int         `json:"level"`
	Status    Status      `json:"status"`
	CurrentMA int         `json:"current_ma"`
	Celsius   float64     `json:"celsius"`
	Voltage   float64     `json:"voltage"`
	Source    PowerSource `json:"source"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (r *Reading) applyChargeState(cs ChargeState) {
	r.Level = cs.Level
	r.Status = cs.Status
	r.Celsius = cs.Celsius
	r.Voltage = cs.Voltage
	r.Source = cs.Source
}
