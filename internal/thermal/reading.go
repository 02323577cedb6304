package thermal

import (
	"math"
	"strconv"
)

// DefaultNoiseFloor is the raw milli-degree value at or below which a zone is
// treated as disconnected.
const DefaultNoiseFloor = -20000

// Reading is one valid thermal zone sample.
type Reading struct {
	Zone     string  `json:"zone"`
	Index    int     `json:"index"`
	Type     string  `json:"type"`
	Celsius  float64 `json:"celsius"`
	Selected bool    `json:"selected"`
}

// Formatted returns the temperature with two decimals.
func (r Reading) Formatted() string {
	return strconv.FormatFloat(r.Celsius, 'f', 2, 64)
}

// Keep applies the zone filter to a raw type/temp pair and returns the
// temperature in degrees Celsius rounded to two decimals.
func Keep(zoneType, raw string, floor int) (float64, bool) {
	if zoneType == "" || raw == "" || raw == "0" {
		return 0, false
	}

	milli, err := strconv.Atoi(raw)
	if err != nil || milli <= floor {
		return 0, false
	}

	return math.Round(float64(milli)/10) / 100, true
}
