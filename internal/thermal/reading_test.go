package thermal_test

import (
	"testing"

	"codeberg.org/mutker/thermalmon/internal/thermal"
	"github.com/stretchr/testify/assert"
)

func TestKeep(t *testing.T) {
	tests := []struct {
		name     string
		zoneType string
		raw      string
		want     float64
		kept     bool
	}{
		{name: "empty type", zoneType: "", raw: "45000"},
		{name: "valid", zoneType: "cpu0", raw: "25000", want: 25.00, kept: true},
		{name: "zero", zoneType: "cpu0", raw: "0"},
		{name: "empty value", zoneType: "cpu0", raw: ""},
		{name: "at noise floor", zoneType: "pmic", raw: "-20000"},
		{name: "below noise floor", zoneType: "pmic", raw: "-40000"},
		{name: "just above floor", zoneType: "pmic", raw: "-19999", want: -20.00, kept: true},
		{name: "rounding", zoneType: "gpu", raw: "45678", want: 45.68, kept: true},
		{name: "garbage", zoneType: "gpu", raw: "n/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kept := thermal.Keep(tt.zoneType, tt.raw, thermal.DefaultNoiseFloor)
			assert.Equal(t, tt.kept, kept)
			if tt.kept {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestFormatted(t *testing.T) {
	assert.Equal(t, "25.00", thermal.Reading{Celsius: 25}.Formatted())
	assert.Equal(t, "45.68", thermal.Reading{Celsius: 45.678}.Formatted())
}
