package session

import (
	"fmt"
	"slices"
	"time"

	"codeberg.org/mutker/thermalmon/internal/battery"
	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/soc"
	"codeberg.org/mutker/thermalmon/internal/thermal"
)

type Domain string

const (
	DomainBattery Domain = "battery"
	DomainThermal Domain = "thermal"
	DomainSoc     Domain = "soc"
)

// Domains lists every domain in export order.
var Domains = []Domain{DomainBattery, DomainThermal, DomainSoc}

func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if !slices.Contains(Domains, d) {
		return "", errors.New().WithData(ErrUnknownDomain, s)
	}
	return d, nil
}

type State string

const (
	StateIdle       State = "Idle"
	StateRecording  State = "Recording"
	StateFinalizing State = "Finalizing"
)

// Snapshot is one tick: its time, the domains enabled at that tick and the
// readings of every enabled domain that had data.
type Snapshot struct {
	Time    time.Time
	Enabled map[Domain]bool
	Battery *battery.Reading
	Thermal []thermal.Reading
	Soc     []soc.CoreFrequency
}

// Status describes the controller for presenters.
type Status struct {
	State     State           `json:"state"`
	SessionID string          `json:"session_id,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	Elapsed   string          `json:"elapsed"`
	Rows      map[Domain]int  `json:"rows,omitempty"`
	Unsaved   bool            `json:"unsaved"`
	Domains   map[Domain]bool `json:"domains"`
}

// FormatElapsed renders seconds as HH:MM:SS.
func FormatElapsed(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}
