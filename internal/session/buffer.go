package session

import (
	"strconv"
	"time"

	"codeberg.org/mutker/thermalmon/internal/export"
)

const timestampLayout = "15:04:05"

var batteryHeader = []string{"timestamp", "level", "status", "current", "temperature", "voltage", "source"}

// buffer holds one domain's rows. Keyed domains fix their columns at the
// first snapshot with readings. From then on every tick with the domain
// enabled adds a row projected onto those columns, empty cells included.
type buffer struct {
	header []string
	keys   []string
	rows   [][]any
}

func (b *buffer) fixed() bool {
	return b.header != nil
}

func (b *buffer) fix(keys, labels []string) {
	b.keys = keys
	b.header = append([]string{"timestamp"}, labels...)
}

// appendKeyed adds a row with one cell per fixed key. Missing keys become
// empty cells and unknown keys are dropped.
func (b *buffer) appendKeyed(t time.Time, values map[string]any) {
	row := make([]any, len(b.header))
	row[0] = t.Format(timestampLayout)
	for i, key := range b.keys {
		if v, ok := values[key]; ok {
			row[i+1] = v
		} else {
			row[i+1] = ""
		}
	}
	b.rows = append(b.rows, row)
}

type recording struct {
	id      string
	started time.Time
	ticks   []time.Time
	buffers map[Domain]*buffer
}

func newRecording(id string, started time.Time) *recording {
	r := &recording{
		id:      id,
		started: started,
		buffers: make(map[Domain]*buffer, len(Domains)),
	}
	for _, d := range Domains {
		r.buffers[d] = &buffer{}
	}
	r.buffers[DomainBattery].header = batteryHeader

	return r
}

func (r *recording) append(s Snapshot) {
	r.ticks = append(r.ticks, s.Time)

	if s.Battery != nil {
		b := r.buffers[DomainBattery]
		b.rows = append(b.rows, []any{
			s.Time.Format(timestampLayout),
			s.Battery.Level,
			string(s.Battery.Status),
			s.Battery.CurrentMA,
			s.Battery.Celsius,
			s.Battery.Voltage,
			string(s.Battery.Source),
		})
	}

	if b := r.buffers[DomainThermal]; s.Enabled[DomainThermal] && (b.fixed() || len(s.Thermal) > 0) {
		if !b.fixed() {
			keys := make([]string, len(s.Thermal))
			labels := make([]string, len(s.Thermal))
			for i, z := range s.Thermal {
				keys[i], labels[i] = z.Zone, z.Type
			}
			b.fix(keys, labels)
		}
		values := make(map[string]any, len(s.Thermal))
		for _, z := range s.Thermal {
			values[z.Zone] = z.Celsius
		}
		b.appendKeyed(s.Time, values)
	}

	if b := r.buffers[DomainSoc]; s.Enabled[DomainSoc] && (b.fixed() || len(s.Soc) > 0) {
		if !b.fixed() {
			keys := make([]string, len(s.Soc))
			labels := make([]string, len(s.Soc))
			for i, c := range s.Soc {
				keys[i] = strconv.Itoa(c.Core)
				labels[i] = "core_" + keys[i]
			}
			b.fix(keys, labels)
		}
		values := make(map[string]any, len(s.Soc))
		for _, c := range s.Soc {
			values[strconv.Itoa(c.Core)] = c.MHz
		}
		b.appendKeyed(s.Time, values)
	}
}

func (r *recording) rowCounts() map[Domain]int {
	counts := make(map[Domain]int, len(r.buffers))
	for d, b := range r.buffers {
		counts[d] = len(b.rows)
	}
	return counts
}

var tableSuffix = map[Domain]string{
	DomainBattery: "Battery",
	DomainThermal: "Thermal",
	DomainSoc:     "Soc",
}

// capture hands the buffers to the exporter. Domains without rows get no
// sheet.
func (r *recording) capture(ended time.Time) export.Capture {
	c := export.Capture{
		SessionID: r.id,
		Ticks:     r.ticks,
		Ended:     ended,
	}

	for _, d := range Domains {
		b := r.buffers[d]
		if len(b.rows) == 0 {
			continue
		}
		c.Tables = append(c.Tables, export.Table{
			Suffix: tableSuffix[d],
			Header: b.header,
			Rows:   b.rows,
		})
	}

	return c
}
