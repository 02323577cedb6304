// Package soc reads the CPU topology once and samples per-core clock
// frequencies on every tick.
package soc

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/selection"
	"codeberg.org/mutker/thermalmon/internal/sensor"
)

type Config struct {
	SysfsRoot  string
	ProcfsRoot string
}

func DefaultConfig() Config {
	return Config{SysfsRoot: "/sys", ProcfsRoot: "/proc"}
}

// CoreFrequency is one core's current clock. Included is the user's choice
// and is remembered across refreshes.
type CoreFrequency struct {
	Core     int  `json:"core"`
	MHz      int  `json:"mhz"`
	Included bool `json:"included"`
}

type Poller struct {
	reader   sensor.Reader
	host     HostInfo
	cfg      Config
	log      logger.Logger
	once     sync.Once
	topology Topology
	included *selection.Set[int]
	latest   atomic.Pointer[[]CoreFrequency]
}

func New(reader sensor.Reader, host HostInfo, cfg Config, log logger.Logger) *Poller {
	return &Poller{
		reader:   reader,
		host:     host,
		cfg:      cfg,
		log:      log,
		included: selection.New[int](true),
	}
}

func (p *Poller) cpuEndpoint(core int, attr string) string {
	return filepath.Join(p.cfg.SysfsRoot, "devices", "system", "cpu", "cpu"+strconv.Itoa(core), "cpufreq", attr)
}

func (p *Poller) readMHz(core int, attr string) int {
	khz, err := strconv.Atoi(sensor.ReadOrEmpty(p.reader, p.cpuEndpoint(core, attr)))
	if err != nil {
		return 0
	}

	return khz / 1000
}

// Topology returns the static CPU description, reading it on first use.
func (p *Poller) Topology(ctx context.Context) Topology {
	p.once.Do(func() {
		p.topology = p.readTopology(ctx)
		p.log.Info().
			Str("hardware", p.topology.Hardware).
			Int("cores", p.topology.CoreCount).
			Msg("SoC topology detected")
	})

	return p.topology
}

func (p *Poller) readTopology(ctx context.Context) Topology {
	content := sensor.ReadOrEmpty(p.reader, filepath.Join(p.cfg.ProcfsRoot, "cpuinfo"))
	hardware, count := parseCPUInfo(content)

	if hardware == "" && p.host != nil {
		if name, err := p.host.ModelName(ctx); err == nil {
			hardware = name
		} else {
			p.log.Debug().Err(err).Msg("CPU model name unavailable")
		}
	}

	if count == 0 && p.host != nil {
		if n, err := p.host.LogicalCores(ctx); err == nil {
			count = n
		} else {
			p.log.Debug().Err(err).Msg("CPU count unavailable")
		}
	}

	cores := make([]CoreRange, count)
	for i := range count {
		cores[i] = CoreRange{
			Core:   i + 1,
			MinMHz: p.readMHz(i, "scaling_min_freq"),
			MaxMHz: p.readMHz(i, "scaling_max_freq"),
		}
	}

	return Topology{
		Hardware:  hardware,
		CoreCount: count,
		Cores:     cores,
		Histogram: Histogram(cores),
	}
}

// Poll reads every core's current frequency. A core whose frequency cannot
// be read reports 0 MHz.
func (p *Poller) Poll(ctx context.Context) []CoreFrequency {
	topo := p.Topology(ctx)

	freqs := make([]CoreFrequency, topo.CoreCount)
	for i := range topo.CoreCount {
		freqs[i] = CoreFrequency{Core: i + 1, MHz: p.readMHz(i, "scaling_cur_freq")}
	}

	p.latest.Store(&freqs)

	return p.withInclusion(freqs)
}

// Latest returns the last poll with current inclusion flags, or nil before
// the first poll.
func (p *Poller) Latest() []CoreFrequency {
	freqs := p.latest.Load()
	if freqs == nil {
		return nil
	}

	return p.withInclusion(*freqs)
}

func (p *Poller) withInclusion(freqs []CoreFrequency) []CoreFrequency {
	out := make([]CoreFrequency, len(freqs))
	for i, f := range freqs {
		f.Included = p.included.Get(f.Core)
		out[i] = f
	}

	return out
}

// SetIncluded toggles a core (1-based).
func (p *Poller) SetIncluded(core int, included bool) {
	p.included.Set(core, included)
}

func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}
