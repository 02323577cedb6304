// Package thermal samples the kernel thermal zones.
package thermal

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/selection"
	"codeberg.org/mutker/thermalmon/internal/sensor"
	"golang.org/x/sync/errgroup"
)

const (
	defaultZones       = 131
	defaultConcurrency = 16
)

// Source supplies zones that do not live under the sysfs thermal class, such
// as discrete GPUs. Returned readings only need Zone, Type and Celsius.
type Source interface {
	Zones(ctx context.Context) ([]Reading, error)
}

type Config struct {
	SysfsRoot   string
	Zones       int
	Concurrency int
	NoiseFloor  int
}

func DefaultConfig() Config {
	return Config{
		SysfsRoot:   "/sys",
		Zones:       defaultZones,
		Concurrency: defaultConcurrency,
		NoiseFloor:  DefaultNoiseFloor,
	}
}

func (c Config) Validate() error {
	if c.Zones <= 0 || c.Concurrency <= 0 {
		return errors.New().WithData(ErrInvalidConfig, c)
	}

	return nil
}

type Poller struct {
	reader   sensor.Reader
	cfg      Config
	sources  []Source
	selected *selection.Set[string]
	latest   atomic.Pointer[[]Reading]
	log      logger.Logger
}

func New(reader sensor.Reader, cfg Config, log logger.Logger, sources ...Source) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Poller{
		reader:   reader,
		cfg:      cfg,
		sources:  sources,
		selected: selection.New[string](false),
		log:      log,
	}, nil
}

func ZoneName(index int) string {
	return fmt.Sprintf("thermal_zone%d", index)
}

func (p *Poller) endpoint(index int, attr string) string {
	return filepath.Join(p.cfg.SysfsRoot, "class", "thermal", ZoneName(index), attr)
}

// Poll reads every candidate zone once and stores the valid ones as the
// latest readings. Individual read failures only drop the affected zone.
func (p *Poller) Poll(ctx context.Context) []Reading {
	n := p.cfg.Zones
	types := make([]string, n)
	temps := make([]string, n)

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for i := range n {
		g.Go(func() error {
			if ctx.Err() == nil {
				types[i] = sensor.ReadOrEmpty(p.reader, p.endpoint(i, "type"))
			}
			return nil
		})
		g.Go(func() error {
			if ctx.Err() == nil {
				temps[i] = sensor.ReadOrEmpty(p.reader, p.endpoint(i, "temp"))
			}
			return nil
		})
	}
	_ = g.Wait()

	readings := make([]Reading, 0, n)
	for i := range n {
		celsius, ok := Keep(types[i], temps[i], p.cfg.NoiseFloor)
		if !ok {
			continue
		}
		readings = append(readings, Reading{
			Zone:    ZoneName(i),
			Index:   i,
			Type:    types[i],
			Celsius: celsius,
		})
	}

	readings = append(readings, p.pollSources(ctx, n)...)

	p.latest.Store(&readings)
	p.log.Debug().Int("zones", len(readings)).Msg("Thermal zones polled")

	return p.withSelection(readings)
}

func (p *Poller) pollSources(ctx context.Context, base int) []Reading {
	var extra []Reading

	for _, src := range p.sources {
		zones, err := src.Zones(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("Thermal source failed")
			continue
		}
		for _, z := range zones {
			z.Index = base + len(extra)
			extra = append(extra, z)
		}
	}

	return extra
}

// Latest returns the most recent readings with the current selection flags
// applied, or nil before the first poll.
func (p *Poller) Latest() []Reading {
	readings := p.latest.Load()
	if readings == nil {
		return nil
	}

	return p.withSelection(*readings)
}

func (p *Poller) withSelection(readings []Reading) []Reading {
	out := make([]Reading, len(readings))
	for i, r := range readings {
		r.Selected = p.selected.Get(r.Zone)
		out[i] = r
	}

	return out
}

// SetSelected marks a zone for display in overlays.
func (p *Poller) SetSelected(zone string, selected bool) {
	p.selected.Set(zone, selected)
}

// Run polls immediately and then every interval until ctx is done.
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
