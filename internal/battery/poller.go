// Package battery tracks the battery state from two producers: charge-state
// events and a periodic active-current sample.
package battery

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/thermalmon/internal/logger"
	"golang.org/x/sync/errgroup"
)

type Poller struct {
	sysfs  *Sysfs
	events EventSource
	cfg    Config
	latest atomic.Pointer[Reading]
	// charged is set once a charge state has been merged into latest.
	charged atomic.Bool
	log     logger.Logger
}

// New creates a poller. A nil events source falls back to sysfs change
// detection.
func New(reader *Sysfs, events EventSource, cfg Config, log logger.Logger) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if events == nil {
		events = NewSysfsEvents(reader, cfg.EventInterval)
	}

	return &Poller{
		sysfs:  reader,
		events: events,
		cfg:    cfg,
		log:    log,
	}, nil
}

// Latest returns the merged record. ok stays false until the first charge
// state arrives; a current sample alone carries no level or status.
func (p *Poller) Latest() (Reading, bool) {
	charged := p.charged.Load()
	r := p.latest.Load()
	if r == nil {
		return Reading{Status: StatusUnknown, Source: SourceUnknown}, false
	}

	return *r, charged
}

// update publishes a modified copy of the current record. Concurrent
// producers retry until their copy is based on the record they replace.
func (p *Poller) update(fn func(*Reading)) {
	for {
		old := p.latest.Load()

		next := Reading{Status: StatusUnknown, Source: SourceUnknown}
		if old != nil {
			next = *old
		}
		fn(&next)
		next.UpdatedAt = time.Now()

		if p.latest.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (p *Poller) applyChargeState(cs ChargeState) {
	p.update(func(r *Reading) { r.applyChargeState(cs) })
	p.charged.Store(true)
}

func (p *Poller) applyCurrent(ma int) {
	p.update(func(r *Reading) { r.CurrentMA = ma })
}

// Run starts both producers and blocks until ctx is done. If the event
// source fails, charge state falls back to sysfs change detection.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := p.events.Run(ctx, p.applyChargeState)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if _, isSysfs := p.events.(*SysfsEvents); isSysfs {
			return err
		}

		p.log.Warn().Err(err).Msg("Battery events unavailable, falling back to sysfs polling")

		return NewSysfsEvents(p.sysfs, p.cfg.EventInterval).Run(ctx, p.applyChargeState)
	})

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if ma, ok := p.sysfs.CurrentMA(); ok {
				p.applyCurrent(ma)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}
