// Package session owns the recording state machine. A controller buffers one
// row per tick for every enabled domain and hands the buffers to an exporter
// when the session stops.
package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"codeberg.org/mutker/thermalmon/internal/battery"
	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/hub"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/soc"
	"codeberg.org/mutker/thermalmon/internal/thermal"
	"github.com/google/uuid"
)

type BatterySource interface {
	Latest() (battery.Reading, bool)
}

type ThermalSource interface {
	Latest() []thermal.Reading
}

type SocSource interface {
	Latest() []soc.CoreFrequency
}

// Sources are read, never triggered, on every tick. A nil source never
// produces rows.
type Sources struct {
	Battery BatterySource
	Thermal ThermalSource
	Soc     SocSource
}

type Exporter interface {
	Export(ctx context.Context, c export.Capture) (export.Artifact, error)
}

type Config struct {
	Interval time.Duration
	Enabled  map[Domain]bool
}

type Option func(*Controller)

func WithClock(c Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

type Controller struct {
	mu       sync.Mutex
	state    State
	enabled  map[Domain]bool
	current  *recording
	retained *recording
	cancel   context.CancelFunc
	done     chan struct{}

	hub      *hub.Hub
	sources  Sources
	exporter Exporter
	clock    Clock
	interval time.Duration
	log      logger.Logger
}

func New(h *hub.Hub, sources Sources, exporter Exporter, cfg Config, log logger.Logger, opts ...Option) (*Controller, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "interval must be positive")
	}

	c := &Controller{
		state:    StateIdle,
		enabled:  make(map[Domain]bool, len(Domains)),
		hub:      h,
		sources:  sources,
		exporter: exporter,
		clock:    realClock{},
		interval: cfg.Interval,
		log:      log,
	}
	for _, d := range Domains {
		c.enabled[d] = cfg.Enabled[d]
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Controller) anyEnabledLocked() bool {
	for _, on := range c.enabled {
		if on {
			return true
		}
	}
	return false
}

func (c *Controller) status(msg string) {
	c.hub.Publish(hub.TopicStatus, msg)
}

func (c *Controller) publishStateLocked() {
	c.hub.Publish(hub.TopicState, c.state)
}

// Start begins a new session. The state check and the transition happen
// under one lock, so concurrent calls start at most one session.
func (c *Controller) Start() (string, error) {
	errFactory := errors.New()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.anyEnabledLocked() {
		c.status("Select at least one domain")
		return "", errFactory.New(ErrNoDomainSelected)
	}
	if c.state != StateIdle {
		c.status("Already recording")
		return "", errFactory.New(ErrAlreadyRecording)
	}

	rec := newRecording(uuid.NewString(), c.clock.Now())
	ctx, cancel := context.WithCancel(context.Background())
	ticker := c.clock.NewTicker(c.interval)
	done := make(chan struct{})

	c.current = rec
	c.retained = nil
	c.cancel = cancel
	c.done = done
	c.state = StateRecording

	go c.loop(ctx, rec, ticker, done)

	c.publishStateLocked()
	c.hub.Publish(hub.TopicElapsed, FormatElapsed(0))
	c.status("Recording started")

	c.log.Info().Str("session", rec.id).Msg("Recording started")

	return rec.id, nil
}

func (c *Controller) loop(ctx context.Context, rec *recording, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C():
			c.tick(ctx, rec, t)
		}
	}
}

// tick appends one snapshot. Stop and Abort change state under the same lock
// before cancelling, so a tick that lost the race appends nothing.
func (c *Controller) tick(ctx context.Context, rec *recording, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil || c.state != StateRecording || c.current != rec {
		return
	}

	rec.append(c.snapshotLocked(t))
	c.hub.Publish(hub.TopicElapsed, FormatElapsed(len(rec.ticks)))
}

func (c *Controller) snapshotLocked(t time.Time) Snapshot {
	s := Snapshot{Time: t, Enabled: maps.Clone(c.enabled)}

	if c.enabled[DomainBattery] && c.sources.Battery != nil {
		if r, ok := c.sources.Battery.Latest(); ok {
			s.Battery = &r
		}
	}
	if c.enabled[DomainThermal] && c.sources.Thermal != nil {
		s.Thermal = c.sources.Thermal.Latest()
	}
	if c.enabled[DomainSoc] && c.sources.Soc != nil {
		s.Soc = c.sources.Soc.Latest()
	}

	return s
}

// Stop ends the session and exports it. On export failure the capture is
// kept for RetryExport or DiscardUnsaved.
func (c *Controller) Stop(ctx context.Context) (export.Artifact, error) {
	errFactory := errors.New()

	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		c.status("Not recording")
		return export.Artifact{}, errFactory.New(ErrNotRecording)
	}

	rec := c.current
	cancel, done := c.cancel, c.done
	c.state = StateFinalizing
	c.publishStateLocked()
	c.mu.Unlock()

	cancel()
	<-done

	capture := rec.capture(c.clock.Now())
	if len(capture.Ticks) == 0 || len(capture.Tables) == 0 {
		c.finish(nil)
		c.status("Nothing recorded")
		return export.Artifact{}, errFactory.New(ErrEmptySession)
	}

	artifact, err := c.exporter.Export(ctx, capture)
	if err != nil {
		c.finish(rec)
		c.status("Export failed")
		c.log.Error().Err(err).Str("session", rec.id).Msg("Export failed, capture retained")
		return export.Artifact{}, exportError(err)
	}

	c.finish(nil)
	c.status("Saved to " + artifact.Path)
	c.log.Info().Str("session", rec.id).Str("path", artifact.Path).Msg("Recording saved")

	return artifact, nil
}

// exportError keeps the exporter's own codes, so presenters can tell an
// unfinalized artifact from a failed export.
func exportError(err error) error {
	if errors.HasCode(err, export.ErrExportFailed) || errors.HasCode(err, export.ErrFinalizeFailed) {
		return err
	}
	return errors.New().Wrap(export.ErrExportFailed, err)
}

func (c *Controller) finish(retain *recording) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = nil
	c.cancel = nil
	c.done = nil
	c.retained = retain
	c.state = StateIdle
	c.publishStateLocked()
}

// Abort discards the running session regardless of how much was buffered.
func (c *Controller) Abort() error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		c.status("Not recording")
		return errors.New().New(ErrNotRecording)
	}

	id := c.current.id
	cancel, done := c.cancel, c.done
	c.current = nil
	c.cancel = nil
	c.done = nil
	c.state = StateIdle
	c.publishStateLocked()
	c.mu.Unlock()

	cancel()
	<-done

	c.status("Recording discarded")
	c.log.Info().Str("session", id).Msg("Recording aborted")

	return nil
}

// RetryExport exports a capture retained after a failed Stop.
func (c *Controller) RetryExport(ctx context.Context) (export.Artifact, error) {
	errFactory := errors.New()

	c.mu.Lock()
	rec := c.retained
	c.retained = nil
	c.mu.Unlock()

	if rec == nil {
		return export.Artifact{}, errFactory.New(ErrNothingToRetry)
	}

	artifact, err := c.exporter.Export(ctx, rec.capture(c.clock.Now()))
	if err != nil {
		c.mu.Lock()
		if c.retained == nil && c.state == StateIdle {
			c.retained = rec
		}
		c.mu.Unlock()
		c.status("Export failed")
		return export.Artifact{}, exportError(err)
	}

	c.status("Saved to " + artifact.Path)

	return artifact, nil
}

// DiscardUnsaved drops a capture retained after a failed Stop.
func (c *Controller) DiscardUnsaved() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retained == nil {
		return errors.New().New(ErrNothingToRetry)
	}
	c.retained = nil

	return nil
}

func (c *Controller) SetDomainEnabled(d Domain, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled[d] == enabled {
		return
	}
	c.enabled[d] = enabled
	c.hub.Publish(hub.TopicDomains, maps.Clone(c.enabled))
}

// SetDomains applies several flags at once, e.g. after a config reload.
func (c *Controller) SetDomains(flags map[Domain]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for d, on := range flags {
		if c.enabled[d] != on {
			c.enabled[d] = on
			changed = true
		}
	}
	if changed {
		c.hub.Publish(hub.TopicDomains, maps.Clone(c.enabled))
	}
}

func (c *Controller) Domains() map[Domain]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.enabled)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:   c.state,
		Elapsed: FormatElapsed(0),
		Unsaved: c.retained != nil,
		Domains: maps.Clone(c.enabled),
	}

	if rec := c.current; rec != nil {
		started := rec.started
		st.SessionID = rec.id
		st.StartedAt = &started
		st.Elapsed = FormatElapsed(len(rec.ticks))
		st.Rows = rec.rowCounts()
	}

	return st
}

// Run publishes every domain's latest reading each interval until ctx is
// done, whether or not a session is recording.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.mu.Lock()
	c.publishStateLocked()
	c.hub.Publish(hub.TopicDomains, maps.Clone(c.enabled))
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			c.publishLive()
		}
	}
}

func (c *Controller) publishLive() {
	if c.sources.Battery != nil {
		if r, ok := c.sources.Battery.Latest(); ok {
			c.hub.Publish(hub.TopicBattery, r)
		}
	}
	if c.sources.Thermal != nil {
		if zones := c.sources.Thermal.Latest(); zones != nil {
			c.hub.Publish(hub.TopicThermal, zones)
		}
	}
	if c.sources.Soc != nil {
		if cores := c.sources.Soc.Latest(); cores != nil {
			c.hub.Publish(hub.TopicSoc, cores)
		}
	}
}
