package app

import (
	"context"
	"time"

	"codeberg.org/mutker/thermalmon/internal/battery"
	"codeberg.org/mutker/thermalmon/internal/config"
	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/gpu"
	"codeberg.org/mutker/thermalmon/internal/hub"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/sensor"
	"codeberg.org/mutker/thermalmon/internal/server"
	"codeberg.org/mutker/thermalmon/internal/session"
	"codeberg.org/mutker/thermalmon/internal/soc"
	"codeberg.org/mutker/thermalmon/internal/storage"
	"codeberg.org/mutker/thermalmon/internal/thermal"
	"golang.org/x/sync/errgroup"
)

const readyPollInterval = 50 * time.Millisecond

type options struct {
	reader      sensor.Reader
	host        soc.HostInfo
	events      battery.EventSource
	clock       session.Clock
	withoutHTTP bool
}

type Option func(*options)

// WithReader replaces the sysfs/procfs file reader.
func WithReader(r sensor.Reader) Option {
	return func(o *options) { o.reader = r }
}

func WithHostInfo(h soc.HostInfo) Option {
	return func(o *options) { o.host = h }
}

// WithBatteryEvents overrides the charge-state producer chosen by
// battery.events.
func WithBatteryEvents(e battery.EventSource) Option {
	return func(o *options) { o.events = e }
}

func WithClock(c session.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithoutServer skips the HTTP/WebSocket listener, as headless recording does.
func WithoutServer() Option {
	return func(o *options) { o.withoutHTTP = true }
}

// App owns every long-lived component and their lifecycles.
type App struct {
	cfg *config.Config
	log logger.Logger

	hub        *hub.Hub
	thermal    *thermal.Poller
	gpu        *gpu.ZoneSource
	battery    *battery.Poller
	soc        *soc.Poller
	store      *storage.Store
	exporter   *export.Exporter
	controller *session.Controller
	server     *server.Server
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	errFactory := errors.New()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.reader == nil {
		o.reader = sensor.NewFileReader(cfg.Sensor.ReadTimeout)
	}
	if o.host == nil {
		o.host = soc.NewHostInfo()
	}

	a := &App{cfg: cfg, log: logger.Component("app")}
	a.hub = hub.New(hub.WithLogger(logger.Component("hub")))

	var sources []thermal.Source
	if cfg.GPU.Enabled {
		zs, err := gpu.NewZoneSource(logger.Component("gpu"))
		if err != nil {
			a.log.Warn().Err(err).Msg("GPU thermal zones unavailable")
		} else {
			a.gpu = zs
			sources = append(sources, zs)
		}
	}

	var err error
	a.thermal, err = thermal.New(o.reader, thermal.Config{
		SysfsRoot:   cfg.SysfsRoot,
		Zones:       cfg.Thermal.Zones,
		Concurrency: cfg.Thermal.Concurrency,
		NoiseFloor:  cfg.Thermal.NoiseFloor,
	}, logger.Component("thermal"), sources...)
	if err != nil {
		a.closeSources()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	batteryCfg := battery.Config{
		SysfsRoot:      cfg.SysfsRoot,
		Supply:         cfg.Battery.Supply,
		ACSupply:       cfg.Battery.ACSupply,
		USBSupply:      cfg.Battery.USBSupply,
		WirelessSupply: cfg.Battery.WirelessSupply,
		EventInterval:  cfg.Battery.EventInterval,
	}
	sysfs := battery.NewSysfs(o.reader, batteryCfg)
	events := o.events
	if events == nil && config.BatteryEvents(cfg.Battery.Events) == config.BatteryEventsUPower {
		events = battery.NewUPowerEvents(sysfs)
	}
	a.battery, err = battery.New(sysfs, events, batteryCfg, logger.Component("battery"))
	if err != nil {
		a.closeSources()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	a.soc = soc.New(o.reader, o.host, soc.Config{
		SysfsRoot:  cfg.SysfsRoot,
		ProcfsRoot: cfg.ProcfsRoot,
	}, logger.Component("soc"))

	a.store, err = storage.Open(StorageConfig(cfg), logger.Component("storage"))
	if err != nil {
		a.closeSources()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	a.exporter, err = export.New(a.store, export.Config{
		Prefix:       cfg.Export.Prefix,
		RelativePath: cfg.Export.RelativePath,
	}, logger.Component("export"))
	if err != nil {
		a.Close()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	var ctlOpts []session.Option
	if o.clock != nil {
		ctlOpts = append(ctlOpts, session.WithClock(o.clock))
	}
	a.controller, err = session.New(a.hub, session.Sources{
		Battery: a.battery,
		Thermal: a.thermal,
		Soc:     a.soc,
	}, a.exporter, session.Config{
		Interval: cfg.Interval,
		Enabled:  domainFlags(cfg.Domains),
	}, logger.Component("session"), ctlOpts...)
	if err != nil {
		a.Close()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	if !o.withoutHTTP {
		a.server = server.New(server.Deps{
			Controller: a.controller,
			Hub:        a.hub,
			Zones:      a.thermal,
			Cores:      a.soc,
			Artifacts:  a.store,
		}, logger.Component("server"))
	}

	return a, nil
}

// StorageConfig maps the catalog and export settings onto the store.
func StorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		CatalogPath: cfg.Storage.Catalog,
		Dir:         cfg.Export.Dir,
		OrphanAge:   cfg.Storage.OrphanAge,
	}
}

func domainFlags(d config.DomainsConfig) map[session.Domain]bool {
	return map[session.Domain]bool{
		session.DomainBattery: d.Battery,
		session.DomainThermal: d.Thermal,
		session.DomainSoc:     d.Soc,
	}
}

func (a *App) Controller() *session.Controller { return a.controller }
func (a *App) Hub() *hub.Hub                   { return a.hub }
func (a *App) Store() *storage.Store           { return a.store }
func (a *App) Thermal() *thermal.Poller        { return a.thermal }
func (a *App) Battery() *battery.Poller        { return a.battery }
func (a *App) Soc() *soc.Poller                { return a.soc }

// Run starts every poller, the live publisher and, unless disabled, the
// HTTP server. Pending artifacts older than storage.orphan_age are removed
// first. A non-nil watcher feeds reloaded configuration into Reload. Run
// returns once ctx is done and everything has stopped.
func (a *App) Run(ctx context.Context, watcher config.Watcher) error {
	if n, err := a.store.CleanupOrphans(ctx, a.cfg.Storage.OrphanAge); err != nil {
		a.log.Warn().Err(err).Msg("Orphan cleanup failed")
	} else if n > 0 {
		a.log.Info().Int("removed", n).Msg("Removed orphaned pending artifacts")
	}

	if watcher != nil {
		err := watcher.Watch(ctx, a.Reload, func(err error) {
			a.log.Warn().Err(err).Msg("Ignoring invalid configuration reload")
		})
		if err != nil {
			a.log.Debug().Err(err).Msg("Configuration watching disabled")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.thermal.Run(ctx, a.cfg.Interval) })
	g.Go(func() error { return a.battery.Run(ctx, a.cfg.Interval) })
	g.Go(func() error { return a.soc.Run(ctx, a.cfg.Interval) })
	g.Go(func() error { return a.controller.Run(ctx) })
	if a.server != nil && a.cfg.Server.Listen != "" {
		g.Go(func() error { return a.server.Run(ctx, a.cfg.Server.Listen) })
	}

	a.log.Info().
		Dur("interval", a.cfg.Interval).
		Str("listen", a.cfg.Server.Listen).
		Msg("Started")

	if err := g.Wait(); err != nil {
		return errors.New().Wrap(errors.ErrMainLoop, err)
	}

	return nil
}

// Reload applies the parts of a reloaded configuration that can change
// while running: the domain toggles and the log level.
func (a *App) Reload(cfg *config.Config) {
	a.controller.SetDomains(domainFlags(cfg.Domains))

	if lvl, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLogLevel(lvl)
	}

	a.log.Info().
		Bool("battery", cfg.Domains.Battery).
		Bool("thermal", cfg.Domains.Thermal).
		Bool("soc", cfg.Domains.Soc).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration reloaded")
}

// WaitReady blocks until every enabled domain has produced its first
// reading.
func (a *App) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if a.ready() {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *App) ready() bool {
	enabled := a.controller.Domains()

	if enabled[session.DomainBattery] {
		if _, ok := a.battery.Latest(); !ok {
			return false
		}
	}
	if enabled[session.DomainThermal] && a.thermal.Latest() == nil {
		return false
	}
	if enabled[session.DomainSoc] && a.soc.Latest() == nil {
		return false
	}

	return true
}

// Shutdown saves a session that is still recording, then releases every
// resource.
func (a *App) Shutdown(ctx context.Context) error {
	if a.controller != nil && a.controller.Status().State == session.StateRecording {
		artifact, err := a.controller.Stop(ctx)
		if err != nil {
			a.log.Error().Err(err).Msg("Failed to save the running session")
		} else {
			a.log.Info().Str("path", artifact.Path).Msg("Saved the running session")
		}
	}

	return a.Close()
}

func (a *App) Close() error {
	a.hub.Close()
	a.closeSources()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return errors.New().Wrap(errors.ErrShutdownFailed, err)
		}
	}

	return nil
}

func (a *App) closeSources() {
	if a.gpu == nil {
		return
	}
	if err := a.gpu.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to shut down NVML")
	}
}
