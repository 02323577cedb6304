package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel  = LogLevelInfo
	DefaultEnvPrefix = "THERMALMON"
	configName       = "thermalmon"
	configEnvVar     = "THERMALMON_CONFIG"
)

type Config struct {
	Interval   time.Duration `mapstructure:"interval"`
	LogLevel   string        `mapstructure:"log_level"`
	SysfsRoot  string        `mapstructure:"sysfs_root"`
	ProcfsRoot string        `mapstructure:"procfs_root"`
	Sensor     SensorConfig  `mapstructure:"sensor"`
	Thermal    ThermalConfig `mapstructure:"thermal"`
	Battery    BatteryConfig `mapstructure:"battery"`
	GPU        GPUConfig     `mapstructure:"gpu"`
	Domains    DomainsConfig `mapstructure:"domains"`
	Export     ExportConfig  `mapstructure:"export"`
	Storage    StorageConfig `mapstructure:"storage"`
	Server     ServerConfig  `mapstructure:"server"`
}

type SensorConfig struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type ThermalConfig struct {
	Zones       int `mapstructure:"zones"`
	Concurrency int `mapstructure:"concurrency"`
	NoiseFloor  int `mapstructure:"noise_floor"`
}

type BatteryConfig struct {
	Supply         string        `mapstructure:"supply"`
	ACSupply       string        `mapstructure:"ac_supply"`
	USBSupply      string        `mapstructure:"usb_supply"`
	WirelessSupply string        `mapstructure:"wireless_supply"`
	Events         string        `mapstructure:"events"`
	EventInterval  time.Duration `mapstructure:"event_interval"`
}

type GPUConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DomainsConfig struct {
	Battery bool `mapstructure:"battery"`
	Thermal bool `mapstructure:"thermal"`
	Soc     bool `mapstructure:"soc"`
}

type ExportConfig struct {
	Prefix       string `mapstructure:"prefix"`
	Dir          string `mapstructure:"dir"`
	RelativePath string `mapstructure:"relative_path"`
}

type StorageConfig struct {
	Catalog   string        `mapstructure:"catalog"`
	OrphanAge time.Duration `mapstructure:"orphan_age"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

var defaults = map[string]any{
	"interval":                "1s",
	"log_level":               string(DefaultLogLevel),
	"sysfs_root":              "/sys",
	"procfs_root":             "/proc",
	"sensor.read_timeout":     "250ms",
	"thermal.zones":           131,
	"thermal.concurrency":     16,
	"thermal.noise_floor":     -20000,
	"battery.supply":          "BAT0",
	"battery.ac_supply":       "AC",
	"battery.usb_supply":      "usb",
	"battery.wireless_supply": "wireless",
	"battery.events":          string(BatteryEventsSysfs),
	"battery.event_interval":  "5s",
	"gpu.enabled":             false,
	"domains.battery":         true,
	"domains.thermal":         true,
	"domains.soc":             true,
	"export.prefix":           "TMData",
	"export.dir":              "/var/lib/thermalmon/artifacts",
	"export.relative_path":    "ThermalMonitor",
	"storage.catalog":         "/var/lib/thermalmon/catalog.db",
	"storage.orphan_age":      "1h",
	"server.listen":           "127.0.0.1:8087",
}

// flagKeys maps command line flag names to configuration keys. Only flags
// present on the given FlagSet are bound.
var flagKeys = map[string]string{
	"log-level":   "log_level",
	"interval":    "interval",
	"sysfs-root":  "sysfs_root",
	"procfs-root": "procfs_root",
	"zones":       "thermal.zones",
	"gpu":         "gpu.enabled",
	"battery":     "domains.battery",
	"thermal":     "domains.thermal",
	"soc":         "domains.soc",
	"prefix":      "export.prefix",
	"export-dir":  "export.dir",
	"catalog":     "storage.catalog",
	"listen":      "server.listen",
}

// RegisterFlags adds the flags shared by every command to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to the configuration file")
	fs.String("log-level", string(DefaultLogLevel), "Log level (debug, info, warning, error)")
	fs.Duration("interval", time.Second, "Sampling interval")
	fs.String("sysfs-root", "/sys", "Root of the sysfs tree")
	fs.String("procfs-root", "/proc", "Root of the procfs tree")
	fs.Int("zones", 131, "Number of thermal zones to probe")
	fs.Bool("gpu", false, "Add NVIDIA GPU temperatures to the thermal domain")
	fs.String("export-dir", "/var/lib/thermalmon/artifacts", "Directory receiving exported workbooks")
	fs.String("catalog", "/var/lib/thermalmon/catalog.db", "Path to the artifact catalog database")
}

// Loader reads configuration from defaults, file, environment and flags,
// in increasing order of precedence.
type Loader struct {
	v       *viper.Viper
	opts    options
	stopped atomic.Bool
}

func NewLoader(fs *pflag.FlagSet, opts ...Option) (*Loader, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	if o.configPath == "" && fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			o.configPath = f.Value.String()
		}
	}
	if o.configPath == "" {
		o.configPath = os.Getenv(configEnvVar)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
	}

	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/thermalmon")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "thermalmon"))
		}
		v.AddConfigPath(".")
	}

	return &Loader{v: v, opts: o}, nil
}

// Load reads and validates the configuration.
func Load(fs *pflag.FlagSet, opts ...Option) (*Config, error) {
	l, err := NewLoader(fs, opts...)
	if err != nil {
		return nil, err
	}

	return l.Load()
}

func (l *Loader) Load() (*Config, error) {
	errFactory := errors.New()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.opts.configPath != "" || !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return l.decode()
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Watch reloads the configuration whenever the file changes and hands the
// result to callback. Invalid reloads are reported through onError and
// otherwise ignored. Watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, callback func(*Config), onError func(error)) error {
	if l.v.ConfigFileUsed() == "" {
		return errors.New().WithData(errors.ErrResourceNotFound, "no configuration file to watch")
	}

	l.v.OnConfigChange(func(_ fsnotify.Event) {
		if l.stopped.Load() {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(cfg)
	})
	l.v.WatchConfig()

	go func() {
		<-ctx.Done()
		l.stopped.Store(true)
	}()

	return nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Sensor.ReadTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "sensor.read_timeout must be positive")
	}
	if c.Thermal.Zones <= 0 || c.Thermal.Concurrency <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "thermal.zones and thermal.concurrency must be positive")
	}
	if !BatteryEvents(c.Battery.Events).IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown battery.events: "+c.Battery.Events)
	}
	if c.Battery.EventInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "battery.event_interval must be positive")
	}
	if c.Export.Prefix == "" || c.Export.Dir == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "export.prefix and export.dir are required")
	}
	if c.Storage.Catalog == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "storage.catalog is required")
	}

	return nil
}
