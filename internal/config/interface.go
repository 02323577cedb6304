package config

import "context"

// Watcher enables live configuration updates
type Watcher interface {
	// Watch starts watching for configuration changes
	// The callback is called with the reloaded configuration, onError
	// with reloads that failed validation
	Watch(ctx context.Context, callback func(*Config), onError func(error)) error
}

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "THERMALMON"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// BatteryEvents selects the producer of battery charge-state events
type BatteryEvents string

const (
	BatteryEventsSysfs  BatteryEvents = "sysfs"
	BatteryEventsUPower BatteryEvents = "upower"
)

func (b BatteryEvents) IsValid() bool {
	return b == BatteryEventsSysfs || b == BatteryEventsUPower
}
