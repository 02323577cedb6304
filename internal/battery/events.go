package battery

import (
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"github.com/godbus/dbus/v5"
)

// EventSource pushes charge-state changes until ctx is done.
type EventSource interface {
	Run(ctx context.Context, emit func(ChargeState)) error
}

// SysfsEvents re-reads the charge state every interval and emits only when
// it differs from the last emitted state.
type SysfsEvents struct {
	sysfs    *Sysfs
	interval time.Duration
}

func NewSysfsEvents(sysfs *Sysfs, interval time.Duration) *SysfsEvents {
	return &SysfsEvents{sysfs: sysfs, interval: interval}
}

func (e *SysfsEvents) Run(ctx context.Context, emit func(ChargeState)) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var (
		last    ChargeState
		emitted bool
	)

	check := func() {
		cs, err := e.sysfs.ChargeState()
		if err != nil {
			return
		}
		if emitted && cs == last {
			return
		}
		last, emitted = cs, true
		emit(cs)
	}

	check()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			check()
		}
	}
}

const (
	upowerPath       = "/org/freedesktop/UPower"
	propertiesIface  = "org.freedesktop.DBus.Properties"
	propertiesMember = "PropertiesChanged"
)

// SignalConn is the subset of *dbus.Conn used to receive UPower signals.
type SignalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// UPowerEvents re-reads the sysfs charge state whenever UPower announces a
// property change on one of its devices.
type UPowerEvents struct {
	sysfs   *Sysfs
	connect func() (SignalConn, error)
}

func NewUPowerEvents(sysfs *Sysfs) *UPowerEvents {
	return &UPowerEvents{
		sysfs: sysfs,
		connect: func() (SignalConn, error) {
			return dbus.ConnectSystemBus()
		},
	}
}

// NewUPowerEventsWithConn uses connect instead of the system bus.
func NewUPowerEventsWithConn(sysfs *Sysfs, connect func() (SignalConn, error)) *UPowerEvents {
	return &UPowerEvents{sysfs: sysfs, connect: connect}
}

func (e *UPowerEvents) Run(ctx context.Context, emit func(ChargeState)) error {
	errFactory := errors.New()

	conn, err := e.connect()
	if err != nil {
		return errFactory.Wrap(ErrBusConnect, err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember(propertiesMember),
	); err != nil {
		return errFactory.Wrap(ErrBusSubscribe, err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if cs, err := e.sysfs.ChargeState(); err == nil {
		emit(cs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errFactory.New(ErrSignalsStopped)
			}
			if !strings.HasPrefix(string(sig.Path), upowerPath) {
				continue
			}
			if cs, err := e.sysfs.ChargeState(); err == nil {
				emit(cs)
			}
		}
	}
}
