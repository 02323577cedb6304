package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/thermalmon/internal/battery"
	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/hub"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/session"
	"codeberg.org/mutker/thermalmon/internal/soc"
	"codeberg.org/mutker/thermalmon/internal/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 9, 14, 5, 0, 0, time.Local)}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) NewTicker(time.Duration) session.Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	m.tickers = append(m.tickers, t)
	return t
}

func (m *manualClock) last() *manualTicker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickers[len(m.tickers)-1]
}

func (m *manualClock) advance() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(time.Second)
	return m.now
}

type fakeBattery struct{}

func (fakeBattery) Latest() (battery.Reading, bool) {
	return battery.Reading{
		Level: 80, Status: battery.StatusDischarging, CurrentMA: -900,
		Celsius: 30.1, Voltage: 3.95, Source: battery.SourceNone,
	}, true
}

type fakeThermal struct {
	mu    sync.Mutex
	zones []thermal.Reading
}

func (f *fakeThermal) Latest() []thermal.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zones
}

func (f *fakeThermal) set(zones ...thermal.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones = zones
}

type fakeSoc struct{}

func (fakeSoc) Latest() []soc.CoreFrequency {
	return []soc.CoreFrequency{{Core: 1, MHz: 1800}, {Core: 2, MHz: 2400}}
}

type fakeExporter struct {
	mu       sync.Mutex
	captures []export.Capture
	fail     bool
	err      error
}

func (f *fakeExporter) Export(_ context.Context, c export.Capture) (export.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, c)
	if f.err != nil {
		return export.Artifact{}, f.err
	}
	if f.fail {
		return export.Artifact{}, errors.New().New(errors.ErrOperationFailed)
	}
	return export.Artifact{Name: "out.xlsx", Path: "/tmp/out.xlsx"}, nil
}

func (f *fakeExporter) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeExporter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.captures)
}

func (f *fakeExporter) lastCapture() export.Capture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[len(f.captures)-1]
}

type fixture struct {
	ctl      *session.Controller
	hub      *hub.Hub
	clock    *manualClock
	thermal  *fakeThermal
	exporter *fakeExporter
	elapsed  *hub.Subscription
	ticks    int
}

func twoZones() []thermal.Reading {
	return []thermal.Reading{
		{Zone: "thermal_zone0", Type: "cpu0", Celsius: 25},
		{Zone: "thermal_zone3", Type: "gpu", Celsius: 41.5},
	}
}

func newFixture(t *testing.T, enabled ...session.Domain) *fixture {
	t.Helper()

	f := &fixture{
		hub:      hub.New(hub.WithBuffer(256)),
		clock:    newManualClock(),
		thermal:  &fakeThermal{},
		exporter: &fakeExporter{},
	}
	f.thermal.set(twoZones()...)

	flags := map[session.Domain]bool{}
	for _, d := range enabled {
		flags[d] = true
	}

	ctl, err := session.New(f.hub,
		session.Sources{Battery: fakeBattery{}, Thermal: f.thermal, Soc: fakeSoc{}},
		f.exporter,
		session.Config{Interval: time.Second, Enabled: flags},
		logger.Nop(),
		session.WithClock(f.clock),
	)
	require.NoError(t, err)

	f.ctl = ctl
	f.elapsed = f.hub.Subscribe(hub.TopicElapsed)
	t.Cleanup(f.hub.Close)

	return f
}

func (f *fixture) expectElapsed(t *testing.T, want string) {
	t.Helper()

	select {
	case ev := <-f.elapsed.C():
		require.Equal(t, want, ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for elapsed %s", want)
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	_, err := f.ctl.Start()
	require.NoError(t, err)
	f.ticks = 0
	f.expectElapsed(t, "00:00:00")
}

func (f *fixture) tick(t *testing.T, n int) {
	t.Helper()

	for range n {
		f.clock.last().ch <- f.clock.advance()
		f.ticks++
		f.expectElapsed(t, session.FormatElapsed(f.ticks))
	}
}

func TestRowsPerTick(t *testing.T) {
	f := newFixture(t, session.DomainBattery, session.DomainThermal)
	f.start(t)
	f.tick(t, 5)

	st := f.ctl.Status()
	assert.Equal(t, session.StateRecording, st.State)
	assert.Equal(t, "00:00:05", st.Elapsed)
	assert.Equal(t, 5, st.Rows[session.DomainBattery])
	assert.Equal(t, 5, st.Rows[session.DomainThermal])
	assert.Equal(t, 0, st.Rows[session.DomainSoc])

	artifact, err := f.ctl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.xlsx", artifact.Path)

	c := f.exporter.lastCapture()
	require.Len(t, c.Ticks, 5)
	require.Len(t, c.Tables, 2)
	assert.Equal(t, "Battery", c.Tables[0].Suffix)
	assert.Equal(t, "Thermal", c.Tables[1].Suffix)
	assert.Len(t, c.Tables[0].Rows, 5)
	assert.Equal(t, []any{"14:05:01", 80, "Discharging", -900, 30.1, 3.95, "None"}, c.Tables[0].Rows[0])

	assert.Equal(t, session.StateIdle, f.ctl.Status().State)
}

func TestSecondStartRejected(t *testing.T) {
	f := newFixture(t, session.DomainSoc)
	f.start(t)

	_, err := f.ctl.Start()
	assert.Equal(t, session.ErrAlreadyRecording, errors.CodeOf(err))

	f.tick(t, 3)
	assert.Equal(t, 3, f.ctl.Status().Rows[session.DomainSoc])

	_, err = f.ctl.Stop(context.Background())
	require.NoError(t, err)

	c := f.exporter.lastCapture()
	require.Len(t, c.Tables, 1)
	assert.Equal(t, []string{"timestamp", "core_1", "core_2"}, c.Tables[0].Header)
	assert.Equal(t, []any{"14:05:01", 1800, 2400}, c.Tables[0].Rows[0])
	assert.Len(t, c.Tables[0].Rows, 3)
}

func TestConcurrentStartStartsOnce(t *testing.T) {
	f := newFixture(t, session.DomainThermal)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ctl.Start(); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	require.NoError(t, f.ctl.Abort())
}

func TestStartWithoutDomains(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctl.Start()
	assert.Equal(t, session.ErrNoDomainSelected, errors.CodeOf(err))
	assert.Equal(t, session.StateIdle, f.ctl.Status().State)
}

func TestDomainSelectionCheckedFirst(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.start(t)

	f.ctl.SetDomainEnabled(session.DomainThermal, false)

	_, err := f.ctl.Start()
	assert.Equal(t, session.ErrNoDomainSelected, errors.CodeOf(err))
	assert.Equal(t, session.StateRecording, f.ctl.Status().State)

	f.ctl.SetDomainEnabled(session.DomainThermal, true)
	_, err = f.ctl.Start()
	assert.Equal(t, session.ErrAlreadyRecording, errors.CodeOf(err))
	require.NoError(t, f.ctl.Abort())
}

func TestAbortDiscards(t *testing.T) {
	f := newFixture(t, session.DomainBattery, session.DomainThermal, session.DomainSoc)
	f.start(t)
	f.tick(t, 4)

	require.NoError(t, f.ctl.Abort())

	st := f.ctl.Status()
	assert.Equal(t, session.StateIdle, st.State)
	assert.Empty(t, st.Rows)
	assert.False(t, st.Unsaved)
	assert.Zero(t, f.exporter.calls())

	err := f.ctl.Abort()
	assert.Equal(t, session.ErrNotRecording, errors.CodeOf(err))

	_, err = f.ctl.Stop(context.Background())
	assert.Equal(t, session.ErrNotRecording, errors.CodeOf(err))
}

func TestStopBeforeFirstTick(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.start(t)

	_, err := f.ctl.Stop(context.Background())
	assert.Equal(t, session.ErrEmptySession, errors.CodeOf(err))
	assert.Equal(t, session.StateIdle, f.ctl.Status().State)
	assert.Zero(t, f.exporter.calls())
}

func TestStopWithoutReadings(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.thermal.set()
	f.start(t)
	f.tick(t, 2)

	_, err := f.ctl.Stop(context.Background())
	assert.Equal(t, session.ErrEmptySession, errors.CodeOf(err))
	assert.False(t, f.ctl.Status().Unsaved)
	assert.Zero(t, f.exporter.calls())
}

func TestExportFailureRetainsCapture(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.exporter.setFail(true)
	f.start(t)
	f.tick(t, 2)

	_, err := f.ctl.Stop(context.Background())
	assert.Equal(t, export.ErrExportFailed, errors.CodeOf(err))

	st := f.ctl.Status()
	assert.Equal(t, session.StateIdle, st.State)
	assert.True(t, st.Unsaved)

	_, err = f.ctl.RetryExport(context.Background())
	assert.Equal(t, export.ErrExportFailed, errors.CodeOf(err))
	assert.True(t, f.ctl.Status().Unsaved)

	f.exporter.setFail(false)
	artifact, err := f.ctl.RetryExport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "out.xlsx", artifact.Name)
	assert.Len(t, f.exporter.lastCapture().Tables[0].Rows, 2)
	assert.False(t, f.ctl.Status().Unsaved)

	_, err = f.ctl.RetryExport(context.Background())
	assert.Equal(t, session.ErrNothingToRetry, errors.CodeOf(err))
}

func TestExportErrorCodesPassThrough(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{
			name: "export failed",
			err:  errors.New().Wrap(export.ErrExportFailed, errors.New().New(errors.ErrOperationFailed)),
			code: export.ErrExportFailed,
		},
		{
			name: "finalize failed",
			err:  errors.New().Wrap(export.ErrFinalizeFailed, errors.New().New(errors.ErrOperationFailed)),
			code: export.ErrFinalizeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, session.DomainThermal)
			f.exporter.mu.Lock()
			f.exporter.err = tt.err
			f.exporter.mu.Unlock()

			f.start(t)
			f.tick(t, 1)

			_, err := f.ctl.Stop(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Equal(t, tt.err.Error(), err.Error())
			assert.True(t, f.ctl.Status().Unsaved)
		})
	}
}

func TestDiscardUnsaved(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.exporter.setFail(true)
	f.start(t)
	f.tick(t, 1)

	_, err := f.ctl.Stop(context.Background())
	require.Error(t, err)

	require.NoError(t, f.ctl.DiscardUnsaved())
	assert.Equal(t, session.ErrNothingToRetry, errors.CodeOf(f.ctl.DiscardUnsaved()))
}

func TestStartClearsRetainedCapture(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.exporter.setFail(true)
	f.start(t)
	f.tick(t, 1)
	_, err := f.ctl.Stop(context.Background())
	require.Error(t, err)

	f.start(t)
	assert.False(t, f.ctl.Status().Unsaved)
	require.NoError(t, f.ctl.Abort())
}

func TestThermalColumnsFixedAtFirstTick(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.start(t)
	f.tick(t, 1)

	f.thermal.set(
		thermal.Reading{Zone: "thermal_zone0", Type: "cpu0", Celsius: 26},
		thermal.Reading{Zone: "thermal_zone1", Type: "new", Celsius: 30},
		thermal.Reading{Zone: "thermal_zone3", Type: "gpu", Celsius: 42},
	)
	f.tick(t, 1)

	f.thermal.set(thermal.Reading{Zone: "thermal_zone3", Type: "gpu", Celsius: 43})
	f.tick(t, 1)

	_, err := f.ctl.Stop(context.Background())
	require.NoError(t, err)

	table := f.exporter.lastCapture().Tables[0]
	assert.Equal(t, []string{"timestamp", "cpu0", "gpu"}, table.Header)
	for _, row := range table.Rows {
		assert.Len(t, row, len(table.Header))
	}
	assert.Equal(t, []any{"14:05:02", 26.0, 42.0}, table.Rows[1])
	assert.Equal(t, []any{"14:05:03", "", 43.0}, table.Rows[2])
}

func TestThermalRowOnEveryTickOnceColumnsFixed(t *testing.T) {
	f := newFixture(t, session.DomainThermal)
	f.start(t)
	f.tick(t, 1)

	f.thermal.set()
	f.tick(t, 1)

	f.thermal.set(twoZones()...)
	f.tick(t, 1)

	_, err := f.ctl.Stop(context.Background())
	require.NoError(t, err)

	c := f.exporter.lastCapture()
	require.Len(t, c.Tables, 1)
	table := c.Tables[0]
	require.Len(t, table.Rows, len(c.Ticks))
	assert.Equal(t, []any{"14:05:01", 25.0, 41.5}, table.Rows[0])
	assert.Equal(t, []any{"14:05:02", "", ""}, table.Rows[1])
	assert.Equal(t, []any{"14:05:03", 25.0, 41.5}, table.Rows[2])
}

func TestFirstTickDefinesStart(t *testing.T) {
	f := newFixture(t, session.DomainBattery)
	f.start(t)
	f.tick(t, 2)

	_, err := f.ctl.Stop(context.Background())
	require.NoError(t, err)

	c := f.exporter.lastCapture()
	assert.Equal(t, c.Ticks[0].Format("15:04:05"), c.Tables[0].Rows[0][0])
	assert.Equal(t, "TMData-20240309-140501-140502.xlsx", export.FileName("TMData", c.Ticks[0], c.Ended))
}

func TestDomainToggleMidSession(t *testing.T) {
	f := newFixture(t, session.DomainBattery)
	f.start(t)
	f.tick(t, 2)

	f.ctl.SetDomainEnabled(session.DomainSoc, true)
	f.tick(t, 1)

	st := f.ctl.Status()
	assert.Equal(t, 3, st.Rows[session.DomainBattery])
	assert.Equal(t, 1, st.Rows[session.DomainSoc])
	require.NoError(t, f.ctl.Abort())
}

func TestDomainChangesPublished(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(hub.TopicDomains)

	f.ctl.SetDomainEnabled(session.DomainThermal, true)
	f.ctl.SetDomainEnabled(session.DomainThermal, true)
	f.ctl.SetDomains(map[session.Domain]bool{session.DomainSoc: true, session.DomainThermal: false})

	first := <-sub.C()
	assert.Equal(t, map[session.Domain]bool{
		session.DomainBattery: false, session.DomainThermal: true, session.DomainSoc: false,
	}, first.Payload)

	second := <-sub.C()
	assert.Equal(t, map[session.Domain]bool{
		session.DomainBattery: false, session.DomainThermal: false, session.DomainSoc: true,
	}, second.Payload)

	assert.Equal(t, second.Payload, f.ctl.Domains())
}

func TestRunPublishesLiveReadings(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(hub.TopicBattery, hub.TopicThermal, hub.TopicSoc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctl.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.clock.mu.Lock()
		defer f.clock.mu.Unlock()
		return len(f.clock.tickers) == 1
	}, time.Second, time.Millisecond)
	f.clock.last().ch <- f.clock.advance()

	topics := map[hub.Topic]bool{}
	for range 3 {
		ev := <-sub.C()
		topics[ev.Topic] = true
	}
	assert.Len(t, topics, 3)

	cancel()
	require.NoError(t, <-done)
}

func TestParseDomain(t *testing.T) {
	d, err := session.ParseDomain("soc")
	require.NoError(t, err)
	assert.Equal(t, session.DomainSoc, d)

	_, err = session.ParseDomain("gpu")
	assert.Equal(t, session.ErrUnknownDomain, errors.CodeOf(err))
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00:00", session.FormatElapsed(0))
	assert.Equal(t, "01:01:01", session.FormatElapsed(3661))
}

func TestStatusMessages(t *testing.T) {
	f := newFixture(t, session.DomainBattery)
	statuses := f.hub.Subscribe(hub.TopicStatus)

	next := func() string {
		t.Helper()
		select {
		case ev := <-statuses.C():
			return ev.Payload.(string)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a status message")
			return ""
		}
	}

	_, err := f.ctl.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Not recording", next())

	f.start(t)
	assert.Equal(t, "Recording started", next())

	_, err = f.ctl.Start()
	require.Error(t, err)
	assert.Equal(t, "Already recording", next())

	f.tick(t, 1)
	_, err = f.ctl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Saved to /tmp/out.xlsx", next())

	f.exporter.setFail(true)
	f.start(t)
	assert.Equal(t, "Recording started", next())
	f.tick(t, 1)
	_, err = f.ctl.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Export failed", next())
}
