package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/hub"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/server"
	"codeberg.org/mutker/thermalmon/internal/session"
	"codeberg.org/mutker/thermalmon/internal/soc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu        sync.Mutex
	state     session.State
	domains   map[session.Domain]bool
	exportErr error
	retained  bool
}

func newFakeController() *fakeController {
	return &fakeController{
		state:   session.StateIdle,
		domains: map[session.Domain]bool{session.DomainBattery: false, session.DomainThermal: true, session.DomainSoc: false},
	}
}

func (f *fakeController) Start() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.StateIdle {
		return "", errors.New().New(session.ErrAlreadyRecording)
	}
	for _, on := range f.domains {
		if on {
			f.state = session.StateRecording
			return "id", nil
		}
	}
	return "", errors.New().New(session.ErrNoDomainSelected)
}

func (f *fakeController) Stop(context.Context) (export.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.StateRecording {
		return export.Artifact{}, errors.New().New(session.ErrNotRecording)
	}
	f.state = session.StateIdle
	if f.exportErr != nil {
		f.retained = true
		return export.Artifact{}, errors.New().Wrap(export.ErrExportFailed, f.exportErr)
	}
	return export.Artifact{Name: "TMData-x.xlsx", Path: "/a/TMData-x.xlsx"}, nil
}

func (f *fakeController) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.StateRecording {
		return errors.New().New(session.ErrNotRecording)
	}
	f.state = session.StateIdle
	return nil
}

func (f *fakeController) RetryExport(context.Context) (export.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.retained {
		return export.Artifact{}, errors.New().New(session.ErrNothingToRetry)
	}
	f.retained = false
	return export.Artifact{Name: "retry.xlsx"}, nil
}

func (f *fakeController) DiscardUnsaved() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.retained {
		return errors.New().New(session.ErrNothingToRetry)
	}
	f.retained = false
	return nil
}

func (f *fakeController) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{State: f.state, Elapsed: "00:00:00", Unsaved: f.retained}
}

func (f *fakeController) Domains() map[session.Domain]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[session.Domain]bool{}
	for d, on := range f.domains {
		out[d] = on
	}
	return out
}

func (f *fakeController) SetDomainEnabled(d session.Domain, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[d] = enabled
}

type fakeSelectors struct {
	mu    sync.Mutex
	zones map[string]bool
	cores map[int]bool
}

func (f *fakeSelectors) SetSelected(zone string, selected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones[zone] = selected
}

func (f *fakeSelectors) SetIncluded(core int, included bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cores[core] = included
}

func (f *fakeSelectors) Topology(context.Context) soc.Topology {
	return soc.Topology{Hardware: "SM8250", CoreCount: 8}
}

type fakeLister struct{}

func (fakeLister) List(context.Context) ([]export.Artifact, error) {
	return []export.Artifact{{Name: "b.xlsx", Size: 2048}, {Name: "a.xlsx", Size: 1024}}, nil
}

type fixture struct {
	ctl *fakeController
	sel *fakeSelectors
	hub *hub.Hub
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctl: newFakeController(),
		sel: &fakeSelectors{zones: map[string]bool{}, cores: map[int]bool{}},
		hub: hub.New(),
	}

	s := server.New(server.Deps{
		Controller: f.ctl,
		Hub:        f.hub,
		Zones:      f.sel,
		Cores:      f.sel,
		Artifacts:  fakeLister{},
	}, logger.Nop())

	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
	})

	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)

	return resp, decoded
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Recording", body["state"])

	resp, body = f.do(t, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(session.ErrAlreadyRecording), body["error"])

	resp, body = f.do(t, http.MethodPost, "/api/session/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "TMData-x.xlsx", body["name"])

	resp, _ = f.do(t, http.MethodPost, "/api/session/abort", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Idle", body["state"])
}

func TestStartWithoutDomains(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/api/domains/thermal", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(session.ErrNoDomainSelected), body["error"])
}

func TestExportFailureAndRetry(t *testing.T) {
	f := newFixture(t)
	f.ctl.exportErr = errors.New().New(errors.ErrOperationFailed)

	f.do(t, http.MethodPost, "/api/session/start", "")
	resp, body := f.do(t, http.MethodPost, "/api/session/stop", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, string(export.ErrExportFailed), body["error"])

	resp, body = f.do(t, http.MethodPost, "/api/session/retry", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "retry.xlsx", body["name"])

	resp, _ = f.do(t, http.MethodPost, "/api/session/discard", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDomains(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/api/domains/soc", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["soc"])

	resp, _ = f.do(t, http.MethodPut, "/api/domains/gpu", `{"enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/domains/soc", `{"on":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/domains/soc", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/domains", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"battery": false, "thermal": true, "soc": true}, body)
}

func TestSelections(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/api/thermal/zones/thermal_zone4", `{"selected":true}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/soc/cores/3", `{"selected":false}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/soc/cores/zero", `{"selected":false}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.sel.mu.Lock()
	assert.True(t, f.sel.zones["thermal_zone4"])
	assert.Equal(t, map[int]bool{3: false}, f.sel.cores)
	f.sel.mu.Unlock()

	resp, body := f.do(t, http.MethodGet, "/api/soc/topology", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SM8250", body["hardware"])
}

func TestArtifacts(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/artifacts")
	require.NoError(t, err)
	defer resp.Body.Close()

	var artifacts []export.Artifact
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&artifacts))
	require.Len(t, artifacts, 2)
	assert.Equal(t, "b.xlsx", artifacts[0].Name)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/session/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func dial(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

type wireEvent struct {
	Seq     uint64    `json:"seq"`
	Topic   hub.Topic `json:"topic"`
	Payload any       `json:"payload"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	f.hub.Publish(hub.TopicState, session.StateIdle)

	conn := dial(t, f, "?topics=state,elapsed")

	replayed := readEvent(t, conn)
	assert.Equal(t, hub.TopicState, replayed.Topic)
	assert.Equal(t, "Idle", replayed.Payload)

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.Publish(hub.TopicThermal, "ignored")
	f.hub.Publish(hub.TopicElapsed, "00:00:01")

	ev := readEvent(t, conn)
	assert.Equal(t, hub.TopicElapsed, ev.Topic)
	assert.Equal(t, "00:00:01", ev.Payload)
	assert.Greater(t, ev.Seq, replayed.Seq)
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	f := newFixture(t)

	conn := dial(t, f, "")
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketUnknownTopic(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?topics=gpu"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunShutsDown(t *testing.T) {
	s := server.New(server.Deps{Controller: newFakeController(), Hub: hub.New()}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
