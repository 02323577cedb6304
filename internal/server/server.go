// Package server exposes the controller over HTTP and streams hub events to
// websocket clients.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/hub"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/session"
	"codeberg.org/mutker/thermalmon/internal/soc"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Controller interface {
	Start() (string, error)
	Stop(ctx context.Context) (export.Artifact, error)
	Abort() error
	RetryExport(ctx context.Context) (export.Artifact, error)
	DiscardUnsaved() error
	Status() session.Status
	Domains() map[session.Domain]bool
	SetDomainEnabled(d session.Domain, enabled bool)
}

type ZoneSelector interface {
	SetSelected(zone string, selected bool)
}

type CoreSelector interface {
	SetIncluded(core int, included bool)
	Topology(ctx context.Context) soc.Topology
}

type ArtifactLister interface {
	List(ctx context.Context) ([]export.Artifact, error)
}

// Deps groups what the handlers act on. Nil selectors or lister disable
// their routes.
type Deps struct {
	Controller Controller
	Hub        *hub.Hub
	Zones      ZoneSelector
	Cores      CoreSelector
	Artifacts  ArtifactLister
}

type Server struct {
	deps     Deps
	log      logger.Logger
	upgrader websocket.Upgrader
}

func New(deps Deps, log logger.Logger) *Server {
	return &Server{
		deps: deps,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// checkOrigin accepts same-host origins and clients that send none.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.HasSuffix(origin, "://"+r.Host)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/session", s.handleStatus)
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/session/abort", s.handleAbort)
	mux.HandleFunc("POST /api/session/retry", s.handleRetry)
	mux.HandleFunc("POST /api/session/discard", s.handleDiscard)

	mux.HandleFunc("GET /api/domains", s.handleDomains)
	mux.HandleFunc("PUT /api/domains/{domain}", s.handleSetDomain)

	if s.deps.Zones != nil {
		mux.HandleFunc("PUT /api/thermal/zones/{zone}", s.handleSelectZone)
	}
	if s.deps.Cores != nil {
		mux.HandleFunc("PUT /api/soc/cores/{core}", s.handleSelectCore)
		mux.HandleFunc("GET /api/soc/topology", s.handleTopology)
	}
	if s.deps.Artifacts != nil {
		mux.HandleFunc("GET /api/artifacts", s.handleArtifacts)
	}

	return mux
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New().Wrap(ErrListenFailed, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		return errors.New().Wrap(ErrListenFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   errors.ErrorCode `json:"error"`
	Message string           `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: errors.CodeOf(err), Message: err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.deps.Controller.Start(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.deps.Controller.Stop(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Controller.Abort(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.deps.Controller.RetryExport(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleDiscard(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Controller.DiscardUnsaved(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDomains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.Domains())
}

func decodeFlag(r *http.Request, field string) (bool, error) {
	var body map[string]*bool
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return false, errors.New().Wrap(ErrInvalidRequest, err)
	}

	v, ok := body[field]
	if !ok || v == nil {
		return false, errors.New().WithMessage(ErrInvalidRequest, "missing boolean field "+field)
	}

	return *v, nil
}

func (s *Server) handleSetDomain(w http.ResponseWriter, r *http.Request) {
	d, err := session.ParseDomain(r.PathValue("domain"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	enabled, err := decodeFlag(r, "enabled")
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.deps.Controller.SetDomainEnabled(d, enabled)
	writeJSON(w, http.StatusOK, s.deps.Controller.Domains())
}

func (s *Server) handleSelectZone(w http.ResponseWriter, r *http.Request) {
	selected, err := decodeFlag(r, "selected")
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.deps.Zones.SetSelected(r.PathValue("zone"), selected)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectCore(w http.ResponseWriter, r *http.Request) {
	core, err := strconv.Atoi(r.PathValue("core"))
	if err != nil || core < 1 {
		s.writeError(w, errors.New().WithData(ErrInvalidRequest, r.PathValue("core")))
		return
	}

	selected, err := decodeFlag(r, "selected")
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.deps.Cores.SetIncluded(core, selected)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cores.Topology(r.Context()))
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.deps.Artifacts.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []export.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}
