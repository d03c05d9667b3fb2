// Package api is the HTTP control plane of livecoach. It starts and stops
// the duplex session, reports its state, and streams state changes to
// websocket subscribers.
//
//	POST /v1/session/start          body {"voice","system_instruction"}, both optional
//	POST /v1/session/stop
//	GET  /v1/session                current state and last error kind
//	GET  /v1/session/events         websocket stream of state changes
//	GET  /v1/session/{id}/history   journaled changes of one session
//	GET  /healthz, /readyz, /metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/livecoach/internal/events"
	"github.com/MrWong99/livecoach/internal/health"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/internal/session"
	"github.com/MrWong99/livecoach/pkg/transport"
	"github.com/MrWong99/livecoach/pkg/types"
)

// DefaultStartTimeout bounds a Start issued over HTTP.
const DefaultStartTimeout = 30 * time.Second

// maxBody bounds request bodies.
const maxBody = 64 << 10

// Controller is the part of [session.Controller] the API drives.
type Controller interface {
	Start(ctx context.Context, cfg transport.SessionConfig) error
	Stop(ctx context.Context) error
	State() session.State
	SessionID() string
	LastError() error
}

// HistorySource returns the journaled events of a session.
type HistorySource interface {
	History(ctx context.Context, sessionID string) ([]events.Event, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithHub serves the event stream from hub.
func WithHub(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithHistory enables the history route.
func WithHistory(h HistorySource) Option {
	return func(s *Server) { s.history = h }
}

// WithPersona supplies the voice and instruction used for fields a start
// request leaves empty, typically config.Watcher.Persona.
func WithPersona(fn func() transport.SessionConfig) Option {
	return func(s *Server) { s.persona = fn }
}

// WithHealth registers the probe routes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStartTimeout bounds each HTTP-initiated Start.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server serves the control plane routes.
type Server struct {
	ctrl           Controller
	hub            *events.Hub
	history        HistorySource
	persona        func() transport.SessionConfig
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	startTimeout   time.Duration
	log            *slog.Logger
}

// New creates a Server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:         ctrl,
		metrics:      observe.DefaultMetrics(),
		startTimeout: DefaultStartTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routes wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("GET /v1/session", s.handleStatus)
	if s.hub != nil {
		mux.Handle("GET /v1/session/events", s.hub)
	}
	if s.history != nil {
		mux.HandleFunc("GET /v1/session/{id}/history", s.handleHistory)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// StartRequest is the body of POST /v1/session/start.
type StartRequest struct {
	Voice             string `json:"voice,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
}

// Status is the body of GET /v1/session and of successful start and stop
// responses.
type Status struct {
	SessionID     string     `json:"session_id,omitempty"`
	State         string     `json:"state"`
	LastErrorKind types.Kind `json:"last_error_kind,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type errorBody struct {
	Error string     `json:"error"`
	Kind  types.Kind `json:"kind"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, types.ValidationError("decode start request", err))
		return
	}

	cfg, err := s.sessionConfig(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The session outlives the request; only the start itself is bounded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.startTimeout)
	defer cancel()
	if err := s.ctrl.Start(ctx, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) sessionConfig(req StartRequest) (transport.SessionConfig, error) {
	var cfg transport.SessionConfig
	if s.persona != nil {
		cfg = s.persona()
	}
	if req.Voice != "" {
		v, err := types.ParseVoice(req.Voice)
		if err != nil {
			return cfg, err
		}
		cfg.Voice = v
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = req.SystemInstruction
	}
	return cfg.WithDefaults(), nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(context.WithoutCancel(r.Context())); err != nil {
		// Stop is total: the session is down even when a release step failed.
		observe.Logger(r.Context()).Warn("api: stop completed with errors", "err", err)
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	evs, err := s.history.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(evs) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no events for session " + id, Kind: types.KindValidation})
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) status() Status {
	st := Status{
		SessionID: s.ctrl.SessionID(),
		State:     s.ctrl.State().String(),
	}
	if err := s.ctrl.LastError(); err != nil {
		st.LastErrorKind = types.KindOf(err)
		st.LastError = err.Error()
	}
	return st
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	code := StatusCode(kind)
	if code >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "kind", kind, "err", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: kind})
}

// StatusCode maps an error kind to the HTTP status returned to clients.
func StatusCode(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindInvalidState, types.KindCanceled:
		return http.StatusConflict
	case types.KindDevice:
		return http.StatusServiceUnavailable
	case types.KindConnection, types.KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
