// Package listener is the gateway's HTTP surface: the Media Streams
// WebSocket upgrade path, the TwiML voice-answer endpoint, outbound dial
// placement, the operational control routes, and the health and metrics
// endpoints.
//
// One accepted media-stream connection becomes one orchestrated call; the
// upgrade handler blocks until the call reaches a terminal state. Everything
// else is plain request/response and runs behind the observability
// middleware.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicegate-ai/voicegate/internal/control"
	"github.com/voicegate-ai/voicegate/internal/health"
	"github.com/voicegate-ai/voicegate/internal/observe"
	"github.com/voicegate-ai/voicegate/pkg/carrier"
	"github.com/voicegate-ai/voicegate/pkg/carrier/twilio"
)

// shutdownGrace bounds the HTTP server drain when Run's context is
// cancelled. Live media streams are ended by the orchestrator's emergency
// stop, not by the HTTP drain.
const shutdownGrace = 10 * time.Second

// CallHandler runs one accepted carrier session to completion. Implemented
// by the call orchestrator.
type CallHandler interface {
	Handle(ctx context.Context, cs carrier.Session) error
}

// Dialer places outbound calls. Implemented by the twilio Dialer; nil
// disables the dial-out route.
type Dialer interface {
	PlaceCall(to, streamURL string, extra map[string]string) (string, error)
}

// Controller applies operational commands. Implemented by the control
// plane; nil disables the control routes.
type Controller interface {
	EmergencyStop(ctx context.Context, scope control.Scope, id string) (control.Result, error)
	ToggleAgent(ctx context.Context, agentID string, active bool) (control.Result, error)
}

// Config holds the listener's routing knobs.
type Config struct {
	// StreamPath is the WebSocket path Twilio connects media streams to.
	StreamPath string

	// StreamURL is the externally visible wss URL for that path, rendered
	// into TwiML answers and outbound dials.
	StreamURL string
}

// Option is a functional option for Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithDialer enables the outbound dial route.
func WithDialer(d Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithController enables the control routes.
func WithController(c Controller) Option {
	return func(s *Server) { s.ctrl = c }
}

// WithHealth sets the health handler. Defaults to one with no readiness
// checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the HTTP middleware. Defaults to the
// process-wide instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server owns the HTTP routes. Build with New, mount with Routes, serve
// with Run.
type Server struct {
	calls   CallHandler
	cfg     Config
	dialer  Dialer
	ctrl    Controller
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a Server handing accepted media streams to calls.
func New(calls CallHandler, cfg Config, opts ...Option) *Server {
	s := &Server{
		calls:  calls,
		cfg:    cfg,
		health: health.New(),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Routes builds the full route table. The media-stream upgrade is mounted
// outside the middleware; everything else goes through it.
func (s *Server) Routes() http.Handler {
	mw := observe.Middleware(s.metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.StreamPath, s.handleStream)

	rest := http.NewServeMux()
	rest.HandleFunc("POST /twiml", s.handleTwiML)
	rest.HandleFunc("POST /calls", s.handleDial)
	rest.HandleFunc("POST /control/stop", s.handleStop)
	rest.HandleFunc("POST /control/agents", s.handleToggle)
	s.health.Register(rest)
	rest.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("/", mw(rest))
	return mux
}

// Run serves the routes on addr until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("listener serving", "addr", addr, "stream_path", s.cfg.StreamPath)

	select {
	case err := <-errCh:
		return fmt.Errorf("listener: serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("listener: shutdown: %w", err)
	}
	return ctx.Err()
}

// ── Media stream ───────────────────────────────────────────────────────────────

// handleStream upgrades the connection and runs the call to completion. The
// handler returning is what releases the hijacked connection, so it blocks
// for the call's whole lifetime.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Twilio does not negotiate compression and sends no Origin.
		CompressionMode: websocket.CompressionDisabled,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		s.log.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	cs := twilio.Accept(conn, twilio.WithLogger(s.log))
	if err := s.calls.Handle(r.Context(), cs); err != nil {
		s.log.Error("call handling failed", "error", err)
	}
}

// ── TwiML answer ───────────────────────────────────────────────────────────────

// handleTwiML answers a Twilio voice webhook with a stream connect document.
// Inbound calls hit this via the number's voice URL; outbound calls get the
// equivalent document inline from the dialer. The webhook's From/To form
// fields are carried into the stream as custom parameters so the start event
// reports the call parties.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	params := twilio.AnswerParams(r.PostFormValue("From"), r.PostFormValue("To"))
	doc, err := twilio.StreamTwiML(s.cfg.StreamURL, params)
	if err != nil {
		http.Error(w, "twiml rendering failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

// ── Outbound dial ──────────────────────────────────────────────────────────────

type dialRequest struct {
	To string `json:"to"`
}

type dialResponse struct {
	CallSID string `json:"call_sid"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound dialing is not configured")
		return
	}

	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	sid, err := s.dialer.PlaceCall(req.To, s.cfg.StreamURL, nil)
	if err != nil {
		s.log.Error("outbound dial failed", "to", req.To, "error", err)
		writeError(w, http.StatusBadGateway, "carrier rejected the call")
		return
	}
	writeJSON(w, http.StatusAccepted, dialResponse{CallSID: sid})
}

// ── Control ────────────────────────────────────────────────────────────────────

type stopRequest struct {
	Scope control.Scope `json:"scope"`
	ID    string        `json:"id"`
}

type toggleRequest struct {
	AgentID string `json:"agent_id"`
	Active  bool   `json:"active"`
}

type controlResponse struct {
	Applied bool `json:"applied"`
	Stopped int  `json:"stopped,omitempty"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "control plane is not running")
		return
	}

	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.ctrl.EmergencyStop(r.Context(), req.Scope, req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Applied: res.Applied, Stopped: res.Stopped})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "control plane is not running")
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.ctrl.ToggleAgent(r.Context(), req.AgentID, req.Active)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !res.Applied {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Applied: true})
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
