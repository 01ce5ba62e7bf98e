// Package gemini implements the model.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks; caller audio
// goes up at 16 kHz, synthesised speech comes down at 24 kHz.
//
// The Session returned by Open is managed: it hides GoAway handovers and
// transient disconnects behind automatic reconnection with the most recent
// resumption handle, so consumers see one continuous event stream per call.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voicegate-ai/voicegate/pkg/model"
)

// Compile-time assertions that Provider and session satisfy the model interfaces.
var _ model.Provider = (*Provider)(nil)
var _ model.Session = (*session)(nil)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultModel   = "gemini-live-2.5-flash-preview"

	// setupTimeout bounds the wait for the server's setupComplete ack. No
	// audio is forwarded before the ack arrives.
	setupTimeout = 8 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Reconnection policy for unsolicited transient closes. Each attempt
	// uses the most recent resumption handle.
	defaultMaxReconnects     = 3
	defaultReconnectBackoff  = 250 * time.Millisecond
	defaultMaxBackoff        = 4 * time.Second
	defaultSendQueueDepth    = 64
	defaultDrainGracePeriod  = 2 * time.Second
	defaultEventBufferLength = 64
)

// liveVoices are the prebuilt voices the Live API accepts.
var liveVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for session lifecycle events. Defaults to
// slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithMaxReconnects overrides the number of reconnection attempts after a
// transient disconnect.
func WithMaxReconnects(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxReconnects = n
		}
	}
}

// WithReconnectBackoff overrides the initial and maximum reconnection
// backoff. The delay doubles each attempt up to max.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(p *Provider) {
		if initial > 0 {
			p.reconnectBackoff = initial
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithSendQueueDepth overrides the bounded audio send queue depth. When the
// queue is full the oldest chunk is dropped and counted.
func WithSendQueueDepth(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueueDepth = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements model.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	baseURL string
	log     *slog.Logger

	maxReconnects    int
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	sendQueueDepth   int
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:           apiKey,
		baseURL:          defaultBaseURL,
		log:              slog.Default(),
		maxReconnects:    defaultMaxReconnects,
		reconnectBackoff: defaultReconnectBackoff,
		maxBackoff:       defaultMaxBackoff,
		sendQueueDepth:   defaultSendQueueDepth,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live backend.
func (p *Provider) Capabilities() model.Capabilities {
	return model.Capabilities{
		// Audio-only sessions are bounded at 15 minutes of wall clock per
		// connection; resumption handles carry the conversation across.
		MaxSessionDuration: 15 * time.Minute,
		SupportsResumption: true,
		Voices:             liveVoices,
	}
}

// Open establishes a managed Gemini Live session. It dials, sends the setup
// message, and waits for the server's setupComplete ack before returning, so
// the session is ready to accept audio immediately.
func (p *Provider) Open(ctx context.Context, cfg model.Config) (model.Session, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	w, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := newSession(p, cfg, w)
	return s, nil
}

// dial opens one raw WebSocket connection and completes the setup handshake.
func (p *Provider) dial(ctx context.Context, cfg model.Config) (*wire, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		kind := model.ErrorTransient
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				kind = model.ErrorAuth
			case http.StatusBadRequest, http.StatusNotFound:
				kind = model.ErrorInvalidConfig
			}
		}
		return nil, model.Error{Kind: kind, Cause: fmt.Errorf("gemini: dial: %w", err)}
	}

	w := newWire(conn)
	if err := w.setup(ctx, cfg); err != nil {
		w.close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}
	return w, nil
}
