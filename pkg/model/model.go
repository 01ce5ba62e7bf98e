// Package model defines the Provider and Session interfaces for realtime
// speech-to-speech model backends.
//
// A model session wraps a streaming voice AI service that accepts raw PCM
// audio and returns synthesised audio, transcripts, and tool calls over a
// single stateful connection. Sessions are long-lived (the length of one
// phone call), survive vendor-imposed time limits through resumption
// handles, and support caller interruption (barge-in).
//
// The central abstraction is Session: a duplex handle whose receive side is
// a single ordered event stream. All implementations must be safe for
// concurrent use.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sensitivity tunes how eagerly the model's voice-activity detection starts
// or ends a user turn.
type Sensitivity string

// Recognised VAD sensitivities.
const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "med"
	SensitivityHigh   Sensitivity = "high"
)

// IsValid reports whether s is one of the recognised sensitivities.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// VADConfig tunes the model's server-side voice-activity detection.
// The zero value requests the vendor defaults with detection enabled.
type VADConfig struct {
	// Disabled turns off automatic turn detection entirely. The caller must
	// then bracket speech with SignalActivityStart / SignalActivityEnd.
	Disabled bool

	// StartSensitivity controls how eagerly a user turn begins.
	StartSensitivity Sensitivity

	// EndSensitivity controls how eagerly a user turn ends.
	EndSensitivity Sensitivity

	// SilenceDuration is how long the user must stay silent before the turn
	// is considered over. Zero means vendor default.
	SilenceDuration time.Duration

	// PrefixPadding is how much audio before detected speech onset is
	// included in the turn. Zero means vendor default.
	PrefixPadding time.Duration
}

// Config is the full configuration for one model session. It is resolved
// once per call and is immutable for the call's lifetime.
type Config struct {
	// Model is the vendor model identifier, without any path prefix.
	Model string

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Language is the BCP-47 language code for the conversation.
	Language string

	// SystemPrompt defines the agent's persona and behavioural constraints.
	SystemPrompt string

	// VAD tunes server-side turn detection.
	VAD VADConfig

	// InputTranscription requests text transcripts of the caller's speech.
	InputTranscription bool

	// OutputTranscription requests text transcripts of the model's speech.
	OutputTranscription bool

	// SlidingWindowCompression asks the vendor to compress old context so
	// the session can outlive the nominal context window. The client only
	// declares the window; the vendor implements it.
	SlidingWindowCompression bool

	// PreviousHandle, when non-empty, requests resumption of an earlier
	// session's conversation state instead of starting fresh.
	PreviousHandle string

	// Tools is the set of function declarations offered to the model.
	Tools []ToolDefinition
}

// ToolDefinition declares one function the model may call mid-conversation.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolResponse completes a tool call previously surfaced as a ToolCall event.
type ToolResponse struct {
	// ID echoes the ToolCall event's ID.
	ID string

	// Name echoes the tool name.
	Name string

	// Response is the structured tool result as a JSON object.
	Response json.RawMessage

	// Scheduling hints when the model should act on the result. Empty means
	// vendor default.
	Scheduling string
}

// ── Events ─────────────────────────────────────────────────────────────────────

// Event is one item of the session's ordered receive stream. The concrete
// types are AudioOut, InputTranscription, OutputTranscription, Interrupted,
// TurnComplete, GenerationComplete, ToolCall, ResumptionUpdate, GoAway,
// HandoverComplete, Closed, and Error.
type Event interface {
	isEvent()
}

// AudioOut carries one chunk of synthesised model speech, PCM s16le mono at
// 24 kHz.
type AudioOut struct {
	PCM []byte
}

// InputTranscription is the model's running transcript of caller speech.
type InputTranscription struct {
	Text string
}

// OutputTranscription is the text version of the model's spoken output.
type OutputTranscription struct {
	Text string
}

// Interrupted reports that the caller spoke over the model. Any AudioOut
// not yet played must be discarded by the consumer; the session has already
// discarded its own buffered output.
type Interrupted struct{}

// TurnComplete reports that the model finished one conversational turn.
type TurnComplete struct{}

// GenerationComplete reports that the model finished generating audio for
// the current turn; playout may still be in flight.
type GenerationComplete struct{}

// ToolCall asks the consumer to execute a function and reply with
// SendToolResponse.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ResumptionUpdate delivers a fresh resumption handle. Only the most recent
// handle is valid for reconnection.
type ResumptionUpdate struct {
	Handle    string
	Resumable bool
}

// GoAway warns that the vendor will close the session after TimeLeft. A
// managed session reacts by handing over to a fresh connection; the event is
// still surfaced for observability.
type GoAway struct {
	TimeLeft time.Duration
}

// HandoverComplete reports that a managed session swapped its underlying
// connection, either after a GoAway or a transient disconnect. Blackout is
// the wall-clock gap during which no audio could flow.
type HandoverComplete struct {
	Blackout time.Duration
	Attempts int
}

// Closed is the final event on the stream: the session is gone and no
// further events follow.
type Closed struct {
	Reason string
}

// Error reports a session failure. Fatal kinds terminate the stream (a
// Closed event follows); transient kinds are normally hidden by
// reconnection and only surface when recovery is exhausted.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (AudioOut) isEvent()            {}
func (InputTranscription) isEvent()  {}
func (OutputTranscription) isEvent() {}
func (Interrupted) isEvent()         {}
func (TurnComplete) isEvent()        {}
func (GenerationComplete) isEvent()  {}
func (ToolCall) isEvent()            {}
func (ResumptionUpdate) isEvent()    {}
func (GoAway) isEvent()              {}
func (HandoverComplete) isEvent()    {}
func (Closed) isEvent()              {}
func (Error) isEvent()               {}

// Error implements the error interface so an Error event can be wrapped and
// inspected with errors.As.
func (e Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("model: %s", e.Kind)
	}
	return fmt.Sprintf("model: %s: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause.
func (e Error) Unwrap() error { return e.Cause }

// ErrorKind classifies session failures.
type ErrorKind string

// Session failure kinds.
const (
	// ErrorAuth means the vendor rejected the credentials. Fatal.
	ErrorAuth ErrorKind = "auth"

	// ErrorInvalidConfig means the setup message was rejected. Fatal.
	ErrorInvalidConfig ErrorKind = "invalid_config"

	// ErrorIncompatibleModel means the requested model cannot serve realtime
	// audio sessions. Fatal.
	ErrorIncompatibleModel ErrorKind = "incompatible_model"

	// ErrorProtocol means the peer violated the wire protocol. Fatal.
	ErrorProtocol ErrorKind = "protocol"

	// ErrorTransient means a recoverable transport failure. Hidden by
	// reconnection unless the retry budget is exhausted.
	ErrorTransient ErrorKind = "transient"
)

// Fatal reports whether the kind terminates the session without retry.
func (k ErrorKind) Fatal() bool { return k != ErrorTransient }

// ── Session ────────────────────────────────────────────────────────────────────

// ErrSessionClosed is returned by send operations after Close.
var ErrSessionClosed = errors.New("model: session closed")

// ErrDraining is returned by SendAudio while the session is handing over to
// a fresh connection. Callers should pause and retry after the handover.
var ErrDraining = errors.New("model: session draining for handover")

// Session is an open model streaming session for one call.
//
// The receive side is the Events channel: a single ordered stream that ends
// with a Closed event, after which the channel is closed. Consumers must
// drain it promptly. Send methods never block on the network for long; audio
// backpressure is absorbed by a bounded internal queue whose overflow policy
// is drop-oldest with a counter.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio enqueues caller audio, PCM s16le mono at 16 kHz.
	SendAudio(pcm []byte) error

	// SendText injects a synthetic user turn. Used for testing and for the
	// idle "are you still there?" prompt.
	SendText(text string) error

	// SendToolResponse completes a tool call initiated by the model.
	SendToolResponse(resp ToolResponse) error

	// SignalActivityStart marks the start of a user turn. Only meaningful
	// when automatic VAD is disabled in the session config.
	SignalActivityStart() error

	// SignalActivityEnd marks the end of a user turn. Only meaningful when
	// automatic VAD is disabled in the session config.
	SignalActivityEnd() error

	// SignalAudioStreamEnd announces intentional silence, e.g. the caller
	// was placed on hold. The vendor stops waiting for further audio in the
	// current turn.
	SignalAudioStreamEnd() error

	// Events returns the ordered event stream. Closed after the final
	// Closed event.
	Events() <-chan Event

	// Handle returns the most recent resumption handle, or "" if none has
	// been issued yet.
	Handle() string

	// Close terminates the session and releases all resources. Idempotent.
	Close() error
}

// Stats are cumulative counters for one session's lifetime.
type Stats struct {
	// DroppedFrames counts inbound audio chunks discarded because the send
	// queue was full (drop-oldest policy).
	DroppedFrames uint64

	// Reconnects counts successful recoveries from transient disconnects.
	Reconnects int

	// Handovers counts GoAway-driven connection swaps.
	Handovers int
}

// StatsReporter is implemented by sessions that track cumulative counters.
// Consumers type-assert; the method is optional on Session.
type StatsReporter interface {
	Stats() Stats
}

// Capabilities describes static properties of a model backend.
type Capabilities struct {
	// MaxSessionDuration is the vendor's hard limit on one connection's
	// lifetime. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsResumption indicates whether conversation state survives a
	// reconnect via resumption handles.
	SupportsResumption bool

	// Voices lists the prebuilt voice names the backend accepts.
	Voices []string
}

// Provider is the abstraction over any realtime speech model backend.
//
// Implementations must be safe for concurrent use; the gateway opens one
// session per active call.
type Provider interface {
	// Open establishes a new session with the given configuration. The
	// returned Session is ready to accept audio: the provider has already
	// waited for the vendor's setup acknowledgement.
	Open(ctx context.Context, cfg Config) (Session, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
