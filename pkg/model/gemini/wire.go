package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicegate-ai/voicegate/pkg/model"
)

// wire is one raw BidiGenerateContent WebSocket connection. A managed
// session owns a succession of wires: the first from Open, later ones from
// GoAway handovers and transient-disconnect recovery.
//
// The wire's event channel always ends with a model.Closed event and is then
// closed. The wire never reconnects; that is the managed session's job.
type wire struct {
	conn *websocket.Conn

	events chan model.Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex // serialises writes to conn

	mu        sync.Mutex
	handle    string
	closed    bool
	closeOnce sync.Once
}

func newWire(conn *websocket.Conn) *wire {
	ctx, cancel := context.WithCancel(context.Background())
	return &wire{
		conn:   conn,
		events: make(chan model.Event, defaultEventBufferLength),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// setup sends the BidiGenerateContent setup message and waits for the
// server's setupComplete ack. No audio may be forwarded before the ack. On
// success it starts the receive and keepalive loops.
func (w *wire) setup(ctx context.Context, cfg model.Config) error {
	if err := w.writeJSON(buildSetup(cfg)); err != nil {
		return model.Error{Kind: model.ErrorTransient, Cause: fmt.Errorf("gemini: setup write: %w", err)}
	}

	ackCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	_, data, err := w.conn.Read(ackCtx)
	if err != nil {
		return model.Error{Kind: classifyReadError(err), Cause: fmt.Errorf("gemini: setup ack: %w", err)}
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.Error{Kind: model.ErrorProtocol, Cause: fmt.Errorf("gemini: setup ack decode: %w", err)}
	}
	if msg.Error != nil {
		return model.Error{Kind: classifyAPIError(msg.Error), Cause: fmt.Errorf("gemini: setup rejected: %s", msg.Error.Message)}
	}
	if msg.SetupComplete == nil {
		return model.Error{Kind: model.ErrorProtocol, Cause: fmt.Errorf("gemini: expected setupComplete, got %s", data)}
	}

	go w.receiveLoop()
	go w.keepaliveLoop()
	return nil
}

// buildSetup assembles the setup message from a session config.
func buildSetup(cfg model.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Voice != "" || cfg.Language != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
			LanguageCode: cfg.Language,
		}
	}

	if cfg.SystemPrompt != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemPrompt}},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	msg.Setup.RealtimeInputConfig = &realtimeInputConfig{
		AutomaticActivityDetection: buildVAD(cfg.VAD),
	}

	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &emptyObject
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &emptyObject
	}

	// Resumption is always requested so a handle is available if the
	// connection drops; a previous handle additionally restores state.
	msg.Setup.SessionResumption = &sessionResumption{Handle: cfg.PreviousHandle}

	if cfg.SlidingWindowCompression {
		msg.Setup.ContextWindowCompression = &contextWindowCompression{
			SlidingWindow: &emptyObject,
		}
	}

	return msg
}

func buildVAD(v model.VADConfig) *automaticActivityDetection {
	aad := &automaticActivityDetection{Disabled: v.Disabled}
	if v.Disabled {
		return aad
	}
	switch v.StartSensitivity {
	case model.SensitivityLow:
		aad.StartOfSpeechSensitivity = "START_SENSITIVITY_LOW"
	case model.SensitivityHigh:
		aad.StartOfSpeechSensitivity = "START_SENSITIVITY_HIGH"
	}
	switch v.EndSensitivity {
	case model.SensitivityLow:
		aad.EndOfSpeechSensitivity = "END_SENSITIVITY_LOW"
	case model.SensitivityHigh:
		aad.EndOfSpeechSensitivity = "END_SENSITIVITY_HIGH"
	}
	if v.SilenceDuration > 0 {
		aad.SilenceDurationMs = int(v.SilenceDuration / time.Millisecond)
	}
	if v.PrefixPadding > 0 {
		aad.PrefixPaddingMs = int(v.PrefixPadding / time.Millisecond)
	}
	return aad
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (w *wire) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.Write(w.ctx, websocket.MessageText, data)
}

// ── Receive path ───────────────────────────────────────────────────────────────

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the events channel: it emits the terminal Closed event and closes the
// channel when it exits.
func (w *wire) receiveLoop() {
	defer close(w.events)

	for {
		_, data, err := w.conn.Read(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				w.emit(model.Closed{Reason: "local close"})
				return
			}
			kind := classifyReadError(err)
			if kind.Fatal() {
				w.emit(model.Error{Kind: kind, Cause: err})
			}
			w.emit(model.Closed{Reason: closeReason(err)})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		w.handleServerMessage(&msg)
	}
}

func (w *wire) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		errMsg := msg.Error.Message
		if errMsg == "" {
			errMsg = "unknown error"
		}
		w.emit(model.Error{
			Kind:  classifyAPIError(msg.Error),
			Cause: fmt.Errorf("gemini: %s", errMsg),
		})
	}
	if msg.SessionResumptionUpdate != nil {
		w.mu.Lock()
		if msg.SessionResumptionUpdate.Resumable {
			w.handle = msg.SessionResumptionUpdate.NewHandle
		}
		w.mu.Unlock()
		w.emit(model.ResumptionUpdate{
			Handle:    msg.SessionResumptionUpdate.NewHandle,
			Resumable: msg.SessionResumptionUpdate.Resumable,
		})
	}
	if msg.GoAway != nil {
		left, err := time.ParseDuration(msg.GoAway.TimeLeft)
		if err != nil {
			left = 0
		}
		w.emit(model.GoAway{TimeLeft: left})
	}
	if msg.ServerContent != nil {
		w.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		w.handleToolCall(msg.ToolCall)
	}
}

func (w *wire) handleServerContent(sc *serverContent) {
	// Interruption first: it supersedes whatever audio came with it.
	if sc.Interrupted {
		w.emit(model.Interrupted{})
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		w.emit(model.InputTranscription{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		w.emit(model.OutputTranscription{Text: sc.OutputTranscription.Text})
	}

	if sc.ModelTurn != nil && !sc.Interrupted {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			w.emit(model.AudioOut{PCM: pcm})
		}
	}

	if sc.GenerationComplete {
		w.emit(model.GenerationComplete{})
	}
	if sc.TurnComplete {
		w.emit(model.TurnComplete{})
	}
}

func (w *wire) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			continue
		}
		w.emit(model.ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
	}
}

// emit delivers an event unless the wire is shutting down.
func (w *wire) emit(ev model.Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
		// Terminal events must still get through so the consumer observes
		// the channel end in order.
		if _, ok := ev.(model.Closed); ok {
			select {
			case w.events <- ev:
			default:
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive through
// NATs and proxies.
func (w *wire) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(w.ctx, keepaliveTimeout)
			_ = w.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Send path ──────────────────────────────────────────────────────────────────

func (w *wire) sendAudio(pcm []byte) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	}
	return w.writeJSON(msg)
}

func (w *wire) sendText(text string) error {
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return w.writeJSON(msg)
}

func (w *wire) sendToolResponse(resp model.ToolResponse) error {
	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: resp.ID, Name: resp.Name, Response: resp.Response, Scheduling: resp.Scheduling},
			},
		},
	}
	return w.writeJSON(msg)
}

func (w *wire) signalActivityStart() error {
	return w.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &emptyObject}})
}

func (w *wire) signalActivityEnd() error {
	return w.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityEnd: &emptyObject}})
}

func (w *wire) signalAudioStreamEnd() error {
	return w.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}

// latestHandle returns the most recent resumption handle seen on this wire.
func (w *wire) latestHandle() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

// close tears the connection down. Idempotent.
func (w *wire) close(code websocket.StatusCode, reason string) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		w.cancel()
		close(w.done)
		w.conn.Close(code, reason)
	})
}

// ── Error classification ───────────────────────────────────────────────────────

// classifyReadError maps a WebSocket read failure onto a model error kind.
func classifyReadError(err error) model.ErrorKind {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusAbnormalClosure:
		return model.ErrorTransient
	case websocket.StatusPolicyViolation:
		return model.ErrorAuth
	case websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData:
		return model.ErrorInvalidConfig
	case websocket.StatusProtocolError:
		return model.ErrorProtocol
	case -1:
		// Not a close frame: plain network failure.
		return model.ErrorTransient
	default:
		return model.ErrorTransient
	}
}

// classifyAPIError maps an in-band error payload onto a model error kind.
func classifyAPIError(ge *geminiError) model.ErrorKind {
	switch ge.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return model.ErrorAuth
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		return model.ErrorInvalidConfig
	case "NOT_FOUND":
		return model.ErrorIncompatibleModel
	case "UNAVAILABLE", "DEADLINE_EXCEEDED", "RESOURCE_EXHAUSTED":
		return model.ErrorTransient
	}
	if strings.Contains(strings.ToLower(ge.Message), "not supported") {
		return model.ErrorIncompatibleModel
	}
	return model.ErrorProtocol
}

// closeReason extracts a short human-readable reason from a read error.
func closeReason(err error) string {
	if code := websocket.CloseStatus(err); code != -1 {
		return fmt.Sprintf("remote close (%d)", code)
	}
	return "transport error"
}
