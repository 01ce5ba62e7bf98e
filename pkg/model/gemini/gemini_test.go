package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicegate-ai/voicegate/pkg/model"
	"github.com/voicegate-ai/voicegate/pkg/model/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler receives each
// accepted *websocket.Conn along with a 1-based connection ordinal, so tests
// can script different behaviour for the initial connection and for redials.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, n int)) *httptest.Server {
	t.Helper()
	var count atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, int(count.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// waitEvent reads events until one matches pred or the timeout expires.
func waitEvent(t *testing.T, events <-chan model.Event, pred func(model.Event) bool) model.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before expected event")
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timeout waiting for event")
		}
	}
}

// ── Setup handshake ────────────────────────────────────────────────────────────

func TestOpen_SendsFullSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
					LanguageCode string `json:"languageCode"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			RealtimeInputConfig *struct {
				AutomaticActivityDetection *struct {
					StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity"`
					SilenceDurationMs        int    `json:"silenceDurationMs"`
				} `json:"automaticActivityDetection"`
			} `json:"realtimeInputConfig"`
			InputAudioTranscription  *map[string]any `json:"inputAudioTranscription"`
			OutputAudioTranscription *map[string]any `json:"outputAudioTranscription"`
			SessionResumption        *struct {
				Handle string `json:"handle"`
			} `json:"sessionResumption"`
			ContextWindowCompression *struct {
				SlidingWindow *map[string]any `json:"slidingWindow"`
			} `json:"contextWindowCompression"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{
		Model:        "gemini-live-2.5-flash-preview",
		Voice:        "Kore",
		Language:     "en-US",
		SystemPrompt: "You are a booking assistant.",
		VAD: model.VADConfig{
			StartSensitivity: model.SensitivityHigh,
			SilenceDuration:  800 * time.Millisecond,
		},
		InputTranscription:       true,
		OutputTranscription:      true,
		SlidingWindowCompression: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	var msg setupMsg
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}

	if want := "models/gemini-live-2.5-flash-preview"; msg.Setup.Model != want {
		t.Errorf("model = %q; want %q", msg.Setup.Model, want)
	}
	if mods := msg.Setup.GenerationConfig.ResponseModalities; len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", mods)
	}
	sc := msg.Setup.GenerationConfig.SpeechConfig
	if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("speechConfig voice missing or wrong: %+v", sc)
	}
	if sc != nil && sc.LanguageCode != "en-US" {
		t.Errorf("languageCode = %q; want en-US", sc.LanguageCode)
	}
	if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) == 0 {
		t.Error("systemInstruction missing")
	}
	ric := msg.Setup.RealtimeInputConfig
	if ric == nil || ric.AutomaticActivityDetection == nil {
		t.Fatal("realtimeInputConfig.automaticActivityDetection missing")
	}
	if got := ric.AutomaticActivityDetection.StartOfSpeechSensitivity; got != "START_SENSITIVITY_HIGH" {
		t.Errorf("startOfSpeechSensitivity = %q", got)
	}
	if got := ric.AutomaticActivityDetection.SilenceDurationMs; got != 800 {
		t.Errorf("silenceDurationMs = %d; want 800", got)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription blocks missing")
	}
	if msg.Setup.SessionResumption == nil {
		t.Error("sessionResumption missing: resumption must always be requested")
	}
	if msg.Setup.ContextWindowCompression == nil || msg.Setup.ContextWindowCompression.SlidingWindow == nil {
		t.Error("contextWindowCompression.slidingWindow missing")
	}
}

func TestOpen_SetupRejectedIsInvalidConfig(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{
				"code":    400,
				"status":  "INVALID_ARGUMENT",
				"message": "unknown voice",
			},
		})
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	_, err := p.Open(context.Background(), model.Config{Voice: "NotAVoice"})
	if err == nil {
		t.Fatal("Open succeeded; want invalid_config error")
	}
	var me model.Error
	if !errors.As(err, &me) || me.Kind != model.ErrorInvalidConfig {
		t.Fatalf("error = %v; want kind invalid_config", err)
	}
}

// ── Audio and events ───────────────────────────────────────────────────────────

func TestSendAudio_ReachesServerAsMediaChunk(t *testing.T) {
	t.Parallel()

	type mediaMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	received := make(chan mediaMsg, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		var msg mediaMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("mediaChunks = %d; want 1", len(chunks))
		}
		if want := "audio/pcm;rate=16000"; chunks[0].MIMEType != want {
			t.Errorf("mimeType = %q; want %q", chunks[0].MIMEType, want)
		}
		decoded, _ := base64.StdEncoding.DecodeString(chunks[0].Data)
		if string(decoded) != string(pcm) {
			t.Errorf("payload = %v; want %v", decoded, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for media chunk")
	}
}

func TestEvents_AudioTranscriptsAndTurnComplete(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hello there"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
				"outputTranscription": map[string]any{"text": "hi, how can I help"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"generationComplete": true, "turnComplete": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	ev := waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.InputTranscription)
		return ok
	})
	if got := ev.(model.InputTranscription).Text; got != "hello there" {
		t.Errorf("input transcription = %q", got)
	}

	ev = waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.AudioOut)
		return ok
	})
	if got := ev.(model.AudioOut).PCM; string(got) != string(pcm) {
		t.Errorf("audio out = %v; want %v", got, pcm)
	}

	waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.TurnComplete)
		return ok
	})
}

func TestEvents_InterruptedSurfaces(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.Interrupted)
		return ok
	})
}

func TestInterrupted_DropsBufferedAudioButKeepsTranscripts(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		audio := map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		}
		writeJSON(t, conn, audio)
		writeJSON(t, conn, audio)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "let me just"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// Let everything pile up in the outbound buffer before reading, so the
	// interruption drains queued audio with the transcript still in flight.
	time.Sleep(200 * time.Millisecond)

	var sawTranscript bool
	var audioBeforeInterrupt int
	waitEvent(t, sess.Events(), func(ev model.Event) bool {
		switch e := ev.(type) {
		case model.AudioOut:
			audioBeforeInterrupt++
		case model.OutputTranscription:
			if e.Text == "let me just" {
				sawTranscript = true
			}
		case model.Interrupted:
			return true
		}
		return false
	})

	if !sawTranscript {
		t.Error("output transcription lost while draining buffered audio")
	}
	if audioBeforeInterrupt != 0 {
		t.Errorf("buffered audio chunks delivered before interruption = %d; want 0", audioBeforeInterrupt)
	}
}

func TestToolCall_RoundTrip(t *testing.T) {
	t.Parallel()

	type toolRespMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	received := make(chan toolRespMsg, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{"id": "fc-1", "name": "lookup_order", "args": map[string]any{"order_id": "A17"}},
				},
			},
		})
		var msg toolRespMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	ev := waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.ToolCall)
		return ok
	})
	tc := ev.(model.ToolCall)
	if tc.ID != "fc-1" || tc.Name != "lookup_order" {
		t.Fatalf("tool call = %+v", tc)
	}

	if err := sess.SendToolResponse(model.ToolResponse{
		ID:       tc.ID,
		Name:     tc.Name,
		Response: json.RawMessage(`{"result":"ok"}`),
	}); err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	select {
	case msg := <-received:
		frs := msg.ToolResponse.FunctionResponses
		if len(frs) != 1 || frs[0].ID != "fc-1" || frs[0].Name != "lookup_order" {
			t.Fatalf("functionResponses = %+v", frs)
		}
		if frs[0].Response["result"] != "ok" {
			t.Errorf("response = %v", frs[0].Response)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response")
	}
}

// ── Resumption, handover, reconnect ───────────────────────────────────────────

func TestResumptionUpdate_UpdatesHandle(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"sessionResumptionUpdate": map[string]any{"newHandle": "h-42", "resumable": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	ev := waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.ResumptionUpdate)
		return ok
	})
	if ru := ev.(model.ResumptionUpdate); ru.Handle != "h-42" || !ru.Resumable {
		t.Fatalf("resumption update = %+v", ru)
	}
	if got := sess.Handle(); got != "h-42" {
		t.Errorf("Handle() = %q; want h-42", got)
	}
}

func TestGoAway_HandsOverWithHandle(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			SessionResumption *struct {
				Handle string `json:"handle"`
			} `json:"sessionResumption"`
		} `json:"setup"`
	}

	secondHandle := make(chan string, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, n int) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		sendSetupComplete(t, conn)

		switch n {
		case 1:
			writeJSON(t, conn, map[string]any{
				"sessionResumptionUpdate": map[string]any{"newHandle": "h-goaway", "resumable": true},
			})
			writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "5s"}})
			// End the turn so the drain completes promptly.
			writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
			<-conn.CloseRead(context.Background()).Done()
		default:
			if msg.Setup.SessionResumption != nil {
				secondHandle <- msg.Setup.SessionResumption.Handle
			}
			<-conn.CloseRead(context.Background()).Done()
		}
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	ev := waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.HandoverComplete)
		return ok
	})
	hc := ev.(model.HandoverComplete)
	if hc.Attempts != 1 {
		t.Errorf("handover attempts = %d; want 1", hc.Attempts)
	}

	select {
	case h := <-secondHandle:
		if h != "h-goaway" {
			t.Errorf("resumed with handle %q; want h-goaway", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for second connection setup")
	}

	if sr, ok := sess.(model.StatsReporter); ok {
		if got := sr.Stats().Handovers; got != 1 {
			t.Errorf("Handovers = %d; want 1", got)
		}
	}
}

func TestTransientClose_Reconnects(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, n int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.HandoverComplete)
		return ok
	})

	if sr, ok := sess.(model.StatsReporter); ok {
		if got := sr.Stats().Reconnects; got != 1 {
			t.Errorf("Reconnects = %d; want 1", got)
		}
	}
}

func TestRedialFatalError_KeepsKind(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, n int) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		if n == 1 {
			sendSetupComplete(t, conn)
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		// Reject the redial outright so the dial error is fatal, not
		// a transient failure to be retried.
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{
				"code":    400,
				"status":  "INVALID_ARGUMENT",
				"message": "unknown voice",
			},
		})
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	ev := waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.Error)
		return ok
	})
	me := ev.(model.Error)
	if me.Kind != model.ErrorInvalidConfig {
		t.Errorf("Error.Kind = %q; want %q", me.Kind, model.ErrorInvalidConfig)
	}

	waitEvent(t, sess.Events(), func(ev model.Event) bool {
		_, ok := ev.(model.Closed)
		return ok
	})
}

func TestClose_EndsStreamWithClosed(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ int) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Open(context.Background(), model.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return // stream ended as expected
			}
		case <-deadline:
			t.Fatal("event stream not closed after Close")
		}
	}
}
