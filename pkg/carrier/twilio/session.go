// Package twilio implements the carrier interfaces for Twilio Media Streams
// and the Twilio REST dial-out API.
//
// A Session wraps one accepted Media Streams WebSocket. Inbound JSON events
// are decoded into carrier events in strict arrival order; outbound audio is
// repacketised into 20 ms μ-law frames and paced at real time from a bounded
// queue, so the carrier never receives audio faster than it can play it.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicegate-ai/voicegate/pkg/audio"
	"github.com/voicegate-ai/voicegate/pkg/carrier"
)

var _ carrier.Session = (*Session)(nil)

const (
	// defaultOutboundQueueDepth bounds the pacing queue: 200 frames is four
	// seconds of audio. A full queue parks the producer.
	defaultOutboundQueueDepth = 200

	eventBufferLength = 64
)

// SessionOption is a functional option for configuring a Session.
type SessionOption func(*Session)

// WithLogger sets the logger for protocol events. Defaults to slog.Default.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithOutboundQueueDepth overrides the pacing queue depth in 20 ms frames.
func WithOutboundQueueDepth(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// Session is one live Twilio Media Streams connection.
type Session struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan carrier.Event
	outQ   chan []byte // 20 ms μ-law frames awaiting paced transmission

	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex // serialises writes to conn

	mu        sync.Mutex
	streamID  string
	residue   []byte // partial outbound frame carried to the next SendMedia
	closed    bool
	closeOnce sync.Once

	queueDepth int
	seq        uint64 // inbound media ordinal, touched only by readLoop
	wireSeq    uint64 // last wire sequenceNumber seen, touched only by readLoop
	gaps       atomic.Uint64
}

// Accept wraps an already-upgraded Media Streams WebSocket and starts the
// read and pacing loops. The caller keeps ownership of nothing: Close tears
// the connection down.
func Accept(conn *websocket.Conn, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:       conn,
		log:        slog.Default(),
		events:     make(chan carrier.Event, eventBufferLength),
		ctx:        ctx,
		cancel:     cancel,
		queueDepth: defaultOutboundQueueDepth,
	}
	for _, o := range opts {
		o(s)
	}
	s.outQ = make(chan []byte, s.queueDepth)

	go s.readLoop()
	go s.paceLoop()
	return s
}

// Events returns the ordered inbound event stream.
func (s *Session) Events() <-chan carrier.Event { return s.events }

// ── Receive path ───────────────────────────────────────────────────────────────

// readLoop decodes inbound protocol messages in strict arrival order. It
// owns the events channel: it emits the terminal Closed event and closes the
// channel when it exits.
func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.emit(carrier.Closed{})
				return
			}
			if code := websocket.CloseStatus(err); code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
				s.emit(carrier.Closed{})
				return
			}
			s.emit(carrier.Closed{Err: fmt.Errorf("twilio: read: %w", err)})
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("skipping malformed carrier frame", "error", err)
			continue
		}
		s.handleMessage(&msg)
	}
}

func (s *Session) handleMessage(msg *wireMessage) {
	s.trackWireSeq(msg.SequenceNumber)
	switch msg.Event {
	case "connected":
		s.emit(carrier.Connected{})

	case "start":
		if msg.Start == nil {
			return
		}
		s.mu.Lock()
		s.streamID = msg.Start.StreamSid
		s.mu.Unlock()
		s.emit(startEvent(msg.Start))

	case "media":
		if msg.Media == nil {
			return
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			s.log.Warn("undecodable media payload", "error", err)
			return
		}
		if len(payload) != audio.CarrierFrameBytes {
			s.log.Warn("unexpected media frame size", "bytes", len(payload))
		}
		s.seq++
		s.emit(carrier.Media{Payload: payload, Seq: s.seq})

	case "dtmf":
		if msg.DTMF == nil {
			return
		}
		s.emit(carrier.DTMF{Digit: msg.DTMF.Digit})

	case "mark":
		if msg.Mark == nil {
			return
		}
		s.emit(carrier.MarkReceived{Name: msg.Mark.Name})

	case "stop":
		reason := "stop"
		if msg.Stop != nil && msg.Stop.CallSid != "" {
			reason = "hangup"
		}
		s.emit(carrier.Stop{Reason: reason})

	default:
		s.log.Debug("ignoring unknown carrier event", "event", msg.Event)
	}
}

// trackWireSeq watches the carrier's own message numbering. Twilio numbers
// every stream message consecutively, so any jump means messages were lost
// in flight; the session cannot recover them, but it must count them.
func (s *Session) trackWireSeq(raw string) {
	if raw == "" {
		return
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return
	}
	if s.wireSeq != 0 && n > s.wireSeq+1 {
		lost := n - s.wireSeq - 1
		s.gaps.Add(lost)
		s.log.Warn("carrier sequence gap", "lost", lost, "sequence", n)
	}
	if n > s.wireSeq {
		s.wireSeq = n
	}
}

// Stats returns cumulative counters for this session.
func (s *Session) Stats() carrier.Stats {
	return carrier.Stats{DroppedInbound: s.gaps.Load()}
}

var _ carrier.StatsReporter = (*Session)(nil)

// startEvent maps a wire start payload onto the carrier Start event. The
// direction and the caller/callee numbers travel as custom parameters set at
// dial time; absent parameters mean an inbound call.
func startEvent(ws *wireStart) carrier.Start {
	ev := carrier.Start{
		StreamID:  ws.StreamSid,
		CallID:    ws.CallSid,
		AccountID: ws.AccountSid,
		Direction: carrier.Inbound,
		Custom:    ws.CustomParameters,
	}
	if ws.CustomParameters != nil {
		if d := carrier.Direction(ws.CustomParameters[paramDirection]); d.IsValid() {
			ev.Direction = d
		}
		ev.From = ws.CustomParameters[paramFrom]
		ev.To = ws.CustomParameters[paramTo]
	}
	return ev
}

func (s *Session) emit(ev carrier.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		if _, ok := ev.(carrier.Closed); ok {
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

// ── Send path ──────────────────────────────────────────────────────────────────

// SendMedia enqueues outbound μ-law audio. Input of any length is chopped
// into 20 ms frames; a trailing partial frame is held until the next call.
// Parks when the pacing queue is full, unblocking on Close.
func (s *Session) SendMedia(ulaw []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return carrier.ErrSessionClosed
	}
	buf := append(s.residue, ulaw...)
	var frames [][]byte
	for len(buf) >= audio.CarrierFrameBytes {
		frames = append(frames, buf[:audio.CarrierFrameBytes:audio.CarrierFrameBytes])
		buf = buf[audio.CarrierFrameBytes:]
	}
	s.residue = append([]byte(nil), buf...)
	s.mu.Unlock()

	for _, f := range frames {
		select {
		case s.outQ <- f:
		case <-s.ctx.Done():
			return carrier.ErrSessionClosed
		}
	}
	return nil
}

// SendMark asks the carrier to echo name once all audio queued before it has
// played out.
func (s *Session) SendMark(name string) error {
	return s.writeJSON(wireMessage{
		Event:     "mark",
		StreamSid: s.currentStreamID(),
		Mark:      &wireMark{Name: name},
	})
}

// SendClear discards the local pacing queue and tells the carrier to drop
// whatever it has buffered. Used on barge-in.
func (s *Session) SendClear() error {
	s.mu.Lock()
	s.residue = nil
	s.mu.Unlock()
	for {
		select {
		case <-s.outQ:
		default:
			return s.writeJSON(wireMessage{
				Event:     "clear",
				StreamSid: s.currentStreamID(),
			})
		}
	}
}

// paceLoop transmits one queued frame per 20 ms of wall time. When the queue
// is empty no filler is sent; the carrier plays silence on its own.
func (s *Session) paceLoop() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			select {
			case frame := <-s.outQ:
				msg := wireMessage{
					Event:     "media",
					StreamSid: s.currentStreamID(),
					Media:     &wireMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
				}
				if err := s.writeJSON(msg); err != nil && s.ctx.Err() == nil {
					s.log.Warn("outbound media write failed", "error", err)
				}
			default:
			}
		}
	}
}

func (s *Session) writeJSON(msg wireMessage) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return carrier.ErrSessionClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("twilio: marshal: %w", err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *Session) currentStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
