package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicegate-ai/voicegate/pkg/model"
)

var _ model.StatsReporter = (*session)(nil)

// sessionState tracks where the managed session is in its lifecycle.
type sessionState int

const (
	stateActive sessionState = iota
	stateDraining
	stateReconnecting
	stateClosed
)

// session is the managed Gemini Live session handed to callers. It owns a
// succession of wires and presents them as one continuous event stream:
// GoAway handovers and transient disconnects are recovered internally with
// the most recent resumption handle, surfacing only as HandoverComplete
// events.
type session struct {
	p   *Provider
	cfg model.Config
	log *slog.Logger

	out   chan model.Event
	sendQ chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu     sync.Mutex
	cur    *wire
	handle string
	state  sessionState

	dropped    atomic.Uint64
	reconnects int // guarded by mu
	handovers  int // guarded by mu
}

func newSession(p *Provider, cfg model.Config, w *wire) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		p:      p,
		cfg:    cfg,
		log:    p.log.With("component", "gemini_session", "model", cfg.Model),
		out:    make(chan model.Event, defaultEventBufferLength),
		sendQ:  make(chan []byte, p.sendQueueDepth),
		ctx:    ctx,
		cancel: cancel,
		cur:    w,
		handle: cfg.PreviousHandle,
	}
	go s.writerLoop()
	go s.supervise(w)
	return s
}

// ── model.Session ──────────────────────────────────────────────────────────────

// SendAudio enqueues caller PCM for the writer goroutine. Never blocks: when
// the queue is full the oldest chunk is dropped and counted.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch st {
	case stateClosed:
		return model.ErrSessionClosed
	case stateDraining, stateReconnecting:
		return model.ErrDraining
	}

	select {
	case s.sendQ <- pcm:
		return nil
	default:
	}

	// Queue full: evict the oldest chunk to make room. Stale audio is worth
	// less than fresh audio in a realtime conversation.
	select {
	case <-s.sendQ:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.sendQ <- pcm:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// SendText injects a synthetic user turn.
func (s *session) SendText(text string) error {
	w, err := s.activeWire()
	if err != nil {
		return err
	}
	return w.sendText(text)
}

// SendToolResponse completes a tool call.
func (s *session) SendToolResponse(resp model.ToolResponse) error {
	w, err := s.activeWire()
	if err != nil {
		return err
	}
	return w.sendToolResponse(resp)
}

// SignalActivityStart marks the start of a user turn when automatic VAD is
// disabled.
func (s *session) SignalActivityStart() error {
	w, err := s.activeWire()
	if err != nil {
		return err
	}
	return w.signalActivityStart()
}

// SignalActivityEnd marks the end of a user turn when automatic VAD is
// disabled.
func (s *session) SignalActivityEnd() error {
	w, err := s.activeWire()
	if err != nil {
		return err
	}
	return w.signalActivityEnd()
}

// SignalAudioStreamEnd announces intentional silence.
func (s *session) SignalAudioStreamEnd() error {
	w, err := s.activeWire()
	if err != nil {
		return err
	}
	return w.signalAudioStreamEnd()
}

// Events returns the managed event stream. It ends with a single Closed
// event and is then closed, regardless of how many wires served the call.
func (s *session) Events() <-chan model.Event { return s.out }

// Handle returns the most recent resumption handle.
func (s *session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Stats returns cumulative counters for this session.
func (s *session) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Stats{
		DroppedFrames: s.dropped.Load(),
		Reconnects:    s.reconnects,
		Handovers:     s.handovers,
	}
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		w := s.cur
		s.mu.Unlock()

		s.cancel()
		if w != nil {
			w.close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}

// ── Internals ──────────────────────────────────────────────────────────────────

func (s *session) activeWire() (*wire, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateClosed:
		return nil, model.ErrSessionClosed
	case stateDraining, stateReconnecting:
		return nil, model.ErrDraining
	}
	return s.cur, nil
}

func (s *session) currentWire() *wire {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	if s.state != stateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *session) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateDraining
}

// writerLoop drains the send queue onto the current wire. Write failures are
// not reported here; the wire's receive loop observes the broken connection
// and the supervisor recovers.
func (s *session) writerLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.sendQ:
			if w := s.currentWire(); w != nil {
				_ = w.sendAudio(pcm)
			}
		}
	}
}

// pumpResult describes why one wire's event stream ended.
type pumpResult struct {
	reason   string
	handover bool
	fatal    bool
}

// supervise runs the wire succession: pump events off the current wire, and
// when it dies decide between finishing the session and redialling.
func (s *session) supervise(w *wire) {
	defer close(s.out)

	for {
		res := s.pump(w)

		s.mu.Lock()
		closedByUs := s.state == stateClosed
		s.mu.Unlock()

		if closedByUs {
			s.emitFinal(model.Closed{Reason: "closed"})
			return
		}
		if res.fatal {
			s.emitFinal(model.Closed{Reason: res.reason})
			return
		}

		nw, attempts, blackout, err := s.redial(res.handover)
		if err != nil {
			reason := "reconnect failed"
			if res.handover {
				reason = "handover failed"
			}
			// A fatal dial error (auth, bad config) keeps its kind;
			// everything else died of exhausted transient retries.
			kind := model.ErrorTransient
			var me model.Error
			if errors.As(err, &me) {
				kind = me.Kind
			}
			s.forward(model.Error{Kind: kind, Cause: err})
			s.emitFinal(model.Closed{Reason: reason})
			return
		}

		s.mu.Lock()
		if res.handover {
			s.handovers++
		} else {
			s.reconnects++
		}
		s.mu.Unlock()

		s.forward(model.HandoverComplete{Blackout: blackout, Attempts: attempts})
		w = nw
	}
}

// pump forwards one wire's events until its stream ends.
func (s *session) pump(w *wire) pumpResult {
	var res pumpResult
	var drainTimer *time.Timer
	defer func() {
		if drainTimer != nil {
			drainTimer.Stop()
		}
	}()

	for ev := range w.events {
		switch e := ev.(type) {
		case model.ResumptionUpdate:
			if e.Resumable {
				s.mu.Lock()
				s.handle = e.Handle
				s.mu.Unlock()
			}
			s.forward(ev)

		case model.GoAway:
			// Stop accepting fresh audio, let the current turn finish, then
			// swap connections with the latest handle.
			s.setState(stateDraining)
			res.handover = true
			grace := e.TimeLeft
			if grace <= 0 || grace > defaultDrainGracePeriod {
				grace = defaultDrainGracePeriod
			}
			drainTimer = time.AfterFunc(grace, func() {
				w.close(websocket.StatusNormalClosure, "goaway drain")
			})
			s.log.Info("model session going away, draining",
				"time_left", e.TimeLeft, "handle_present", s.Handle() != "")
			s.forward(ev)

		case model.TurnComplete:
			s.forward(ev)
			if s.isDraining() {
				w.close(websocket.StatusNormalClosure, "goaway drain")
			}

		case model.Interrupted:
			// Barge-in: audio already queued for the caller is stale.
			n := s.dropQueuedAudio()
			if n > 0 {
				s.log.Debug("dropped buffered model audio on interruption", "chunks", n)
			}
			s.forward(ev)

		case model.Error:
			if e.Kind.Fatal() {
				res.fatal = true
				res.reason = string(e.Kind)
			}
			s.forward(ev)

		case model.Closed:
			if res.reason == "" {
				res.reason = e.Reason
			}
			// Not forwarded: the managed session emits its own terminal
			// Closed once recovery is exhausted.

		default:
			s.forward(ev)
		}
	}
	return res
}

// dropQueuedAudio removes AudioOut events sitting in the outbound buffer,
// preserving the relative order of everything else. Returns the number of
// chunks dropped. Only the supervising goroutine produces onto the buffer,
// so the drain frees at least as many slots as there are events to requeue;
// requeueing goes through forward so nothing is ever silently lost.
func (s *session) dropQueuedAudio() int {
	var keep []model.Event
	n := 0
	for {
		select {
		case ev := <-s.out:
			if _, isAudio := ev.(model.AudioOut); isAudio {
				n++
			} else {
				keep = append(keep, ev)
			}
		default:
			for _, ev := range keep {
				s.forward(ev)
			}
			return n
		}
	}
}

// redial opens a replacement wire with the most recent resumption handle,
// retrying transient failures with exponential backoff. Fatal errors abort
// immediately.
func (s *session) redial(handover bool) (*wire, int, time.Duration, error) {
	start := time.Now()
	s.setState(stateReconnecting)

	cfg := s.cfg
	cfg.PreviousHandle = s.Handle()

	backoff := s.p.reconnectBackoff
	var lastErr error
	for attempt := 1; attempt <= s.p.maxReconnects; attempt++ {
		if s.ctx.Err() != nil {
			return nil, attempt, time.Since(start), s.ctx.Err()
		}

		s.log.Info("redialling model session",
			"attempt", attempt,
			"max_attempts", s.p.maxReconnects,
			"handover", handover,
			"resuming", cfg.PreviousHandle != "",
		)

		dialCtx, cancel := context.WithTimeout(s.ctx, setupTimeout)
		w, err := s.p.dial(dialCtx, cfg)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.cur = w
			if s.state != stateClosed {
				s.state = stateActive
			}
			s.mu.Unlock()
			return w, attempt, time.Since(start), nil
		}
		lastErr = err

		var me model.Error
		if errors.As(err, &me) && me.Kind.Fatal() {
			return nil, attempt, time.Since(start), err
		}

		s.log.Warn("model redial failed", "attempt", attempt, "error", err)

		select {
		case <-s.ctx.Done():
			return nil, attempt, time.Since(start), s.ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.p.maxBackoff {
			backoff = s.p.maxBackoff
		}
	}
	return nil, s.p.maxReconnects, time.Since(start), fmt.Errorf("gemini: redial: %d attempts exhausted: %w", s.p.maxReconnects, lastErr)
}

// forward delivers an event to the consumer, giving up only on shutdown.
func (s *session) forward(ev model.Event) {
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}

// emitFinal delivers the terminal Closed event best-effort; the channel is
// closed immediately after.
func (s *session) emitFinal(ev model.Event) {
	select {
	case s.out <- ev:
	default:
	}
}
