package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicegate-ai/voicegate/internal/recorder"
	"github.com/voicegate-ai/voicegate/internal/routing"
	"github.com/voicegate-ai/voicegate/pkg/audio"
	"github.com/voicegate-ai/voicegate/pkg/carrier"
	"github.com/voicegate-ai/voicegate/pkg/model"
)

// run is the live state of one call. It is owned by a single loop goroutine;
// only stop and agentID are touched from outside.
type run struct {
	o      *Orchestrator
	cs     carrier.Session
	callID string
	tenant string

	codec *audio.Codec

	mu       sync.Mutex
	agent    *routing.Agent
	stopped  bool
	stopWhy  string
	stopCh   chan struct{}

	// Loop-local state, never touched off the loop goroutine.
	ms         model.Session
	status     recorder.Status
	inProgress bool // reached InProgress at least once
	agentSpoke bool // at least one AudioOut reached the carrier
	idleProbed bool // idle prompt already injected once
	turnSeq    int
}

func newRun(o *Orchestrator, cs carrier.Session) *run {
	return &run{
		o:      o,
		cs:     cs,
		callID: uuid.NewString(),
		tenant: o.resolver.Tenant(),
		codec:  audio.NewCodec(),
		stopCh: make(chan struct{}),
		status: recorder.StatusPending,
	}
}

// stop requests termination from outside the loop (emergency stop). The
// first reason wins.
func (r *run) stop(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.stopWhy = reason
	close(r.stopCh)
}

func (r *run) stopReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopWhy
}

func (r *run) agentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agent == nil {
		return ""
	}
	return r.agent.ID
}

func (r *run) setAgent(a *routing.Agent) {
	r.mu.Lock()
	r.agent = a
	r.mu.Unlock()
}

// loop drives the call to a terminal state.
func (r *run) loop(ctx context.Context) error {
	log := r.o.log.With("call_id", r.callID)

	if err := r.o.rec.Begin(ctx, recorder.CallRecord{
		ID:       r.callID,
		TenantID: r.tenant,
		Status:   recorder.StatusPending,
	}); err != nil {
		log.Error("lifecycle record creation failed", "error", err)
	}
	_ = r.o.rec.AppendEvent(ctx, r.callID, "created", nil)

	setupTimer := time.NewTimer(r.o.setupTimeout)
	defer setupTimer.Stop()
	idleTimer := time.NewTimer(r.o.idleTimeout)
	idleTimer.Stop()
	defer idleTimer.Stop()

	defer func() {
		if a := r.agentID(); a != "" {
			r.o.resolver.Release(a)
		}
	}()

	var modelEvents <-chan model.Event // nil until the session opens

	for {
		if r.ms != nil && modelEvents == nil {
			modelEvents = r.ms.Events()
		}

		select {
		case <-ctx.Done():
			return r.end(ctx, recorder.StatusFailed, OutcomeEmergencyStop, log)

		case <-r.stopCh:
			return r.end(ctx, recorder.StatusFailed, r.stopReason(), log)

		case <-setupTimer.C:
			if r.status == recorder.StatusInProgress {
				continue
			}
			log.Warn("call setup timed out", "timeout", r.o.setupTimeout)
			return r.end(ctx, recorder.StatusFailed, OutcomeSetupTimeout, log)

		case <-idleTimer.C:
			if !r.idleProbed && r.ms != nil {
				r.idleProbed = true
				if err := r.ms.SendText(idlePrompt); err != nil {
					log.Warn("idle prompt rejected", "error", err)
				}
				idleTimer.Reset(r.o.idleTimeout)
				continue
			}
			status := recorder.StatusAbandoned
			if r.agentSpoke {
				status = recorder.StatusCompleted
			}
			return r.end(ctx, status, OutcomeIdleTimeout, log)

		case ev, ok := <-r.cs.Events():
			if !ok {
				// Stream ended without a Stop; treat as hangup.
				return r.end(ctx, r.hangupStatus(), r.hangupOutcome(), log)
			}
			status, outcome, terminal := r.onCarrierEvent(ctx, ev, setupTimer, idleTimer, log)
			if terminal {
				return r.end(ctx, status, outcome, log)
			}

		case ev, ok := <-modelEvents:
			if !ok {
				modelEvents = nil
				continue
			}
			status, outcome, terminal := r.onModelEvent(ctx, ev, log)
			if terminal {
				return r.end(ctx, status, outcome, log)
			}
		}
	}
}

// onCarrierEvent handles one event from the phone side. It returns the
// terminal state and outcome when the event ends the call.
func (r *run) onCarrierEvent(ctx context.Context, ev carrier.Event, setupTimer, idleTimer *time.Timer, log *slog.Logger) (recorder.Status, string, bool) {
	switch e := ev.(type) {
	case carrier.Connected:
		r.transition(ctx, recorder.StatusRinging)

	case carrier.Start:
		if r.status == recorder.StatusPending {
			r.transition(ctx, recorder.StatusRinging)
		}
		_ = r.o.rec.SetStreamID(ctx, r.callID, e.StreamID)
		return r.connectAgent(ctx, e, setupTimer, idleTimer, log)

	case carrier.Media:
		if r.ms == nil {
			return "", "", false // media before setup completes is dropped
		}
		idleTimer.Reset(r.o.idleTimeout)
		pcm, err := r.codec.DecodeUlawToPCM16k(e.Payload)
		if err != nil {
			log.Error("carrier audio corrupt", "error", err)
			return recorder.StatusFailed, OutcomeCorruptAudio, true
		}
		r.o.metrics.FramesIn(1)
		switch err := r.ms.SendAudio(pcm); {
		case err == nil, errors.Is(err, model.ErrDraining):
			// Draining sessions shed caller audio until handover completes.
		case errors.Is(err, model.ErrSessionClosed):
			return recorder.StatusFailed, OutcomeModelError, true
		default:
			log.Warn("inbound audio rejected", "error", err)
		}

	case carrier.DTMF:
		data, _ := json.Marshal(map[string]string{"digit": e.Digit})
		_ = r.o.rec.AppendEvent(ctx, r.callID, "dtmf", data)

	case carrier.MarkReceived:
		_ = r.o.rec.AppendEvent(ctx, r.callID, "turn_delivered", json.RawMessage(fmt.Sprintf(`{"mark":%q}`, e.Name)))

	case carrier.Stop:
		return r.hangupStatus(), r.hangupOutcome(), true

	case carrier.Closed:
		if e.Err != nil {
			log.Warn("carrier stream failed", "error", e.Err)
			return recorder.StatusFailed, OutcomeCarrierError, true
		}
		return r.hangupStatus(), r.hangupOutcome(), true
	}
	return "", "", false
}

// connectAgent resolves the routing decision for the started stream and, for
// direct agents, opens the model session. Reaching InProgress disarms the
// setup timer and arms the idle timer.
func (r *run) connectAgent(ctx context.Context, start carrier.Start, setupTimer, idleTimer *time.Timer, log *slog.Logger) (recorder.Status, string, bool) {
	decision := r.o.resolver.Resolve(start.Direction, start.To, start.From)

	switch {
	case decision.Reject != routing.RejectNone:
		log.Info("call rejected by routing", "reason", decision.Reject)
		_ = r.o.rec.AppendEvent(ctx, r.callID, "rejected", json.RawMessage(fmt.Sprintf(`{"reason":%q}`, decision.Reject)))
		return recorder.StatusFailed, OutcomeRejectedByRoute + ":" + string(decision.Reject), true

	case decision.ForwardTo != "":
		log.Info("call forwarded", "target", decision.ForwardTo)
		_ = r.o.rec.AppendEvent(ctx, r.callID, "forwarded", json.RawMessage(fmt.Sprintf(`{"target":%q}`, decision.ForwardTo)))
		return recorder.StatusCompleted, OutcomeForwarded, true
	}

	agent := decision.Agent
	r.setAgent(agent)
	r.updateParties(ctx, start, agent)

	cfg := agent.SessionConfig()
	cfg.Tools = r.o.tools
	ms, err := r.o.provider.Open(ctx, cfg)
	if err != nil {
		log.Error("model session open failed", "agent_id", agent.ID, "error", err)
		return recorder.StatusFailed, OutcomeModelError, true
	}
	r.ms = ms

	setupTimer.Stop()
	idleTimer.Reset(r.o.idleTimeout)
	r.inProgress = true
	r.transition(ctx, recorder.StatusInProgress)
	r.o.metrics.CallStarted(string(start.Direction))
	log.Info("call in progress", "agent_id", agent.ID, "direction", start.Direction)
	return "", "", false
}

// onModelEvent handles one event from the model side.
func (r *run) onModelEvent(ctx context.Context, ev model.Event, log *slog.Logger) (recorder.Status, string, bool) {
	switch e := ev.(type) {
	case model.AudioOut:
		ulaw, err := r.codec.EncodePCM24kToUlaw(e.PCM)
		if err != nil {
			log.Error("model audio corrupt", "error", err)
			return recorder.StatusFailed, OutcomeCorruptAudio, true
		}
		if len(ulaw) == 0 {
			return "", "", false
		}
		if err := r.cs.SendMedia(ulaw); err != nil {
			log.Warn("outbound media rejected", "error", err)
			return recorder.StatusFailed, OutcomeCarrierError, true
		}
		r.agentSpoke = true
		r.o.metrics.FramesOut(len(ulaw) / audio.CarrierFrameBytes)

	case model.Interrupted:
		// Barge-in: silence the phone side immediately.
		if err := r.cs.SendClear(); err != nil {
			log.Warn("clear rejected during barge-in", "error", err)
		}
		r.o.metrics.BargeIn()
		_ = r.o.rec.AppendEvent(ctx, r.callID, "barge_in", nil)

	case model.TurnComplete:
		r.turnSeq++
		if err := r.cs.SendMark(fmt.Sprintf("turn-%d", r.turnSeq)); err != nil {
			log.Warn("turn mark rejected", "error", err)
		}

	case model.InputTranscription:
		_ = r.o.rec.AppendTranscript(ctx, r.callID, recorder.SourceCaller, e.Text)

	case model.OutputTranscription:
		_ = r.o.rec.AppendTranscript(ctx, r.callID, recorder.SourceAgent, e.Text)

	case model.ToolCall:
		r.o.metrics.ToolCall(e.Name)
		go r.answerToolCall(ctx, e)

	case model.GoAway:
		_ = r.o.rec.AppendEvent(ctx, r.callID, "session_go_away",
			json.RawMessage(fmt.Sprintf(`{"time_left_ms":%d}`, e.TimeLeft.Milliseconds())))

	case model.HandoverComplete:
		r.o.rec.RecordHandover(r.callID)
		r.o.metrics.Handover(e.Blackout)
		_ = r.o.rec.AppendEvent(ctx, r.callID, "session_handover",
			json.RawMessage(fmt.Sprintf(`{"blackout_ms":%d,"attempts":%d}`, e.Blackout.Milliseconds(), e.Attempts)))
		if e.Blackout > r.o.handoverBudget {
			log.Warn("session handover blackout over budget",
				"blackout", e.Blackout, "budget", r.o.handoverBudget)
			return recorder.StatusFailed, OutcomeHandoverFailed, true
		}

	case model.Error:
		if e.Kind.Fatal() {
			log.Error("model session error", "kind", e.Kind, "error", e.Cause)
			return recorder.StatusFailed, OutcomeModelError, true
		}
		log.Warn("transient model error", "error", e.Cause)

	case model.Closed:
		if e.Reason == "closed" {
			return r.hangupStatus(), OutcomeCompleted, true
		}
		log.Warn("model session ended", "reason", e.Reason)
		return recorder.StatusFailed, OutcomeModelError, true
	}
	return "", "", false
}

// answerToolCall runs the configured handler (or the stub) and responds.
// Runs on its own goroutine so slow tools never stall the media loop.
func (r *run) answerToolCall(ctx context.Context, tc model.ToolCall) {
	response := stubToolResponse
	if h := r.o.toolHandler; h != nil {
		tctx, cancel := context.WithTimeout(ctx, r.o.toolTimeout)
		out, err := h(tctx, tc.Name, tc.Args)
		cancel()
		if err != nil {
			r.o.log.Warn("tool handler failed, answering with stub",
				"call_id", r.callID, "tool", tc.Name, "error", err)
		} else {
			response = out
		}
	}

	_ = r.o.rec.AppendToolCall(ctx, r.callID, tc.ID, tc.Name, "", tc.Args, response)
	if err := r.ms.SendToolResponse(model.ToolResponse{ID: tc.ID, Name: tc.Name, Response: response}); err != nil {
		r.o.log.Warn("tool response rejected", "call_id", r.callID, "tool", tc.Name, "error", err)
	}
}

// hangupStatus classifies a carrier-side termination: abandoned when the
// caller never heard the agent, completed otherwise.
func (r *run) hangupStatus() recorder.Status {
	if r.agentSpoke {
		return recorder.StatusCompleted
	}
	return recorder.StatusAbandoned
}

func (r *run) hangupOutcome() string {
	if r.agentSpoke {
		return OutcomeCompleted
	}
	return OutcomeCallerHungUp
}

// transition advances the recorded status. Transitions are monotonic; the
// recorder keeps terminal states immutable on its own.
func (r *run) transition(ctx context.Context, status recorder.Status) {
	if r.status == status {
		return
	}
	r.status = status
	if err := r.o.rec.UpdateStatus(ctx, r.callID, status); err != nil {
		r.o.log.Warn("status update not recorded", "call_id", r.callID, "status", status, "error", err)
	}
	_ = r.o.rec.AppendEvent(ctx, r.callID, "updated", json.RawMessage(fmt.Sprintf(`{"status":%q}`, status)))
}

// updateParties writes the numbers and agent onto the lifecycle record now
// that the stream's Start told us who is on the line.
func (r *run) updateParties(ctx context.Context, start carrier.Start, agent *routing.Agent) {
	err := r.o.rec.SetParties(ctx, r.callID, start.Direction, start.From, start.To, agent.ID)
	if err != nil {
		r.o.log.Warn("party update not recorded", "call_id", r.callID, "error", err)
	}
}

// end drives the call into its terminal state: drains outbound audio when the
// ending is graceful, closes both legs, and finalizes the lifecycle record.
func (r *run) end(ctx context.Context, status recorder.Status, outcome string, log *slog.Logger) error {
	_ = r.o.rec.AppendEvent(ctx, r.callID, "ended", json.RawMessage(fmt.Sprintf(`{"outcome":%q}`, outcome)))

	if r.ms != nil {
		if sr, ok := r.ms.(model.StatsReporter); ok {
			st := sr.Stats()
			if st.DroppedFrames > 0 {
				r.o.metrics.FramesDropped(int(st.DroppedFrames))
			}
			if st.Reconnects > 0 {
				r.o.metrics.Reconnects(st.Reconnects)
			}
		}
		if err := r.ms.Close(); err != nil {
			log.Debug("model session close", "error", err)
		}
	}

	if status == recorder.StatusCompleted && outcome == OutcomeCompleted {
		r.drainOutbound(log)
	}
	if sr, ok := r.cs.(carrier.StatsReporter); ok {
		if st := sr.Stats(); st.DroppedInbound > 0 {
			r.o.metrics.FramesDropped(int(st.DroppedInbound))
		}
	}
	if err := r.cs.Close(); err != nil {
		log.Debug("carrier session close", "error", err)
	}

	rec, err := r.o.rec.Finalize(ctx, r.callID, status, outcome)
	if err != nil {
		log.Error("lifecycle finalize failed", "error", err)
	}
	if r.inProgress {
		r.o.metrics.CallEnded(string(status), outcome)
	} else {
		r.o.metrics.CallRefused(outcome)
	}
	if r.o.analyzer != nil && r.inProgress && rec.Transcript != "" {
		go r.analyzeCall(rec.Transcript, log)
	} else {
		r.o.rec.Forget(r.callID)
	}
	log.Info("call ended",
		"status", status, "outcome", outcome,
		"duration_s", rec.DurationSeconds, "handovers", rec.HandleCount)
	return nil
}

// analyzeCall grades the finished transcript and refines the consolidated
// record. Runs detached from the call: the carrier connection is already
// gone, so a slow or failing analysis costs nothing but the log line.
func (r *run) analyzeCall(transcript string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
	defer cancel()
	// The call state is only needed until the analysis lands; drop it so
	// finished calls do not accumulate for the life of the process.
	defer r.o.rec.Forget(r.callID)

	res, err := r.o.analyzer.Analyze(ctx, transcript)
	if err != nil {
		log.Warn("post-call analysis failed", "error", err)
		return
	}
	if err := r.o.rec.SetAnalysis(ctx, r.callID, res.Outcome, res.Score); err != nil {
		log.Warn("post-call analysis not recorded", "error", err)
		return
	}
	log.Debug("post-call analysis recorded", "outcome", res.Outcome, "sentiment", res.Score)
}

// drainOutbound lets already-queued agent audio play out before teardown. A
// final mark is sent behind the queue; its echo (or the carrier going away)
// means playback finished.
func (r *run) drainOutbound(log *slog.Logger) {
	if err := r.cs.SendMark("drain-final"); err != nil {
		return
	}
	deadline := time.After(drainTimeout)
	for {
		select {
		case ev, ok := <-r.cs.Events():
			if !ok {
				return
			}
			if m, isMark := ev.(carrier.MarkReceived); isMark && m.Name == "drain-final" {
				return
			}
		case <-deadline:
			log.Debug("outbound drain timed out")
			return
		}
	}
}
