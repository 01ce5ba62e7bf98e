// Package mock provides test doubles for the model package interfaces.
//
// Use Provider to verify Open calls and feed controlled sessions. Use
// Session to drive the event stream and inspect which methods the
// orchestrator invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Open(ctx, cfg)
//	sess.Emit(model.AudioOut{PCM: pcm})
//	sess.End("closed")
package mock

import (
	"context"
	"sync"

	"github.com/voicegate-ai/voicegate/pkg/model"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg model.Config
}

// Provider is a mock implementation of model.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Open. If nil, Open returns a new default
	// Session.
	Session model.Session

	// OpenErr, if non-nil, is returned as the error from Open. When OpenErrs
	// is also set, OpenErrs takes precedence.
	OpenErr error

	// OpenErrs, if non-empty, is consumed one error per Open call (nil
	// entries mean success). Used to script reconnection outcomes.
	OpenErrs []error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities model.Capabilities

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Session or the scripted error.
func (p *Provider) Open(ctx context.Context, cfg model.Config) (model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})

	if len(p.OpenErrs) > 0 {
		err := p.OpenErrs[0]
		p.OpenErrs = p.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() model.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Ensure Provider implements model.Provider at compile time.
var _ model.Provider = (*Provider)(nil)

// Session is a mock implementation of model.Session. Tests feed events with
// Emit and terminate the stream with End; sent audio and text are recorded
// for inspection.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SentAudio records every chunk passed to SendAudio.
	SentAudio [][]byte

	// SentText records every string passed to SendText.
	SentText []string

	// ToolResponses records every response passed to SendToolResponse.
	ToolResponses []model.ToolResponse

	// ActivityStarts and ActivityEnds count the manual turn markers.
	ActivityStarts int
	ActivityEnds   int

	// StreamEnds counts SignalAudioStreamEnd calls.
	StreamEnds int

	// ResumptionHandle is returned by Handle.
	ResumptionHandle string

	// SessionStats is returned by Stats.
	SessionStats model.Stats

	// CloseCount is the number of times Close was called.
	CloseCount int

	events  chan model.Event
	endOnce sync.Once
}

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan model.Event, 64)}
}

// Emit delivers one event to the session's stream.
func (s *Session) Emit(ev model.Event) { s.events <- ev }

// End emits a final Closed event and closes the stream. Safe to call more
// than once.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		s.events <- model.Closed{Reason: reason}
		close(s.events)
	})
}

// SendAudio records the chunk.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SentAudio = append(s.SentAudio, cp)
	return nil
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentText = append(s.SentText, text)
	return nil
}

// SendToolResponse records the response.
func (s *Session) SendToolResponse(resp model.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolResponses = append(s.ToolResponses, resp)
	return nil
}

// SignalActivityStart records the call.
func (s *Session) SignalActivityStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActivityStarts++
	return nil
}

// SignalActivityEnd records the call.
func (s *Session) SignalActivityEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActivityEnds++
	return nil
}

// SignalAudioStreamEnd records the call.
func (s *Session) SignalAudioStreamEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StreamEnds++
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan model.Event { return s.events }

// Handle returns ResumptionHandle.
func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResumptionHandle
}

// Stats returns SessionStats.
func (s *Session) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionStats
}

// Close records the call and ends the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.End("closed")
	return nil
}

// SentAudioCount returns the number of recorded SendAudio calls. Thread-safe.
func (s *Session) SentAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// ToolResponsesSent returns a copy of the recorded tool responses. Thread-safe.
func (s *Session) ToolResponsesSent() []model.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ToolResponse(nil), s.ToolResponses...)
}

// TextsSent returns a copy of the recorded SendText strings. Thread-safe.
func (s *Session) TextsSent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.SentText...)
}

// Ensure Session implements the model interfaces at compile time.
var _ model.Session = (*Session)(nil)
var _ model.StatsReporter = (*Session)(nil)
