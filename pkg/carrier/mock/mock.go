// Package mock provides a test double for the carrier session interface.
//
// Tests feed protocol events with Emit and terminate the stream with End;
// sent media, marks, and clears are recorded for inspection.
package mock

import (
	"sync"

	"github.com/voicegate-ai/voicegate/pkg/carrier"
)

// Session is a mock implementation of carrier.Session.
type Session struct {
	mu sync.Mutex

	// SentMedia records every payload passed to SendMedia.
	SentMedia [][]byte

	// SentMarks records every name passed to SendMark.
	SentMarks []string

	// ClearCount is the number of SendClear calls.
	ClearCount int

	// CloseCount is the number of Close calls.
	CloseCount int

	// SendMediaErr, if non-nil, is returned by SendMedia.
	SendMediaErr error

	// SessionStats is returned by Stats.
	SessionStats carrier.Stats

	events  chan carrier.Event
	endOnce sync.Once
}

var _ carrier.StatsReporter = (*Session)(nil)

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan carrier.Event, 64)}
}

// Emit delivers one event to the session's stream.
func (s *Session) Emit(ev carrier.Event) { s.events <- ev }

// End emits a final Closed event and closes the stream. Safe to call more
// than once.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		s.events <- carrier.Closed{Err: err}
		close(s.events)
	})
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan carrier.Event { return s.events }

// Stats returns SessionStats.
func (s *Session) Stats() carrier.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionStats
}

// SendMedia records the payload.
func (s *Session) SendMedia(ulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendMediaErr != nil {
		return s.SendMediaErr
	}
	cp := make([]byte, len(ulaw))
	copy(cp, ulaw)
	s.SentMedia = append(s.SentMedia, cp)
	return nil
}

// SendMark records the name.
func (s *Session) SendMark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentMarks = append(s.SentMarks, name)
	return nil
}

// SendClear records the call.
func (s *Session) SendClear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCount++
	return nil
}

// Close records the call and ends the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Marks returns a copy of the recorded mark names. Thread-safe.
func (s *Session) Marks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.SentMarks...)
}

// MediaByteCount returns the total number of media bytes sent. Thread-safe.
func (s *Session) MediaByteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.SentMedia {
		n += len(m)
	}
	return n
}

// Clears returns the recorded SendClear count. Thread-safe.
func (s *Session) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClearCount
}

// Ensure Session implements carrier.Session at compile time.
var _ carrier.Session = (*Session)(nil)
