// Package carrier defines the transport-agnostic interface to the telephone
// carrier's media-stream protocol.
//
// A carrier session is one live phone leg: an ordered stream of signalling
// and media events in, and paced μ-law audio out. The concrete wire protocol
// (JSON framing, base64 payloads, mark echoes) lives in provider
// subpackages; consumers only see the types here.
package carrier

import "errors"

// Direction is which way the call was placed.
type Direction string

// Call directions.
const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// IsValid reports whether d is a recognised direction.
func (d Direction) IsValid() bool { return d == Inbound || d == Outbound }

// ErrSessionClosed is returned by send operations after the session ended.
var ErrSessionClosed = errors.New("carrier: session closed")

// ── Events ─────────────────────────────────────────────────────────────────────

// Event is one item of the session's ordered receive stream. Concrete types
// are Connected, Start, Media, MarkReceived, DTMF, Stop, and Closed.
type Event interface {
	isEvent()
}

// Connected is the first protocol event after the WebSocket upgrade. The
// call is ringing but media has not started.
type Connected struct{}

// Start announces the media stream and identifies the call.
type Start struct {
	StreamID  string
	CallID    string
	AccountID string
	Direction Direction

	// From and To are the calling and called numbers in E.164 form.
	From string
	To   string

	// Custom carries provider-specific parameters attached at dial time.
	Custom map[string]string
}

// Media carries one inbound audio frame, μ-law at 8 kHz, already
// base64-decoded. Frames arrive in strict order; the session never reorders.
type Media struct {
	Payload []byte
	Seq     uint64
}

// MarkReceived is the carrier's echo of a previously sent mark: all audio
// queued before the mark has finished playing to the caller.
type MarkReceived struct {
	Name string
}

// DTMF reports one keypad digit pressed by the caller.
type DTMF struct {
	Digit string
}

// Stop announces the end of the media stream (hangup or carrier-side stop).
type Stop struct {
	Reason string
}

// Closed is the final event: the transport is gone. Err is nil on a clean
// shutdown.
type Closed struct {
	Err error
}

func (Connected) isEvent()    {}
func (Start) isEvent()        {}
func (Media) isEvent()        {}
func (MarkReceived) isEvent() {}
func (DTMF) isEvent()         {}
func (Stop) isEvent()         {}
func (Closed) isEvent()       {}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one live carrier media stream.
//
// The receive side is the Events channel: strictly ordered, ending with a
// Closed event after which the channel is closed. SendMedia accepts audio of
// any length; the session repacketises it into 20 ms frames and paces
// transmission at real time from a bounded queue. All methods are safe for
// concurrent use.
type Session interface {
	// Events returns the ordered event stream.
	Events() <-chan Event

	// SendMedia enqueues outbound μ-law audio for paced transmission.
	SendMedia(ulaw []byte) error

	// SendMark inserts a marker the carrier echoes back once everything
	// queued before it has played out.
	SendMark(name string) error

	// SendClear tells the carrier to discard queued outbound audio and
	// drops the local pacing queue. Used on barge-in.
	SendClear() error

	// Close tears the session down. Idempotent.
	Close() error
}

// Stats are cumulative per-session counters.
type Stats struct {
	// DroppedInbound counts messages lost in flight, detected as gaps in
	// the carrier's wire sequence numbering.
	DroppedInbound uint64
}

// StatsReporter is implemented by sessions that track cumulative counters.
type StatsReporter interface {
	Stats() Stats
}
