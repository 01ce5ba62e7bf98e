// Package routing resolves an arriving or outgoing call to the agent persona
// that should answer it.
//
// The inputs are the routing table (agents, number mappings, do-not-call
// set) and the call's direction, numbers, and local time; the output is a
// deterministic decision: an immutable agent configuration snapshot, a
// forward target, or a rejection reason. The resolver also enforces each
// agent's concurrent-call ceiling.
package routing

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/voicegate-ai/voicegate/pkg/model"
)

// AllowedModels enumerates the realtime models an agent may be configured
// with. Session setup is never attempted for anything outside this set.
var AllowedModels = []string{
	"gemini-live-2.5-flash-preview",
	"gemini-2.0-flash-live-001",
	"gemini-2.5-flash-preview-native-audio-dialog",
}

// AllowedVoices enumerates the prebuilt voice names an agent may use.
var AllowedVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"}

// DirectionPolicy says which call directions an agent accepts.
type DirectionPolicy string

// Direction policies.
const (
	DirectionInbound  DirectionPolicy = "inbound"
	DirectionOutbound DirectionPolicy = "outbound"
	DirectionBoth     DirectionPolicy = "both"
)

// IsValid reports whether p is a recognised direction policy.
func (p DirectionPolicy) IsValid() bool {
	switch p {
	case DirectionInbound, DirectionOutbound, DirectionBoth:
		return true
	}
	return false
}

// Admits reports whether the policy accepts a call in the given direction.
func (p DirectionPolicy) Admits(inbound bool) bool {
	if p == DirectionBoth {
		return true
	}
	if inbound {
		return p == DirectionInbound
	}
	return p == DirectionOutbound
}

// RoutingType says how an agent handles an admitted call.
type RoutingType string

// Routing types.
const (
	// RoutingDirect connects the caller straight to the agent.
	RoutingDirect RoutingType = "direct"

	// RoutingMenu plays a DTMF menu before connecting.
	RoutingMenu RoutingType = "menu"

	// RoutingForward hands the call off to another number instead of an
	// agent session.
	RoutingForward RoutingType = "forward"
)

// IsValid reports whether t is a recognised routing type.
func (t RoutingType) IsValid() bool {
	switch t {
	case RoutingDirect, RoutingMenu, RoutingForward:
		return true
	}
	return false
}

// VADTuning is the agent's voice-activity-detection configuration.
type VADTuning struct {
	StartSensitivity  model.Sensitivity `yaml:"start_sensitivity"`
	EndSensitivity    model.Sensitivity `yaml:"end_sensitivity"`
	SilenceDurationMs int               `yaml:"silence_duration_ms"`
	PrefixPaddingMs   int               `yaml:"prefix_padding_ms"`
}

// BusinessHours is a daily open window in the agent's local timezone. The
// zero value means always open.
type BusinessHours struct {
	// Open and Close are wall-clock times in "15:04" form.
	Open  string `yaml:"open"`
	Close string `yaml:"close"`

	// Timezone is an IANA zone name, e.g. "Europe/Berlin". Empty or
	// unparseable zones fall back to UTC with a logged warning.
	Timezone string `yaml:"timezone"`
}

// Agent is one configured persona. The struct loaded from the routing table
// is shared-immutable: per-call consumers receive a value copy.
type Agent struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"tenant_id"`
	Name     string `yaml:"name"`

	Model        string    `yaml:"model"`
	Voice        string    `yaml:"voice"`
	Language     string    `yaml:"language"`
	SystemPrompt string    `yaml:"system_prompt"`
	VAD          VADTuning `yaml:"vad"`

	Direction DirectionPolicy `yaml:"direction"`
	Routing   RoutingType     `yaml:"routing"`

	// ForwardTo is the hand-off number, required when Routing is forward.
	ForwardTo string `yaml:"forward_to"`

	Hours *BusinessHours `yaml:"hours"`

	// MaxConcurrentCalls caps simultaneous calls on this agent. Zero means
	// unlimited.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// Primary marks the tenant's fallback agent when no number mapping
	// matches.
	Primary bool `yaml:"primary"`

	// Disabled takes the agent out of rotation without deleting it. Flipped
	// at runtime by the control plane.
	Disabled bool `yaml:"disabled"`

	CreatedAt time.Time `yaml:"created_at"`
}

// Validate checks the agent against the enumerated allowed sets. It returns
// a joined error listing every failure found.
func (a *Agent) Validate() error {
	var errs []error

	if a.ID == "" {
		errs = append(errs, errors.New("routing: agent id is required"))
	}
	if !slices.Contains(AllowedModels, a.Model) {
		errs = append(errs, fmt.Errorf("routing: agent %q: model %q is not in the allowed set", a.ID, a.Model))
	}
	if !slices.Contains(AllowedVoices, a.Voice) {
		errs = append(errs, fmt.Errorf("routing: agent %q: voice %q is not in the allowed set", a.ID, a.Voice))
	}
	if a.Language == "" {
		errs = append(errs, fmt.Errorf("routing: agent %q: language is required", a.ID))
	}
	if !a.Direction.IsValid() {
		errs = append(errs, fmt.Errorf("routing: agent %q: direction %q is not one of inbound/outbound/both", a.ID, a.Direction))
	}
	if !a.Routing.IsValid() {
		errs = append(errs, fmt.Errorf("routing: agent %q: routing %q is not one of direct/menu/forward", a.ID, a.Routing))
	}
	if a.Routing == RoutingForward && a.ForwardTo == "" {
		errs = append(errs, fmt.Errorf("routing: agent %q: forward routing requires forward_to", a.ID))
	}
	if s := a.VAD.StartSensitivity; s != "" && !s.IsValid() {
		errs = append(errs, fmt.Errorf("routing: agent %q: start sensitivity %q is not one of low/med/high", a.ID, s))
	}
	if s := a.VAD.EndSensitivity; s != "" && !s.IsValid() {
		errs = append(errs, fmt.Errorf("routing: agent %q: end sensitivity %q is not one of low/med/high", a.ID, s))
	}
	if a.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("routing: agent %q: max_concurrent_calls must not be negative", a.ID))
	}

	return errors.Join(errs...)
}

// SessionConfig builds the immutable model session configuration for one
// call answered by this agent.
func (a *Agent) SessionConfig() model.Config {
	return model.Config{
		Model:        a.Model,
		Voice:        a.Voice,
		Language:     a.Language,
		SystemPrompt: a.SystemPrompt,
		VAD: model.VADConfig{
			StartSensitivity: a.VAD.StartSensitivity,
			EndSensitivity:   a.VAD.EndSensitivity,
			SilenceDuration:  time.Duration(a.VAD.SilenceDurationMs) * time.Millisecond,
			PrefixPadding:    time.Duration(a.VAD.PrefixPaddingMs) * time.Millisecond,
		},
		InputTranscription:  true,
		OutputTranscription: true,
		// Calls can outlive one connection's budget; declare the sliding
		// window so handovers keep their context.
		SlidingWindowCompression: true,
	}
}

// openAt reports whether the business-hours window contains t. Ambiguous
// windows resolve to open; timezone problems fall back to UTC.
func (h *BusinessHours) openAt(t time.Time, warn func(msg string, args ...any)) bool {
	if h == nil || h.Open == "" || h.Close == "" {
		return true
	}

	loc := time.UTC
	if h.Timezone != "" {
		l, err := time.LoadLocation(h.Timezone)
		if err != nil {
			warn("unknown agent timezone, falling back to UTC", "timezone", h.Timezone, "error", err)
		} else {
			loc = l
		}
	}

	open, err1 := time.Parse("15:04", h.Open)
	clos, err2 := time.Parse("15:04", h.Close)
	if err1 != nil || err2 != nil {
		warn("unparseable business-hours window, treating as open", "open", h.Open, "close", h.Close)
		return true
	}

	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	openM := open.Hour()*60 + open.Minute()
	closM := clos.Hour()*60 + clos.Minute()

	switch {
	case openM == closM:
		// Degenerate window: resolve to open.
		return true
	case openM < closM:
		return minutes >= openM && minutes < closM
	default:
		// Overnight window, e.g. 22:00–06:00.
		return minutes >= openM || minutes < closM
	}
}
