// Package control is the in-process operational control plane. Operators
// (or an admin surface wired on top) submit commands onto a channel; a
// single consumer goroutine applies them to the orchestrator and the routing
// resolver. Commands are applied in submission order.
package control

import (
	"context"
	"fmt"
	"log/slog"
)

// Scope selects what an emergency stop applies to.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeAgent  Scope = "agent"
	ScopeCall   Scope = "call"
)

// IsValid reports whether s is a recognised stop scope.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeTenant, ScopeAgent, ScopeCall:
		return true
	}
	return false
}

// CallStopper ends live calls. Implemented by the call orchestrator.
type CallStopper interface {
	StopCall(callID string) bool
	StopAgent(agentID string) int
	StopTenant(tenant string) int
}

// AgentToggler flips agents in and out of rotation. Implemented by the
// routing resolver.
type AgentToggler interface {
	SetAgentEnabled(agentID string, enabled bool) bool
}

// kind discriminates the command union.
type kind int

const (
	kindEmergencyStop kind = iota
	kindToggleAgent
)

// command is one queued control operation.
type command struct {
	kind   kind
	scope  Scope
	id     string
	active bool
	done   chan result
}

// Result reports what a command did.
type Result struct {
	// Stopped is the number of calls ended by an emergency stop.
	Stopped int

	// Applied is false when the target was unknown (toggle of an
	// unconfigured agent, stop of a finished call).
	Applied bool
}

type result struct {
	res Result
	err error
}

// Plane is the control channel consumer. Create with New, start with Run.
type Plane struct {
	stopper CallStopper
	toggler AgentToggler
	log     *slog.Logger
	cmds    chan command
}

// Option is a functional option for Plane.
type Option func(*Plane)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Plane) { p.log = l }
}

// New creates a control plane over the orchestrator and resolver.
func New(stopper CallStopper, toggler AgentToggler, opts ...Option) *Plane {
	p := &Plane{
		stopper: stopper,
		toggler: toggler,
		log:     slog.Default(),
		cmds:    make(chan command, 16),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run consumes commands until ctx is cancelled. Commands submitted after
// cancellation fail with the context error.
func (p *Plane) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-p.cmds:
			cmd.done <- p.apply(cmd)
		}
	}
}

// EmergencyStop ends every live call in scope: one call, every call on an
// agent, or every call of a tenant. Blocks until the consumer applied the
// command or ctx is cancelled.
func (p *Plane) EmergencyStop(ctx context.Context, scope Scope, id string) (Result, error) {
	if !scope.IsValid() {
		return Result{}, fmt.Errorf("control: invalid stop scope %q", scope)
	}
	if id == "" {
		return Result{}, fmt.Errorf("control: stop target id is required")
	}
	return p.submit(ctx, command{kind: kindEmergencyStop, scope: scope, id: id})
}

// ToggleAgent flips an agent in or out of rotation. Disabling does not end
// the agent's live calls; pair with EmergencyStop for that.
func (p *Plane) ToggleAgent(ctx context.Context, agentID string, active bool) (Result, error) {
	if agentID == "" {
		return Result{}, fmt.Errorf("control: agent id is required")
	}
	return p.submit(ctx, command{kind: kindToggleAgent, id: agentID, active: active})
}

func (p *Plane) submit(ctx context.Context, cmd command) (Result, error) {
	cmd.done = make(chan result, 1)
	select {
	case p.cmds <- cmd:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("control: submit: %w", ctx.Err())
	}
	select {
	case r := <-cmd.done:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("control: await: %w", ctx.Err())
	}
}

func (p *Plane) apply(cmd command) result {
	switch cmd.kind {
	case kindEmergencyStop:
		return p.applyStop(cmd)
	case kindToggleAgent:
		applied := p.toggler.SetAgentEnabled(cmd.id, cmd.active)
		if !applied {
			p.log.Warn("toggle for unknown agent", "agent_id", cmd.id)
		} else {
			p.log.Info("agent toggled", "agent_id", cmd.id, "active", cmd.active)
		}
		return result{res: Result{Applied: applied}}
	default:
		return result{err: fmt.Errorf("control: unknown command kind %d", cmd.kind)}
	}
}

func (p *Plane) applyStop(cmd command) result {
	var stopped int
	applied := true
	switch cmd.scope {
	case ScopeCall:
		if p.stopper.StopCall(cmd.id) {
			stopped = 1
		} else {
			applied = false
		}
	case ScopeAgent:
		stopped = p.stopper.StopAgent(cmd.id)
	case ScopeTenant:
		stopped = p.stopper.StopTenant(cmd.id)
	}
	p.log.Warn("emergency stop applied", "scope", cmd.scope, "id", cmd.id, "stopped", stopped)
	return result{res: Result{Stopped: stopped, Applied: applied}}
}
