package routing

import (
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voicegate-ai/voicegate/pkg/carrier"
)

// RejectReason says why the resolver declined to connect a call.
type RejectReason string

// Rejection reasons.
const (
	// RejectNone means the call was accepted.
	RejectNone RejectReason = ""

	// RejectDoNotCall means the remote number is on the tenant's
	// do-not-call set.
	RejectDoNotCall RejectReason = "do_not_call"

	// RejectNoAgent means no agent admits this direction inside its
	// business hours.
	RejectNoAgent RejectReason = "no_agent_available"

	// RejectOverloaded means the chosen agent is at its concurrent-call
	// ceiling.
	RejectOverloaded RejectReason = "overloaded"
)

// Decision is the outcome of resolving one call. Exactly one of Agent,
// ForwardTo, or Reject is meaningful.
type Decision struct {
	// Agent is the resolved persona snapshot, nil unless the call was
	// accepted. The snapshot is a value copy: immutable for the call.
	Agent *Agent

	// ForwardTo is the hand-off number when the chosen agent routes by
	// forwarding.
	ForwardTo string

	// Reject is the rejection reason, RejectNone on acceptance or forward.
	Reject RejectReason
}

// ResolverOption is a functional option for configuring a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger. Defaults to slog.Default.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// Resolver applies the routing algorithm and tracks per-agent concurrency.
// All methods are safe for concurrent use.
type Resolver struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	table    *Table          // swapped whole on Reload, never mutated
	active   map[string]int  // agent ID → live call count
	disabled map[string]bool // runtime overrides from the control plane
}

// NewResolver creates a Resolver over a validated table.
func NewResolver(table *Table, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		table:    table,
		log:      slog.Default(),
		now:      time.Now,
		active:   make(map[string]int),
		disabled: make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tenant returns the tenant this resolver routes for.
func (r *Resolver) Tenant() string { return r.snapshot().Tenant }

// Reload swaps in a new validated table. In-flight calls keep their agent
// snapshots; concurrency counts and control-plane overrides carry over by
// agent ID.
func (r *Resolver) Reload(table *Table) {
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
	r.log.Info("routing table reloaded", "tenant", table.Tenant, "agents", len(table.Agents))
}

// snapshot returns the current table pointer. Tables are immutable once
// loaded, so holding the pointer outside the lock is safe.
func (r *Resolver) snapshot() *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table
}

// Resolve decides who answers a call. On acceptance it reserves one
// concurrency slot for the chosen agent; the caller must Release the agent
// ID when the call ends. The decision is deterministic in (direction, to,
// from, now).
func (r *Resolver) Resolve(dir carrier.Direction, to, from string) Decision {
	remote := from
	local := to
	if dir == carrier.Outbound {
		remote = to
		local = from
	}
	tbl := r.snapshot()

	// 1. Do-not-call screen on the remote party.
	if slices.Contains(tbl.DoNotCall, remote) {
		r.log.Info("call rejected by do-not-call set", "tenant", tbl.Tenant, "direction", dir)
		return Decision{Reject: RejectDoNotCall}
	}

	// 2. Agents admitting this direction inside business hours.
	now := r.now()
	eligible := r.eligibleAgents(tbl, dir, now)
	if len(eligible) == 0 {
		return Decision{Reject: RejectNoAgent}
	}

	// 3. Number mapping, longest prefix first; 4. primary; then first by
	// creation time.
	chosen := r.byNumberMapping(tbl, local, eligible)
	if chosen == nil {
		chosen = primaryOf(eligible)
	}
	if chosen == nil {
		chosen = oldestOf(eligible)
	}

	// 5. Forwarding agents never open a model session.
	if chosen.Routing == RoutingForward {
		return Decision{ForwardTo: chosen.ForwardTo}
	}

	// 6. Concurrency ceiling.
	r.mu.Lock()
	defer r.mu.Unlock()
	if chosen.MaxConcurrentCalls > 0 && r.active[chosen.ID] >= chosen.MaxConcurrentCalls {
		return Decision{Reject: RejectOverloaded}
	}
	r.active[chosen.ID]++

	snapshot := *chosen
	return Decision{Agent: &snapshot}
}

// Release returns a concurrency slot reserved by Resolve.
func (r *Resolver) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[agentID] > 0 {
		r.active[agentID]--
	}
}

// ActiveCalls returns the live call count for an agent.
func (r *Resolver) ActiveCalls(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[agentID]
}

// SetAgentEnabled flips an agent in or out of rotation at runtime without
// touching the loaded table. Returns false if the agent is unknown.
func (r *Resolver) SetAgentEnabled(agentID string, enabled bool) bool {
	if r.snapshot().agentByID(agentID) == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[agentID] = !enabled
	return true
}

func (r *Resolver) eligibleAgents(tbl *Table, dir carrier.Direction, now time.Time) []*Agent {
	inbound := dir == carrier.Inbound

	r.mu.Lock()
	overrides := make(map[string]bool, len(r.disabled))
	for id, d := range r.disabled {
		overrides[id] = d
	}
	r.mu.Unlock()

	var out []*Agent
	for i := range tbl.Agents {
		a := &tbl.Agents[i]
		if a.Disabled || overrides[a.ID] {
			continue
		}
		if !a.Direction.Admits(inbound) {
			continue
		}
		if !a.Hours.openAt(now, r.log.Warn) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// byNumberMapping returns the eligible agent named by the most specific
// (longest) number prefix matching number, or nil.
func (r *Resolver) byNumberMapping(tbl *Table, number string, eligible []*Agent) *Agent {
	if number == "" || len(tbl.Numbers) == 0 {
		return nil
	}

	prefixes := make([]string, 0, len(tbl.Numbers))
	for p := range tbl.Numbers {
		prefixes = append(prefixes, p)
	}
	// Longest first; ties broken lexicographically for determinism.
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})

	for _, p := range prefixes {
		if !strings.HasPrefix(number, p) {
			continue
		}
		id := tbl.Numbers[p]
		for _, a := range eligible {
			if a.ID == id {
				return a
			}
		}
	}
	return nil
}

func primaryOf(agents []*Agent) *Agent {
	for _, a := range agents {
		if a.Primary {
			return a
		}
	}
	return nil
}

func oldestOf(agents []*Agent) *Agent {
	out := agents[0]
	for _, a := range agents[1:] {
		if a.CreatedAt.Before(out.CreatedAt) {
			out = a
		}
	}
	return out
}
