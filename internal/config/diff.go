package config

import (
	"reflect"

	"github.com/voicegate-ai/voicegate/internal/routing"
)

// TableDiff describes what changed between two routing tables. Everything in
// the table is hot-reloadable; in-flight calls keep the agent snapshot they
// resolved with.
type TableDiff struct {
	AgentsChanged    bool
	AgentChanges     []AgentDiff
	NumbersChanged   bool
	DoNotCallChanged bool
}

// AgentDiff describes what changed for a single agent between two tables.
type AgentDiff struct {
	ID             string
	PersonaChanged bool // model, voice, language, prompt, or VAD tuning
	RoutingChanged bool // direction, routing type, hours, limits, flags
	Added          bool
	Removed        bool
}

// Empty reports whether the diff records no change at all.
func (d TableDiff) Empty() bool {
	return !d.AgentsChanged && !d.NumbersChanged && !d.DoNotCallChanged
}

// DiffTables compares old and new routing tables and returns what changed.
func DiffTables(old, new *routing.Table) TableDiff {
	d := TableDiff{}

	if !reflect.DeepEqual(old.Numbers, new.Numbers) {
		d.NumbersChanged = true
	}
	if !reflect.DeepEqual(old.DoNotCall, new.DoNotCall) {
		d.DoNotCallChanged = true
	}

	oldAgents := make(map[string]*routing.Agent, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = &old.Agents[i]
	}
	newAgents := make(map[string]*routing.Agent, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = &new.Agents[i]
	}

	for i := range new.Agents {
		na := &new.Agents[i]
		oa, ok := oldAgents[na.ID]
		if !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: na.ID, Added: true})
			continue
		}
		ad := AgentDiff{ID: na.ID}
		if oa.Model != na.Model || oa.Voice != na.Voice || oa.Language != na.Language ||
			oa.SystemPrompt != na.SystemPrompt || !reflect.DeepEqual(oa.VAD, na.VAD) {
			ad.PersonaChanged = true
		}
		if oa.Direction != na.Direction || oa.Routing != na.Routing ||
			oa.ForwardTo != na.ForwardTo || !reflect.DeepEqual(oa.Hours, na.Hours) ||
			oa.MaxConcurrentCalls != na.MaxConcurrentCalls ||
			oa.Primary != na.Primary || oa.Disabled != na.Disabled {
			ad.RoutingChanged = true
		}
		if ad.PersonaChanged || ad.RoutingChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
		}
	}

	for i := range old.Agents {
		if _, ok := newAgents[old.Agents[i].ID]; !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: old.Agents[i].ID, Removed: true})
		}
	}

	d.AgentsChanged = len(d.AgentChanges) > 0
	return d
}
