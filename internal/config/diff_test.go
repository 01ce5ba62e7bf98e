package config_test

import (
	"testing"
	"time"

	"github.com/voicegate-ai/voicegate/internal/config"
	"github.com/voicegate-ai/voicegate/internal/routing"
)

func baseTable() *routing.Table {
	return &routing.Table{
		Tenant:    "acme",
		DoNotCall: []string{"+15550009999"},
		Numbers:   map[string]string{"+1555000": "sales"},
		Agents: []routing.Agent{{
			ID:           "sales",
			TenantID:     "acme",
			Model:        "gemini-live-2.5-flash-preview",
			Voice:        "Puck",
			Language:     "en-US",
			SystemPrompt: "You sell things.",
			Direction:    routing.DirectionBoth,
			Routing:      routing.RoutingDirect,
			CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
	}
}

func TestDiffTables_NoChange(t *testing.T) {
	t.Parallel()
	d := config.DiffTables(baseTable(), baseTable())
	if !d.Empty() {
		t.Errorf("diff of identical tables = %+v, want empty", d)
	}
}

func TestDiffTables_PersonaChange(t *testing.T) {
	t.Parallel()
	updated := baseTable()
	updated.Agents[0].Voice = "Charon"

	d := config.DiffTables(baseTable(), updated)
	if !d.AgentsChanged || len(d.AgentChanges) != 1 {
		t.Fatalf("diff = %+v, want one agent change", d)
	}
	ad := d.AgentChanges[0]
	if ad.ID != "sales" || !ad.PersonaChanged || ad.RoutingChanged {
		t.Errorf("agent diff = %+v, want persona-only change on sales", ad)
	}
}

func TestDiffTables_RoutingChange(t *testing.T) {
	t.Parallel()
	updated := baseTable()
	updated.Agents[0].MaxConcurrentCalls = 3

	d := config.DiffTables(baseTable(), updated)
	if len(d.AgentChanges) != 1 || !d.AgentChanges[0].RoutingChanged {
		t.Errorf("diff = %+v, want routing change", d)
	}
	if d.AgentChanges[0].PersonaChanged {
		t.Error("concurrency bump flagged as persona change")
	}
}

func TestDiffTables_AddAndRemove(t *testing.T) {
	t.Parallel()
	updated := baseTable()
	updated.Agents = append(updated.Agents, routing.Agent{
		ID:        "support",
		Model:     "gemini-live-2.5-flash-preview",
		Voice:     "Kore",
		Language:  "en-US",
		Direction: routing.DirectionInbound,
		Routing:   routing.RoutingDirect,
	})
	updated.Agents = updated.Agents[1:] // drop sales

	d := config.DiffTables(baseTable(), updated)
	if len(d.AgentChanges) != 2 {
		t.Fatalf("diff = %+v, want add + remove", d)
	}
	var added, removed bool
	for _, ad := range d.AgentChanges {
		if ad.ID == "support" && ad.Added {
			added = true
		}
		if ad.ID == "sales" && ad.Removed {
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("diff = %+v, want support added and sales removed", d.AgentChanges)
	}
}

func TestDiffTables_NumbersAndDoNotCall(t *testing.T) {
	t.Parallel()
	updated := baseTable()
	updated.Numbers["+1555001"] = "sales"
	updated.DoNotCall = nil

	d := config.DiffTables(baseTable(), updated)
	if !d.NumbersChanged {
		t.Error("number mapping change not detected")
	}
	if !d.DoNotCallChanged {
		t.Error("do-not-call change not detected")
	}
	if d.AgentsChanged {
		t.Error("agents flagged changed without agent edits")
	}
}
