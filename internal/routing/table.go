package routing

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Table is one tenant's routing configuration: the agents, the
// number-to-agent mappings, and the do-not-call set. It is loaded once at
// startup and treated as shared-immutable; runtime toggles go through the
// Resolver, never through the table.
type Table struct {
	// Tenant identifies the owning tenant.
	Tenant string `yaml:"tenant"`

	// DoNotCall lists E.164 numbers that must never be connected.
	DoNotCall []string `yaml:"do_not_call"`

	// Numbers maps an E.164 number or prefix to an agent ID. When several
	// prefixes match a call, the longest one wins.
	Numbers map[string]string `yaml:"numbers"`

	// Agents are the tenant's personas.
	Agents []Agent `yaml:"agents"`
}

// Load reads the YAML routing table at path and returns a validated Table.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("routing: open %q: %w", path, err)
	}
	defer f.Close()

	t, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("routing: parse %q: %w", path, err)
	}
	return t, nil
}

// LoadFromReader decodes a YAML routing table from r and validates the
// result. Useful in tests where tables are constructed from string literals.
func LoadFromReader(r io.Reader) (*Table, error) {
	t := &Table{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(t); err != nil {
		return nil, fmt.Errorf("routing: decode yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the table for coherence. It returns a joined error listing
// all failures found.
func (t *Table) Validate() error {
	var errs []error

	if t.Tenant == "" {
		errs = append(errs, errors.New("routing: tenant is required"))
	}
	if len(t.Agents) == 0 {
		errs = append(errs, errors.New("routing: at least one agent is required"))
	}

	ids := make(map[string]bool, len(t.Agents))
	primaries := 0
	for i := range t.Agents {
		a := &t.Agents[i]
		if err := a.Validate(); err != nil {
			errs = append(errs, err)
		}
		if ids[a.ID] {
			errs = append(errs, fmt.Errorf("routing: duplicate agent id %q", a.ID))
		}
		ids[a.ID] = true
		if a.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		errs = append(errs, fmt.Errorf("routing: %d agents marked primary, want at most one", primaries))
	}

	for number, agentID := range t.Numbers {
		if number == "" {
			errs = append(errs, errors.New("routing: empty number mapping key"))
		}
		if !ids[agentID] {
			errs = append(errs, fmt.Errorf("routing: number %q maps to unknown agent %q", number, agentID))
		}
	}

	return errors.Join(errs...)
}

// agentByID returns a pointer into the table's agent slice, or nil.
func (t *Table) agentByID(id string) *Agent {
	for i := range t.Agents {
		if t.Agents[i].ID == id {
			return &t.Agents[i]
		}
	}
	return nil
}
