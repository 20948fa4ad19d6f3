package mcp

import "fmt"

// EffectiveServerSet is the per-agent result of merging the global and
// agent-specific server lists. It is immutable once built: accessors
// hand out copies.
type EffectiveServerSet struct {
	byName map[string]ServerDescriptor
	order  []string
}

// Merge combines global and agent-specific descriptors. An agent entry
// replaces the same-named global entry in full; there is no field-wise
// merging. Order is global order (with replacements in place) followed
// by agent-only entries. Every descriptor is normalized first, and a
// name repeated within one scope is a *ConfigError.
func Merge(global, agent []ServerDescriptor) (EffectiveServerSet, error) {
	set := EffectiveServerSet{byName: make(map[string]ServerDescriptor)}

	globals, err := normalizeScope("global", global)
	if err != nil {
		return EffectiveServerSet{}, err
	}
	agents, err := normalizeScope("agent", agent)
	if err != nil {
		return EffectiveServerSet{}, err
	}

	for _, d := range globals {
		set.byName[d.Name] = d
		set.order = append(set.order, d.Name)
	}
	for _, d := range agents {
		if _, exists := set.byName[d.Name]; !exists {
			set.order = append(set.order, d.Name)
		}
		set.byName[d.Name] = d
	}

	plugins := make(map[string]string, len(set.order))
	for _, name := range set.order {
		p := set.byName[name].PluginName
		if other, taken := plugins[p]; taken {
			return EffectiveServerSet{}, &ConfigError{
				Server: name,
				Field:  "plugin_name",
				Reason: fmt.Sprintf("%q already used by server %q", p, other),
			}
		}
		plugins[p] = name
	}

	return set, nil
}

func normalizeScope(scope string, in []ServerDescriptor) ([]ServerDescriptor, error) {
	out := make([]ServerDescriptor, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, d := range in {
		n, err := d.Normalize()
		if err != nil {
			return nil, err
		}
		if seen[n.Name] {
			return nil, &ConfigError{Server: n.Name, Reason: fmt.Sprintf("duplicate name in %s server list", scope)}
		}
		seen[n.Name] = true
		out = append(out, n)
	}
	return out, nil
}

// Get returns a copy of the named descriptor.
func (s EffectiveServerSet) Get(name string) (ServerDescriptor, bool) {
	d, ok := s.byName[name]
	if !ok {
		return ServerDescriptor{}, false
	}
	return d.clone(), true
}

// Names returns server names in merge order.
func (s EffectiveServerSet) Names() []string {
	return append([]string(nil), s.order...)
}

// Descriptors returns copies of all descriptors in merge order.
func (s EffectiveServerSet) Descriptors() []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name].clone())
	}
	return out
}

// Len returns the number of servers in the set.
func (s EffectiveServerSet) Len() int {
	return len(s.order)
}
