package routes

import (
	"fmt"

	"github.com/marcelsud/webhook-relay/webhook"
)

/* Table resolves event sources to destinations
 * Built once from a resolved configuration and never mutated,
 * so it is safe for concurrent use without locking
 */
type Table struct {
	destinations []Destination
	byName       map[string]Destination
	rules        []DeliveryRule
}

// NewTable validates destinations and rules and returns the lookup table
func NewTable(destinations []Destination, rules []DeliveryRule) (*Table, error) {
	t := &Table{
		destinations: make([]Destination, 0, len(destinations)),
		byName:       make(map[string]Destination, len(destinations)),
		rules:        make([]DeliveryRule, 0, len(rules)),
	}

	for _, d := range destinations {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("validating destination: %w", err)
		}
		if _, dup := t.byName[d.Name]; dup {
			return nil, fmt.Errorf("validating destination: %w: duplicate destination name %s", webhook.ErrConfig, d.Name)
		}
		t.byName[d.Name] = d
		t.destinations = append(t.destinations, d)
	}

	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("validating rule %d: %w", i, err)
		}
		if _, ok := t.byName[r.Destination]; !ok {
			return nil, fmt.Errorf("validating rule %d: %w: source %s references unknown destination %s",
				i, webhook.ErrConfig, r.Source, r.Destination)
		}
		t.rules = append(t.rules, r)
	}

	return t, nil
}

/* Match returns the destinations an event from source must be delivered to
 * Exact source rules win; wildcard rules apply only when no exact rule matched
 * The result follows rule declaration order and holds each destination once
 */
func (t *Table) Match(source string) []Destination {
	matched := t.collect(func(r DeliveryRule) bool { return !r.IsWildcard() && r.Source == source })
	if len(matched) == 0 {
		matched = t.collect(DeliveryRule.IsWildcard)
	}
	return matched
}

func (t *Table) collect(pred func(DeliveryRule) bool) []Destination {
	var out []Destination
	seen := make(map[string]struct{})
	for _, r := range t.rules {
		if !pred(r) {
			continue
		}
		if _, dup := seen[r.Destination]; dup {
			continue
		}
		seen[r.Destination] = struct{}{}
		out = append(out, t.byName[r.Destination])
	}
	return out
}

// Get retrieves a destination by name
func (t *Table) Get(name string) (Destination, error) {
	d, ok := t.byName[name]
	if !ok {
		return Destination{}, fmt.Errorf("destination not found: %s", name)
	}
	return d, nil
}

// Destinations returns destinations in declaration order
func (t *Table) Destinations() []Destination {
	out := make([]Destination, len(t.destinations))
	copy(out, t.destinations)
	return out
}

// Rules returns rules in declaration order
func (t *Table) Rules() []DeliveryRule {
	out := make([]DeliveryRule, len(t.rules))
	copy(out, t.rules)
	return out
}
