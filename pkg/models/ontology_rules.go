package models

import (
	"slices"
	"sort"
)

// Derived entity states.
const (
	StateUndiscovered = "undiscovered"
	StateDisclosed    = "disclosed"
	StateExploited    = "exploited"
	StatePatched      = "patched"
)

// Event types recognized by the default rules.
const (
	EventTypeDisclosure = "disclosure"
	EventTypeExploit    = "exploit"
	EventTypePatch      = "patch"
)

// OntologyRules carries the domain vocabulary the engine is parameterized by:
// which predicates denote relationships, which predicates materialize events,
// and how state-defining event types map onto states.
type OntologyRules struct {
	RelationshipPredicates []string          `yaml:"relationship_predicates" json:"relationship_predicates"`
	EventPredicates        map[string]string `yaml:"event_predicates" json:"event_predicates"` // predicate -> event type
	StateRules             map[string]string `yaml:"state_rules" json:"state_rules"`           // event type -> state
	DefaultState           string            `yaml:"default_state" json:"default_state"`
}

// DefaultOntologyRules returns the built-in cybersecurity vocabulary.
func DefaultOntologyRules() *OntologyRules {
	return &OntologyRules{
		RelationshipPredicates: []string{
			"exploits",
			"uses",
			"mitigates",
			"targets",
			"subtechnique_of",
			"belongs_to_tactic",
			"detects",
			"attributed_to",
			"delivers",
			"variant_of",
			"related_to",
			"indicates",
		},
		EventPredicates: map[string]string{
			"disclosed":             EventTypeDisclosure,
			"published":             EventTypeDisclosure,
			"exploited":             EventTypeExploit,
			"exploited_in_the_wild": EventTypeExploit,
			"patched":               EventTypePatch,
			"fixed":                 EventTypePatch,
		},
		StateRules: map[string]string{
			EventTypeDisclosure: StateDisclosed,
			EventTypeExploit:    StateExploited,
			EventTypePatch:      StatePatched,
		},
		DefaultState: StateUndiscovered,
	}
}

// IsRelationship reports whether predicate links two entities.
func (r *OntologyRules) IsRelationship(predicate string) bool {
	return slices.Contains(r.RelationshipPredicates, predicate)
}

// EventTypeFor returns the event type an accepted assertion with this
// predicate materializes, if any.
func (r *OntologyRules) EventTypeFor(predicate string) (string, bool) {
	t, ok := r.EventPredicates[predicate]
	return t, ok
}

// PredicateFor returns a predicate that materializes eventType, choosing the
// lexically first when several do.
func (r *OntologyRules) PredicateFor(eventType string) (string, bool) {
	var found []string
	for p, t := range r.EventPredicates {
		if t == eventType {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Strings(found)
	return found[0], true
}

// StateFor returns the state a state-defining event type produces.
func (r *OntologyRules) StateFor(eventType string) (string, bool) {
	s, ok := r.StateRules[eventType]
	return s, ok
}

// StateDefiningTypes returns the configured state-defining event types, sorted.
func (r *OntologyRules) StateDefiningTypes() []string {
	types := make([]string, 0, len(r.StateRules))
	for t := range r.StateRules {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// InitialState is the state of an entity with no qualifying events.
func (r *OntologyRules) InitialState() string {
	if r.DefaultState == "" {
		return StateUndiscovered
	}
	return r.DefaultState
}
