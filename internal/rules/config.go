// Package rules implements the declarative interlocking rule engine: a loaded document
// mapping each controlled signal to the controllers and conditions that gate its aspects,
// plus the composite-aspect matching used to evaluate it.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trackguard/interlocking/internal/domain"
)

// documentEntry is the on-disk shape of one signal's rule record.
type documentEntry struct {
	Type        string                       `yaml:"type"`
	Independent bool                         `yaml:"independent"`
	ControlMode string                       `yaml:"control_mode"`
	ControlledBy []string                    `yaml:"controlled_by"`
	Rules       []documentRule               `yaml:"rules"`
}

type documentRule struct {
	WhenAspect string              `yaml:"when_aspect"`
	Conditions []documentCondition `yaml:"conditions"`
	Allows     map[string][]string `yaml:"allows"`
}

type documentCondition struct {
	PointMachine string `yaml:"point_machine"`
	Position     string `yaml:"position"`
}

// Document is the parsed form of the rule configuration, keyed by signal_id.
type Document map[string]documentEntry

// LoadFile parses a rule document from a YAML file on disk.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a rule document from YAML bytes.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: parse document: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("rules: document has no signal entries")
	}
	for id, entry := range doc {
		if !entry.Independent && entry.ControlMode != "AND" && entry.ControlMode != "OR" {
			return nil, fmt.Errorf("rules: signal %s: control_mode must be AND or OR, got %q", id, entry.ControlMode)
		}
	}
	return doc, nil
}

// toSignalRules converts one document entry into the domain record the validator consumes.
func toSignalRules(signalID string, e documentEntry) domain.SignalRules {
	sr := domain.SignalRules{
		SignalID:     signalID,
		Type:         domain.SignalType(e.Type),
		Independent:  e.Independent,
		ControlMode:  domain.ControlMode(e.ControlMode),
		ControlledBy: e.ControlledBy,
	}
	for _, r := range e.Rules {
		rule := domain.InterlockingRule{
			WhenAspect: r.WhenAspect,
			Allows:     r.Allows,
		}
		for _, c := range r.Conditions {
			rule.Conditions = append(rule.Conditions, domain.PointCondition{
				PointMachine: c.PointMachine,
				Position:     domain.PointPosition(c.Position),
			})
		}
		sr.Rules = append(sr.Rules, rule)
	}
	return sr
}

// AsSignalRules converts every entry in the document into domain.SignalRules, the shape the
// Store Gateway's ListSignalRules also returns — letting the engine load from either source
// uniformly.
func (d Document) AsSignalRules() []*domain.SignalRules {
	out := make([]*domain.SignalRules, 0, len(d))
	for id, e := range d {
		sr := toSignalRules(id, e)
		out = append(out, &sr)
	}
	return out
}
