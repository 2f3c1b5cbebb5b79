package selfheal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ruleDocument is the YAML layout of a rules file:
//
//	rules:
//	  - id: escalate-critical
//	    service: "*"
//	    condition: errorCount > 20
//	    action: ESCALATE
//	    max_attempts: 4
//	    cooldown: 5m
//	    priority: 1
type ruleDocument struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID              string        `yaml:"id"`
	Service         string        `yaml:"service"`
	Condition       string        `yaml:"condition"`
	Action          string        `yaml:"action"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Cooldown        time.Duration `yaml:"cooldown"`
	CooldownSeconds int           `yaml:"cooldown_seconds"`
	Priority        int           `yaml:"priority"`
	Enabled         *bool         `yaml:"enabled"`
}

// LoadRules decodes recovery rules from YAML. Conditions are parsed here so
// a bad rules file fails at startup rather than inside the recovery loop.
// Rules default to enabled.
func LoadRules(r io.Reader) ([]RecoveryRule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}

	var doc ruleDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}

	rules := make([]RecoveryRule, 0, len(doc.Rules))
	seen := make(map[string]struct{}, len(doc.Rules))
	for i, spec := range doc.Rules {
		action, ok := ParseAction(spec.Action)
		if !ok {
			return nil, fmt.Errorf("%w: rules[%d]: unknown action %q", ErrInvalidRule, i, spec.Action)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, spec.ID)
		}
		seen[spec.ID] = struct{}{}

		cooldown := spec.Cooldown
		if cooldown == 0 && spec.CooldownSeconds > 0 {
			cooldown = time.Duration(spec.CooldownSeconds) * time.Second
		}
		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}

		rule := RecoveryRule{
			ID:          spec.ID,
			ServiceName: spec.Service,
			Condition:   spec.Condition,
			Action:      action,
			MaxAttempts: spec.MaxAttempts,
			Cooldown:    cooldown,
			Priority:    spec.Priority,
			Enabled:     enabled,
		}
		compiled, err := rule.compile(0)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, compiled)
	}

	return rules, nil
}

// LoadRulesFile reads recovery rules from a YAML file.
func LoadRulesFile(path string) ([]RecoveryRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rules file: %w", err)
	}
	defer f.Close()

	return LoadRules(f)
}
