package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScoringWeights are the tables used by the priority and escalation engines
type ScoringWeights struct {
	IssueTypeWeights    map[string]int `yaml:"issue_type_weights"`
	DefaultTypeWeight   int            `yaml:"default_type_weight"`
	SafetyCriticalTypes []string       `yaml:"safety_critical_types"`
}

// DefaultScoringWeights returns the built-in tables
func DefaultScoringWeights() *ScoringWeights {
	return &ScoringWeights{
		IssueTypeWeights: map[string]int{
			"Safety":         30,
			"Safety Concern": 30,
			"Public Safety":  30,
			"Traffic":        20,
			"Roadblock":      20,
			"Power":          15,
			"Water":          15,
			"Infrastructure": 10,
			"Other":          5,
		},
		DefaultTypeWeight:   5,
		SafetyCriticalTypes: []string{"Safety", "Safety Concern", "Public Safety"},
	}
}

// LoadScoringWeights reads a YAML file on top of the defaults. An empty path
// returns the defaults.
func LoadScoringWeights(path string) (*ScoringWeights, error) {
	weights := DefaultScoringWeights()
	if path == "" {
		return weights, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring weights: %w", err)
	}

	var override ScoringWeights
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse scoring weights: %w", err)
	}

	for k, v := range override.IssueTypeWeights {
		weights.IssueTypeWeights[k] = v
	}
	if override.DefaultTypeWeight > 0 {
		weights.DefaultTypeWeight = override.DefaultTypeWeight
	}
	if len(override.SafetyCriticalTypes) > 0 {
		weights.SafetyCriticalTypes = override.SafetyCriticalTypes
	}
	return weights, nil
}
