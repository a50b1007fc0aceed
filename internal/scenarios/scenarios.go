// Package scenarios ships a small embedded catalogue of demo research
// queries, used by the UI and by smoke tests to exercise each subsystem.
package scenarios

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalogue.yaml
var catalogueFile embed.FS

// Scenario is one canned research query with the tools it is expected to
// exercise.
type Scenario struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description"`
	Query         string   `yaml:"query" json:"query"`
	Category      string   `yaml:"category" json:"category"`
	ExpectedTools []string `yaml:"expected_tools" json:"expected_tools"`
}

type catalogue struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

var loaded []Scenario

func init() {
	raw, err := catalogueFile.ReadFile("catalogue.yaml")
	if err != nil {
		panic(fmt.Sprintf("scenarios: reading embedded catalogue: %v", err))
	}
	var parsed catalogue
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		panic(fmt.Sprintf("scenarios: parsing embedded catalogue: %v", err))
	}
	loaded = parsed.Scenarios
}

// All returns the full catalogue in file order.
func All() []Scenario {
	out := make([]Scenario, len(loaded))
	copy(out, loaded)
	return out
}

// ByID looks up one scenario.
func ByID(id string) (Scenario, bool) {
	for _, scenario := range loaded {
		if scenario.ID == id {
			return scenario, true
		}
	}
	return Scenario{}, false
}

// Categories returns the distinct categories in first-seen order.
func Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, scenario := range loaded {
		if _, ok := seen[scenario.Category]; ok {
			continue
		}
		seen[scenario.Category] = struct{}{}
		out = append(out, scenario.Category)
	}
	return out
}
