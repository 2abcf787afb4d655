package flow

import "fmt"

// Key sets mirrored from original_source/tasks/_schema.py.
var (
	RequiredTopKeys = map[string]bool{"name": true, "description": true, "stages": true}
	ValidTopKeys    = map[string]bool{
		"name": true, "description": true, "stages": true,
		"inherits": true, "dead_ends": true, "shortcuts": true,
	}
	RequiredStageKeys = map[string]bool{"description": true}
	ValidStageKeys    = map[string]bool{
		"description": true, "next": true, "fail": true, "alt_next": true,
		"workers": true, "requires": true, "terminal": true, "skip": true,
		"parked": true, "spawns": true, "protocol": true,
		"context": true, "context_template": true,
	}
)

// rawFlowFile is the direct YAML shape of one flow file.
type rawFlowFile struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Stages      map[string]rawStage    `yaml:"stages"`
	Inherits    string                 `yaml:"inherits"`
	DeadEnds    []string               `yaml:"dead_ends"`
	Shortcuts   map[string]interface{} `yaml:"shortcuts"`
}

type rawStage struct {
	Description     string   `yaml:"description"`
	Next            string   `yaml:"next"`
	Fail            string   `yaml:"fail"`
	AltNext         string   `yaml:"alt_next"`
	Workers         []string `yaml:"workers"`
	Requires        []string `yaml:"requires"`
	Terminal        bool     `yaml:"terminal"`
	Skip            bool     `yaml:"skip"`
	Parked          bool     `yaml:"parked"`
	Spawns          string   `yaml:"spawns"`
	Protocol        string   `yaml:"protocol"`
	Context         string   `yaml:"context"`
	ContextTemplate string   `yaml:"context_template"`
}

// validateTopKeys checks presence against a raw generic map decoded
// alongside the typed struct, catching unknown top-level keys the typed
// struct would otherwise silently ignore.
func validateTopKeys(raw map[string]interface{}) error {
	for k := range RequiredTopKeys {
		if _, ok := raw[k]; !ok {
			return fmt.Errorf("missing required top-level key %q", k)
		}
	}
	for k := range raw {
		if !ValidTopKeys[k] {
			return fmt.Errorf("unknown top-level key %q", k)
		}
	}
	return nil
}

func validateStageKeys(name string, raw map[string]interface{}) error {
	for k := range RequiredStageKeys {
		if _, ok := raw[k]; !ok {
			return fmt.Errorf("stage %q: missing required key %q", name, k)
		}
	}
	for k := range raw {
		if !ValidStageKeys[k] {
			return fmt.Errorf("stage %q: unknown key %q", name, k)
		}
	}
	return nil
}
