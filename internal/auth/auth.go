// Package auth holds the agent-class registry: valid classes, their
// capabilities, model whitelists, and staleness thresholds. Classes are
// normally loaded from a YAML registry file (_agent-classes.yaml) the same
// way original_source/tasks/agent_classes.py loads one, with a hardcoded
// fallback table used until the registry is first loaded — this module
// has no built-in auth beyond these env-asserted class tags (spec.md §1
// Non-goals).
package auth

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Capability names (spec.md GLOSSARY).
const (
	CapManage     = "manage"
	CapCode       = "code"
	CapBuild      = "build"
	CapReview     = "review"
	CapTest       = "test"
	CapInvestigate = "investigate"
	CapPlan       = "plan"
	CapMonitor    = "monitor"
	CapMemory     = "memory"
	CapEngineer   = "engineer"
)

var defaultCapabilities = []string{
	CapManage, CapCode, CapBuild, CapReview, CapTest,
	CapInvestigate, CapPlan, CapMonitor, CapMemory, CapEngineer,
}

// ClassDef is one entry of the loaded registry.
type ClassDef struct {
	Capabilities []string `yaml:"capabilities"`
	Models       []string `yaml:"models"`
	StalenessSec int      `yaml:"staleness_seconds"`
	Briefing     string   `yaml:"briefing_file"`
}

type registryFile struct {
	Capabilities []string            `yaml:"capabilities"`
	Classes      map[string]ClassDef `yaml:"classes"`
}

// defaultClasses matches original_source/auth.py's hardcoded fallback:
// VALID_CLASSES and CLASS_STALENESS_SECONDS exactly.
var defaultClasses = map[string]ClassDef{
	"lead":     {Capabilities: []string{CapManage, CapPlan, CapMonitor}, StalenessSec: 900, Briefing: "protocol-lead.md"},
	"coder":    {Capabilities: []string{CapCode}, StalenessSec: 300, Briefing: "protocol-coder.md"},
	"builder":  {Capabilities: []string{CapBuild, CapTest}, StalenessSec: 300, Briefing: "protocol-builder.md"},
	"oracle":   {Capabilities: []string{CapReview}, StalenessSec: 1800, Briefing: "protocol-oracle.md"},
	"recon":    {Capabilities: []string{CapInvestigate}, StalenessSec: 300, Briefing: "protocol-recon.md"},
	"planner":  {Capabilities: []string{CapPlan}, StalenessSec: 900, Briefing: "protocol-planner.md"},
	"auditor":  {Capabilities: []string{CapReview, CapTest}, StalenessSec: 300, Briefing: "protocol-auditor.md"},
}

// Registry is a process-wide, lazily-loaded, test-resettable singleton
// holding the class table (spec.md §9 "Global mutable state").
type Registry struct {
	mu           sync.RWMutex
	loaded       bool
	classes      map[string]ClassDef
	capabilities []string
}

var shared = &Registry{}

// Shared returns the process-wide registry.
func Shared() *Registry { return shared }

// ResetForTest clears the loaded state so tests can load a fresh registry.
func (r *Registry) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.classes = nil
	r.capabilities = nil
}

// LoadFromFile parses a registry YAML file. Hard-fails (as the original
// does) if capabilities or classes are empty, or a class declares a
// capability outside the valid set.
func (r *Registry) LoadFromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read class registry %s: %w", path, err)
	}
	var rf registryFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return fmt.Errorf("parse class registry %s: %w", path, err)
	}
	if len(rf.Capabilities) == 0 {
		return fmt.Errorf("class registry %s: capabilities list must be non-empty", path)
	}
	if len(rf.Classes) == 0 {
		return fmt.Errorf("class registry %s: classes map must be non-empty", path)
	}
	validCap := make(map[string]bool, len(rf.Capabilities))
	for _, c := range rf.Capabilities {
		validCap[c] = true
	}
	for name, def := range rf.Classes {
		for _, c := range def.Capabilities {
			if !validCap[c] {
				return fmt.Errorf("class registry %s: class %q has unknown capability %q", path, name, c)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = rf.Classes
	r.capabilities = rf.Capabilities
	r.loaded = true
	return nil
}

func (r *Registry) ensureLoaded() {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return
	}
	r.classes = defaultClasses
	r.capabilities = defaultCapabilities
	r.loaded = true
}

// ValidClasses returns the set of class names currently recognized.
func (r *Registry) ValidClasses() map[string]bool {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.classes))
	for name := range r.classes {
		out[name] = true
	}
	return out
}

func (r *Registry) IsValidClass(class string) bool {
	return r.ValidClasses()[class]
}

// ClassDef returns the definition for a class, or false if unknown.
func (r *Registry) ClassDef(class string) (ClassDef, bool) {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.classes[class]
	return d, ok
}

// StalenessThreshold returns the class's context-staleness threshold, in
// seconds; 300 if the class is unknown (matches the original's permissive
// fallback rather than erroring inside a read path).
func (r *Registry) StalenessThreshold(class string) int {
	if d, ok := r.ClassDef(class); ok && d.StalenessSec > 0 {
		return d.StalenessSec
	}
	return 300
}

// ModelAllowed reports whether model is in class's whitelist. An empty
// whitelist means any model is allowed.
func (r *Registry) ModelAllowed(class, model string) bool {
	if model == "" {
		return true
	}
	d, ok := r.ClassDef(class)
	if !ok || len(d.Models) == 0 {
		return true
	}
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// HasCapability reports whether class grants capability.
func (r *Registry) HasCapability(class, capability string) bool {
	d, ok := r.ClassDef(class)
	if !ok {
		return false
	}
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ClassesWith returns every class name that grants capability, sorted for
// determinism is left to the caller.
func (r *Registry) ClassesWith(capability string) []string {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, def := range r.classes {
		for _, c := range def.Capabilities {
			if c == capability {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// BriefingFile returns the class's onboarding briefing filename, or "" if
// the class is unknown or declares none.
func (r *Registry) BriefingFile(class string) string {
	d, ok := r.ClassDef(class)
	if !ok {
		return ""
	}
	return d.Briefing
}
