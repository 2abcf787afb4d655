package flow

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadRaw parses one flow YAML document from b, validating top-level and
// stage-level keys against the schema.
func loadRaw(name string, b []byte) (*rawFlowFile, error) {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("flow %q: parse: %w", name, err)
	}
	if err := validateTopKeys(generic); err != nil {
		return nil, fmt.Errorf("flow %q: %w", name, err)
	}
	rawStages, _ := generic["stages"].(map[string]interface{})
	for stageName, rs := range rawStages {
		m, ok := rs.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("flow %q: stage %q is not a mapping", name, stageName)
		}
		if err := validateStageKeys(stageName, m); err != nil {
			return nil, fmt.Errorf("flow %q: %w", name, err)
		}
	}

	var typed rawFlowFile
	if err := yaml.Unmarshal(b, &typed); err != nil {
		return nil, fmt.Errorf("flow %q: decode: %w", name, err)
	}
	if typed.Name == "" {
		typed.Name = name
	}
	return &typed, nil
}

// mergeStages shallow-merges override's stages over base's: an overriding
// stage entirely replaces the base stage of the same name (shallow merge
// per-stage, not per-field), matching original_source's _merge_stages.
func mergeStages(base, override map[string]rawStage) map[string]rawStage {
	out := make(map[string]rawStage, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// resolveInheritance walks the `inherits` chain via lookup, merging child
// stages over the resolved parent's.
func resolveInheritance(name string, file *rawFlowFile, lookup func(string) (*rawFlowFile, error), seen map[string]bool) (*rawFlowFile, error) {
	if file.Inherits == "" {
		return file, nil
	}
	if seen[file.Inherits] {
		return nil, fmt.Errorf("flow %q: inheritance cycle via %q", name, file.Inherits)
	}
	seen[file.Inherits] = true

	parent, err := lookup(file.Inherits)
	if err != nil {
		return nil, fmt.Errorf("flow %q: inherits unknown flow %q: %w", name, file.Inherits, err)
	}
	resolvedParent, err := resolveInheritance(file.Inherits, parent, lookup, seen)
	if err != nil {
		return nil, err
	}

	merged := *file
	merged.Stages = mergeStages(resolvedParent.Stages, file.Stages)
	if merged.Description == "" {
		merged.Description = resolvedParent.Description
	}
	if len(merged.DeadEnds) == 0 {
		merged.DeadEnds = resolvedParent.DeadEnds
	}
	merged.Inherits = ""
	return &merged, nil
}

// build converts a fully inheritance-resolved rawFlowFile into a Flow,
// validating that every next/fail/alt_next reference names a known stage
// and, when protocolDir is set, that protocol/context_template files
// exist. Spawns values are not checked.
func build(raw *rawFlowFile, protocolDir string) (*Flow, error) {
	if len(raw.Stages) == 0 {
		return nil, fmt.Errorf("flow %q: stages must be non-empty", raw.Name)
	}
	f := &Flow{
		Name:        raw.Name,
		Description: raw.Description,
		Stages:      make(map[string]*Stage, len(raw.Stages)),
		DeadEnds:    make(map[string]bool, len(raw.DeadEnds)),
	}
	for _, d := range raw.DeadEnds {
		f.DeadEnds[d] = true
	}

	names := make([]string, 0, len(raw.Stages))
	for name := range raw.Stages {
		names = append(names, name)
	}
	// Deterministic order: declaration order isn't recoverable from a Go
	// map decode, so we fall back to a stable lexical order for render_dag.
	sortStrings(names)
	f.Order = names

	for name, rs := range raw.Stages {
		f.Stages[name] = &Stage{
			Name: name, Description: rs.Description, Next: rs.Next, Fail: rs.Fail,
			AltNext: rs.AltNext, Workers: rs.Workers, Requires: rs.Requires,
			Terminal: rs.Terminal, Skip: rs.Skip, Parked: rs.Parked,
			Spawns: rs.Spawns, Protocol: rs.Protocol, Context: rs.Context,
			ContextTemplate: rs.ContextTemplate,
		}
	}

	for name, st := range f.Stages {
		for label, target := range map[string]string{"next": st.Next, "fail": st.Fail, "alt_next": st.AltNext} {
			if target == "" {
				continue
			}
			if _, ok := f.Stages[target]; !ok {
				return nil, fmt.Errorf("flow %q: stage %q: %s references unknown stage %q", f.Name, name, label, target)
			}
		}
		if !st.Terminal && !st.Skip && !st.Parked && st.Next == "" {
			return nil, fmt.Errorf("flow %q: stage %q: missing next (not terminal/skip/parked)", f.Name, name)
		}
		if st.Protocol != "" && protocolDir != "" {
			if _, err := os.Stat(filepath.Join(protocolDir, st.Protocol)); err != nil {
				return nil, fmt.Errorf("flow %q: stage %q: protocol file %q not found", f.Name, name, st.Protocol)
			}
		}
		if st.ContextTemplate != "" && protocolDir != "" {
			if _, err := os.Stat(filepath.Join(protocolDir, st.ContextTemplate)); err != nil {
				return nil, fmt.Errorf("flow %q: stage %q: context_template %q not found", f.Name, name, st.ContextTemplate)
			}
		}
	}
	return f, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// readFlowFile reads "<name>.yaml" from dirFS. Base flows (loaded only via
// `inherits`) are named with a leading underscore already included in name,
// matching original_source's base-flow filename convention.
func readFlowFile(dirFS fs.FS, name string) ([]byte, error) {
	return fs.ReadFile(dirFS, name+".yaml")
}

// listFlowFiles globs every top-level *.yaml file in dirFS whose name does
// not start with '_' (those are base flows, only loaded via `inherits`).
func listFlowFiles(dirFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(dirFS, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		if strings.HasPrefix(e.Name(), "_") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}
