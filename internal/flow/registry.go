package flow

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"
)

//go:embed defaults/*.yaml
var embeddedDefaults embed.FS

// Registry loads and caches Flows by name. The first call for a given
// directory loads every *.yaml file in it; concurrent first-loads for the
// same directory collapse via singleflight, matching original_source's
// "loader caches all flows on first use" behavior.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
	group singleflight.Group

	dir         string // external flows directory, "" to use embedded defaults
	protocolDir string // directory holding protocol/context_template files, "" to skip existence checks
}

// NewRegistry builds a Registry rooted at dir. If dir is "", the bundled
// default flows (internal/flow/defaults) are used instead.
func NewRegistry(dir, protocolDir string) *Registry {
	return &Registry{dir: dir, protocolDir: protocolDir}
}

func (r *Registry) dirFS() (fs.FS, error) {
	if r.dir == "" {
		return fs.Sub(embeddedDefaults, "defaults")
	}
	if info, err := os.Stat(r.dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("flows directory %q not usable: %w", r.dir, err)
	}
	return os.DirFS(r.dir), nil
}

// ensureLoaded loads and resolves every flow file in the registry's
// directory exactly once.
func (r *Registry) ensureLoaded() error {
	r.mu.RLock()
	loaded := r.flows != nil
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	_, err, _ := r.group.Do("load", func() (interface{}, error) {
		r.mu.RLock()
		already := r.flows != nil
		r.mu.RUnlock()
		if already {
			return nil, nil
		}

		dirFS, err := r.dirFS()
		if err != nil {
			return nil, err
		}
		names, err := listFlowFiles(dirFS)
		if err != nil {
			return nil, fmt.Errorf("list flows: %w", err)
		}

		raws := make(map[string]*rawFlowFile, len(names))
		for _, name := range names {
			b, err := readFlowFile(dirFS, name)
			if err != nil {
				return nil, fmt.Errorf("read flow %q: %w", name, err)
			}
			raw, err := loadRaw(name, b)
			if err != nil {
				return nil, err
			}
			raws[name] = raw
		}

		// Inherits values name the base flow's file exactly (including any
		// leading underscore, e.g. "_task-base"), so lookup reads that
		// filename directly rather than re-deriving it.
		lookup := func(want string) (*rawFlowFile, error) {
			if raw, ok := raws[want]; ok {
				return raw, nil
			}
			b, err := readFlowFile(dirFS, want)
			if err != nil {
				return nil, fmt.Errorf("no such base flow %q", want)
			}
			raw, err := loadRaw(want, b)
			if err != nil {
				return nil, err
			}
			raws[want] = raw
			return raw, nil
		}

		flows := make(map[string]*Flow, len(raws))
		for name, raw := range raws {
			resolved, err := resolveInheritance(name, raw, lookup, map[string]bool{})
			if err != nil {
				return nil, err
			}
			f, err := build(resolved, r.protocolDir)
			if err != nil {
				return nil, err
			}
			flows[name] = f
		}

		r.mu.Lock()
		r.flows = flows
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// Get returns the named flow, loading the registry on first use.
func (r *Registry) Get(name string) (*Flow, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	if !ok {
		return nil, fmt.Errorf("unknown flow %q", name)
	}
	return f, nil
}

// Names returns every loaded flow's name, loading the registry on first use.
func (r *Registry) Names() ([]string, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sortStrings(names)
	return names, nil
}

// ResetForTest clears the cache so the next Get/Names reloads from disk.
// For use in tests only.
func (r *Registry) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = nil
	r.group = singleflight.Group{}
}

var (
	sharedMu  sync.Mutex
	sharedReg *Registry
)

// Shared returns the process-wide flow Registry, constructing it from
// config.ResolveFlowsDir on first call.
func Shared(flowsDir, protocolDir string) *Registry {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedReg == nil {
		sharedReg = NewRegistry(flowsDir, protocolDir)
	}
	return sharedReg
}

// ResetSharedForTest drops the process-wide singleton. For use in tests only.
func ResetSharedForTest() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedReg = nil
}
