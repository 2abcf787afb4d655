// Package contracts implements the docs-dir contract store: small JSON
// documents under <docs>/contracts/*.json that the daemon's prompt
// assembly and generation loop consult on demand, each with a
// hard-coded default used when the file is absent or unparsable.
// Grounded on spec.md §6 "Contract store" and the teacher's own
// config-loading conventions (internal/config).
package contracts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Names of the six contracts spec.md §6 enumerates.
const (
	BootSequence      = "boot-sequence"
	CompactionMarkers = "compaction-markers"
	ConfigDefaults    = "config-defaults"
	DaemonRules       = "daemon-rules"
	InboxTemplate     = "inbox-template"
	StateSchema       = "state-schema"
)

var defaults = map[string]map[string]any{
	BootSequence: {
		"body": "Read your role prompt fragment, confirm your class and " +
			"capabilities, then poll for assigned work. Do not invent work " +
			"outside an active battle plan.",
	},
	CompactionMarkers: {
		"substring_markers": []any{
			"conversation has been summarized",
			"context window",
			"compacted conversation",
		},
	},
	ConfigDefaults: {
		"max_prompt_chars":         24000,
		"max_console_stream_chars": 12000,
		"poll_interval_default":    30,
		"poll_timeout_default":     300,
	},
	DaemonRules: {
		"body": "Never fabricate task results. Report BLOCKED rather than " +
			"guessing when a precondition fails. Keep context fresh via " +
			"set-context after meaningful progress.",
	},
	InboxTemplate: {
		"header": "You have new messages:",
		"format": "[%s] %s: %s",
	},
	StateSchema: {
		"version": 1,
	},
}

// Service resolves contracts from <docs>/contracts/*.json, falling back
// to the hard-coded defaults, and caches the resolved map per name.
type Service struct {
	DocsDir string

	mu    sync.RWMutex
	cache map[string]map[string]any

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New returns a Service rooted at docsDir (typically config.ResolveDocsDir()).
func New(docsDir string) *Service {
	return &Service{DocsDir: docsDir, cache: make(map[string]map[string]any)}
}

func (s *Service) contractsDir() string {
	return filepath.Join(s.DocsDir, "contracts")
}

// Get returns the named contract's resolved map: parsed from
// <docs>/contracts/<name>.json when present and valid JSON, else the
// hard-coded default. Unknown names return the empty map, not an error —
// callers are expected to pass one of the six named constants.
func (s *Service) Get(name string) map[string]any {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached
	}
	s.mu.RUnlock()

	resolved := s.load(name)

	s.mu.Lock()
	s.cache[name] = resolved
	s.mu.Unlock()
	return resolved
}

func (s *Service) load(name string) map[string]any {
	path := filepath.Join(s.contractsDir(), name+".json")
	b, err := os.ReadFile(path)
	if err != nil {
		return defaults[name]
	}
	var parsed map[string]any
	if err := json.Unmarshal(b, &parsed); err != nil {
		return defaults[name]
	}
	return parsed
}

// invalidate drops a cached contract so the next Get re-reads from disk.
func (s *Service) invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// BootSequenceBody returns the boot-sequence contract's "body" string.
func (s *Service) BootSequenceBody() string {
	return stringField(s.Get(BootSequence), "body", defaults[BootSequence]["body"].(string))
}

// DaemonRulesBody returns the daemon-rules contract's "body" string.
func (s *Service) DaemonRulesBody() string {
	return stringField(s.Get(DaemonRules), "body", defaults[DaemonRules]["body"].(string))
}

// SubstringMarkers returns the compaction-markers contract's marker list.
func (s *Service) SubstringMarkers() []string {
	raw, _ := s.Get(CompactionMarkers)["substring_markers"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	if len(out) == 0 {
		for _, v := range defaults[CompactionMarkers]["substring_markers"].([]any) {
			out = append(out, v.(string))
		}
	}
	return out
}

// InboxHeaderAndFormat returns the inbox-template contract's header and
// per-message format string.
func (s *Service) InboxHeaderAndFormat() (header, format string) {
	c := s.Get(InboxTemplate)
	return stringField(c, "header", defaults[InboxTemplate]["header"].(string)),
		stringField(c, "format", defaults[InboxTemplate]["format"].(string))
}

// MaxConsoleStreamChars returns the config-defaults contract's console
// output character cap (how much of a turn's rendered stream the daemon
// echoes to its own stdout before abbreviating).
func (s *Service) MaxConsoleStreamChars() int {
	return intField(s.Get(ConfigDefaults), "max_console_stream_chars", defaults[ConfigDefaults]["max_console_stream_chars"].(int))
}

func intField(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ContainsCompactionMarker reports whether the lowercased line contains
// any configured compaction marker substring.
func (s *Service) ContainsCompactionMarker(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range s.SubstringMarkers() {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Watch starts an fsnotify watch on <docs>/contracts/ so edits made while
// a daemon process is running invalidate the in-memory cache without a
// restart. Non-blocking; safe to call when the directory doesn't exist
// yet (fsnotify simply won't fire). Grounded on the teacher's own
// fsnotify watcher shape (internal/core/mangle_watcher.go).
func (s *Service) Watch() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.watcher = w
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	_ = os.MkdirAll(s.contractsDir(), 0o755)
	_ = w.Add(s.contractsDir())

	go s.run()
	return nil
}

// Stop ends the watch goroutine and closes the underlying watcher.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	_ = s.watcher.Close()
}

func (s *Service) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(event.Name), ".json")
			s.invalidate(name)
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
