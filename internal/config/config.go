// Package config resolves the process-wide environment-driven paths and
// the caller's class tag, matching original_source's db.py/defaults.py
// lazy, resettable-singleton resolution style (spec.md §9 "Global mutable
// state").
package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvDBPath       = "MINION_DB_PATH"
	EnvDocsDir      = "MINION_DOCS_DIR"
	EnvProject      = "MINION_PROJECT"
	EnvClass        = "MINION_CLASS"
	EnvFlowsDir     = "MINION_FLOWS_DIR"
	EnvTasksFlowsDir = "MINION_TASKS_FLOWS_DIR"
	EnvMissionsDir  = "MINION_MISSIONS_DIR"
	EnvTSDaemonDir  = "MINION_TS_DAEMON_DIR"

	WorkDirName   = ".work"
	SwarmDirName  = ".minion-swarm"
	DefaultDocsDirSuffix = ".minion_work/docs"
)

// ResolveDBPath returns the database path: MINION_DB_PATH, else
// MINION_PROJECT-based legacy layout, else ./.work/minion.db.
func ResolveDBPath() string {
	if v := os.Getenv(EnvDBPath); v != "" {
		return expand(v)
	}
	if proj := os.Getenv(EnvProject); proj != "" {
		return filepath.Join(expand(proj), WorkDirName, "minion.db")
	}
	return filepath.Join(WorkDirName, "minion.db")
}

// WorkDir derives the `.work` directory from the resolved DB path — the
// DB always lives at `<work>/minion.db`.
func WorkDir() string {
	return filepath.Dir(ResolveDBPath())
}

// ProjectDir is the parent of the work directory.
func ProjectDir() string {
	return filepath.Dir(WorkDir())
}

// SwarmRuntimeDir is the daemon's own runtime directory, a sibling of .work.
func SwarmRuntimeDir() string {
	return filepath.Join(ProjectDir(), SwarmDirName)
}

// ResolveDocsDir returns MINION_DOCS_DIR or ~/.minion_work/docs.
func ResolveDocsDir() string {
	if v := os.Getenv(EnvDocsDir); v != "" {
		return expand(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, DefaultDocsDirSuffix)
}

// CallerClass returns MINION_CLASS, the process-environment class tag used
// by require-class gating. Empty string means "no class asserted".
func CallerClass() string {
	return os.Getenv(EnvClass)
}

// ResolveFlowsDir implements the search order: MINION_FLOWS_DIR or
// MINION_TASKS_FLOWS_DIR, else ~/.minion/task-flows, else the bundled
// default flows (internal/flow/defaults), handled by the flow package
// itself when this returns "".
func ResolveFlowsDir() string {
	if v := os.Getenv(EnvFlowsDir); v != "" {
		return expand(v)
	}
	if v := os.Getenv(EnvTasksFlowsDir); v != "" {
		return expand(v)
	}
	home, err := os.UserHomeDir()
	if err == nil {
		candidate := filepath.Join(home, ".minion", "task-flows")
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}

func ResolveMissionsDir() string {
	if v := os.Getenv(EnvMissionsDir); v != "" {
		return expand(v)
	}
	return ""
}

func ResolveTSDaemonDir() string {
	if v := os.Getenv(EnvTSDaemonDir); v != "" {
		return expand(v)
	}
	return ""
}

func expand(raw string) string {
	if strings.HasPrefix(raw, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(raw, "~"))
		}
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return raw
	}
	return abs
}
