package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/backlog"
	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/config"
	"github.com/ai-janitor/minion/internal/contracts"
	"github.com/ai-janitor/minion/internal/crew"
	"github.com/ai-janitor/minion/internal/flow"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/intel"
	"github.com/ai-janitor/minion/internal/monitor"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/poll"
	"github.com/ai-janitor/minion/internal/requirement"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/ai-janitor/minion/internal/task"
)

// services bundles every internal/* service a subcommand might need,
// opened against the env-resolved store for the lifetime of one CLI
// invocation and closed by its caller's defer.
type services struct {
	db        *store.DB
	layout    fsutil.Layout
	authReg   *auth.Registry
	flows     *flow.Registry
	log       *obslog.Logger
	contracts *contracts.Service
	comms     *comms.Service
	tasks     *task.Service
	reqs      *requirement.Service
	backlog   *backlog.Service
	intel     *intel.Service
	poll      *poll.Service
	monitor   *monitor.Service
	crew      *crew.Service
}

// openServices opens the DB at the env-resolved path and wires every
// service against it, mirroring original_source's per-call connection
// discipline (spec.md §5): one open per invocation, one close on exit.
func openServices() (*services, error) {
	dbPath := config.ResolveDBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	layout := fsutil.NewLayout(config.WorkDir())
	if err := layout.EnsureDirs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure work dirs: %w", err)
	}

	authReg := auth.Shared()
	flows := flow.Shared(config.ResolveFlowsDir(), "")

	logDir := config.SwarmRuntimeDir()
	log, err := obslog.Open(logDir)
	if err != nil {
		log = obslog.Nop()
	}

	contractsSvc := contracts.New(config.ResolveDocsDir())

	commsSvc := &comms.Service{DB: db, Layout: layout, Auth: authReg, Log: log, DocsDir: config.ResolveDocsDir()}
	tasksSvc := &task.Service{DB: db, Layout: layout, Flows: flows, Auth: authReg, Log: log}
	reqsSvc := &requirement.Service{DB: db, Layout: layout, Flows: flows, Tasks: tasksSvc, Log: log}
	backlogSvc := &backlog.Service{DB: db, Layout: layout, Requirements: reqsSvc, Log: log}
	intelSvc := &intel.Service{DB: db, Layout: layout, Auth: authReg}
	pollSvc := &poll.Service{DB: db, Layout: layout, Flows: flows, Auth: authReg, Comms: commsSvc, Log: log}
	monitorSvc := &monitor.Service{DB: db, Layout: layout, Auth: authReg, WarPlan: func() (string, error) {
		return intelSvc.WarPlanExcerpt(500)
	}}
	crewSvc := &crew.Service{DB: db, Comms: commsSvc}

	return &services{
		db: db, layout: layout, authReg: authReg, flows: flows, log: log, contracts: contractsSvc,
		comms: commsSvc, tasks: tasksSvc, reqs: reqsSvc, backlog: backlogSvc, intel: intelSvc,
		poll: pollSvc, monitor: monitorSvc, crew: crewSvc,
	}, nil
}

func (s *services) Close() {
	if s.log != nil {
		_ = s.log.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// emit prints v as indented JSON on success, matching the transport-
// agnostic CLI contract; a non-empty domainError is the service layer's
// own structured "BLOCKED: ..."/not-found result, which prints as
// {"error": "..."} and exits 1 without going through cobra's own error
// path (spec.md §6: "exit 1 with an {"error":"..."} JSON on failure").
func emit(v any, domainError string) error {
	if domainError != "" {
		b, _ := json.Marshal(map[string]string{"error": domainError})
		fmt.Println(string(b))
		os.Exit(1)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
