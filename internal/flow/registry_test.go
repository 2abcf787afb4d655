package flow

import "testing"

func TestSharedDefaultsLoadBugfixRequirementAndLite(t *testing.T) {
	reg := NewRegistry("", "")

	bugfix, err := reg.Get("bugfix")
	if err != nil {
		t.Fatalf("bugfix: %v", err)
	}
	if !bugfix.IsTerminal("closed") {
		t.Fatal("bugfix closed stage should be terminal")
	}

	req, err := reg.Get("requirement")
	if err != nil {
		t.Fatalf("requirement: %v", err)
	}
	if got := req.NextStatus("seed", true); got != "itemizing" {
		t.Fatalf("requirement seed->next: got %q", got)
	}

	lite, err := reg.Get("requirement-lite")
	if err != nil {
		t.Fatalf("requirement-lite: %v", err)
	}
	wantStages := map[string]bool{"seed": true, "decomposing": true, "tasked": true, "completed": true}
	if len(lite.Stages) != len(wantStages) {
		t.Fatalf("requirement-lite: got %d stages, want %d", len(lite.Stages), len(wantStages))
	}
	for name := range wantStages {
		if _, ok := lite.Stages[name]; !ok {
			t.Fatalf("requirement-lite missing stage %q", name)
		}
	}
	if !lite.IsTerminal("completed") {
		t.Fatal("requirement-lite completed should be terminal")
	}
}

func TestInheritanceMergesBaseStages(t *testing.T) {
	reg := NewRegistry("", "")

	chore, err := reg.Get("chore")
	if err != nil {
		t.Fatalf("chore: %v", err)
	}
	// Inherited from _task-base unchanged.
	if _, ok := chore.Stages["open"]; !ok {
		t.Fatal("chore should inherit the open stage from _task-base")
	}
	if got := chore.NextStatus("open", true); got != "in_progress" {
		t.Fatalf("chore open->next: got %q", got)
	}
	// Overridden: done is no longer terminal, closed is instead.
	if chore.IsTerminal("done") {
		t.Fatal("chore should override done to be non-terminal")
	}
	if !chore.IsTerminal("closed") {
		t.Fatal("chore closed should be terminal")
	}

	// Base flows are not directly gettable as top-level flows.
	names, err := reg.Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	for _, n := range names {
		if n == "_task-base" {
			t.Fatal("base flow should not be listed among top-level flows")
		}
	}
}

func TestGetUnknownFlowErrors(t *testing.T) {
	reg := NewRegistry("", "")
	if _, err := reg.Get("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown flow")
	}
}

func TestResetForTestForcesReload(t *testing.T) {
	reg := NewRegistry("", "")
	if _, err := reg.Get("bugfix"); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	reg.ResetForTest()
	if _, err := reg.Get("bugfix"); err != nil {
		t.Fatalf("reload: %v", err)
	}
}
