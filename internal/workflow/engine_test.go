package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.SnapshotDir == "" {
		opts.SnapshotDir = t.TempDir()
	}
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func mustStart(t *testing.T, engine *Engine, objective, workspace, template string) string {
	t.Helper()
	id, err := engine.Start(objective, workspace, template)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return id
}

func TestStartFromTemplate(t *testing.T) {
	engine := newTestEngine(t, Options{})
	id := mustStart(t, engine, "build a shop", t.TempDir(), "fullstack_development")

	exec, ok := engine.Execution()
	if !ok {
		t.Fatal("no execution")
	}
	if exec.ID != id || exec.State != StateRunning || exec.CurrentPhase != PhasePlanning {
		t.Fatalf("exec = %s/%s/%s", exec.ID, exec.State, exec.CurrentPhase)
	}
	if len(exec.Tasks) != 11 {
		t.Fatalf("tasks = %d, want 11", len(exec.Tasks))
	}
	if len(exec.Phases[PhasePlanning].TaskIDs) != 4 {
		t.Fatalf("planning tasks = %d, want 4", len(exec.Phases[PhasePlanning].TaskIDs))
	}
	if !exec.Criteria.AllTasksCompleted || exec.Criteria.MinFileCount != 3 {
		t.Fatalf("criteria = %+v", exec.Criteria)
	}

	snapshot := filepath.Join(engine.opts.SnapshotDir, "workflow_"+id+".json")
	if _, err := os.Stat(snapshot); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}

func TestStartDynamicPlanFromObjective(t *testing.T) {
	engine := newTestEngine(t, Options{})
	mustStart(t, engine, "Build a website backed by an api server", t.TempDir(), "")

	exec, _ := engine.Execution()
	names := make(map[string]bool)
	for _, task := range exec.Tasks {
		names[task.Name] = true
	}
	for _, want := range []string{"analyze_objective", "frontend_planning", "backend_planning",
		"implement_frontend", "implement_backend", "solution_review"} {
		if !names[want] {
			t.Errorf("missing dynamic task %s (have %v)", want, names)
		}
	}
	// "website" and "api" both add required patterns.
	if len(exec.Criteria.RequiredPatterns) == 0 {
		t.Fatal("objective-derived patterns missing")
	}
}

func TestAdvancePhaseStampsAndReenters(t *testing.T) {
	engine := newTestEngine(t, Options{})
	mustStart(t, engine, "build", t.TempDir(), "frontend_development")

	if err := engine.AdvancePhase(PhaseImplementation); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	exec, _ := engine.Execution()
	if exec.CurrentPhase != PhaseImplementation {
		t.Fatalf("phase = %s", exec.CurrentPhase)
	}
	planning := exec.Phases[PhasePlanning]
	if planning.CompletedAt == nil || !planning.Success {
		t.Fatalf("planning phase not closed: %+v", planning)
	}
	if exec.Phases[PhaseImplementation].CompletedAt != nil {
		t.Fatal("implementation phase should be open")
	}
}

func TestIterationLoopsBackToImplementation(t *testing.T) {
	engine := newTestEngine(t, Options{MaxIterations: 3})
	mustStart(t, engine, "build", t.TempDir(), "frontend_development")

	for _, phase := range []Phase{PhaseImplementation, PhaseReview, PhaseIteration} {
		if err := engine.AdvancePhase(phase); err != nil {
			t.Fatalf("AdvancePhase(%s): %v", phase, err)
		}
	}

	exec, _ := engine.Execution()
	if exec.CurrentPhase != PhaseImplementation {
		t.Fatalf("phase after iteration = %s, want implementation", exec.CurrentPhase)
	}
	if exec.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", exec.Iterations)
	}
	if exec.State != StateRunning {
		t.Fatalf("state = %s", exec.State)
	}
}

func TestIterationBudgetForcesCompletion(t *testing.T) {
	engine := newTestEngine(t, Options{MaxIterations: 1})
	mustStart(t, engine, "build", t.TempDir(), "frontend_development")

	tasks := engine.CurrentTasks()
	if err := engine.UpdateTaskStatus(tasks[0].ID, TaskInProgress, "", ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	if err := engine.AdvancePhase(PhaseIteration); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}

	exec, _ := engine.Execution()
	if exec.State != StateCompleted || exec.CurrentPhase != PhaseCompleted {
		t.Fatalf("state/phase = %s/%s, want completed", exec.State, exec.CurrentPhase)
	}
	var skipped, completed int
	for _, task := range exec.Tasks {
		switch task.Status {
		case TaskSkipped:
			skipped++
		case TaskCompleted:
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("in-progress task not completed (completed=%d)", completed)
	}
	if skipped != len(exec.Tasks)-1 {
		t.Fatalf("pending tasks not skipped (skipped=%d of %d)", skipped, len(exec.Tasks))
	}
	if !engine.Completed() {
		t.Fatal("Completed() = false")
	}

	report := filepath.Join(engine.opts.SnapshotDir, "report_"+exec.ID+".json")
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("report missing: %v", err)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	engine := newTestEngine(t, Options{})
	mustStart(t, engine, "build", t.TempDir(), "frontend_development")
	tasks := engine.CurrentTasks()

	if err := engine.UpdateTaskStatus(tasks[0].ID, TaskInProgress, "", ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if err := engine.UpdateTaskStatus(tasks[0].ID, TaskCompleted, "plan written", ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if err := engine.UpdateTaskStatus(tasks[1].ID, TaskFailed, "", "agent crashed"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	exec, _ := engine.Execution()
	first := exec.Tasks[0]
	if first.StartedAt == nil || first.CompletedAt == nil || first.Output != "plan written" {
		t.Fatalf("first task stamps missing: %+v", first)
	}
	if len(exec.ErrorLog) != 1 {
		t.Fatalf("error log = %v", exec.ErrorLog)
	}

	if err := engine.UpdateTaskStatus("no-such-task", TaskCompleted, "", ""); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown task: got %v", err)
	}
}

func TestReadyFollowsDependencies(t *testing.T) {
	engine := newTestEngine(t, Options{})
	mustStart(t, engine, "build", t.TempDir(), "frontend_development")

	exec, _ := engine.Execution()
	var uiPlanning, architecture *Task
	for _, task := range exec.Tasks {
		switch task.Name {
		case "ui_ux_planning":
			uiPlanning = task
		case "component_architecture":
			architecture = task
		}
	}

	if ready, err := engine.Ready(architecture.ID); err != nil || ready {
		t.Fatalf("Ready before dep done = %v, %v", ready, err)
	}
	if err := engine.UpdateTaskStatus(uiPlanning.ID, TaskCompleted, "", ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if ready, err := engine.Ready(architecture.ID); err != nil || !ready {
		t.Fatalf("Ready after dep done = %v, %v", ready, err)
	}
}

func TestCheckCompletion(t *testing.T) {
	workspace := t.TempDir()
	engine := newTestEngine(t, Options{})
	mustStart(t, engine, "build something", workspace, "frontend_development")

	complete, missing := engine.CheckCompletion()
	if complete {
		t.Fatal("fresh workflow should not be complete")
	}
	if len(missing) == 0 {
		t.Fatal("missing criteria should be reported")
	}

	for _, name := range []string{"index.html", "style.css", "app.js"} {
		if err := os.WriteFile(filepath.Join(workspace, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	exec, _ := engine.Execution()
	for _, task := range exec.Tasks {
		if err := engine.UpdateTaskStatus(task.ID, TaskCompleted, "", ""); err != nil {
			t.Fatalf("UpdateTaskStatus: %v", err)
		}
	}

	complete, missing = engine.CheckCompletion()
	if !complete {
		t.Fatalf("still missing: %v", missing)
	}
}

func TestCheckCompletionGlobPatterns(t *testing.T) {
	workspace := t.TempDir()
	engine := newTestEngine(t, Options{})
	mustStart(t, engine, "make a website", workspace, "")

	if err := os.MkdirAll(filepath.Join(workspace, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"src/index.html", "src/style.css", "src/app.js"} {
		if err := os.WriteFile(filepath.Join(workspace, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	_, missing := engine.CheckCompletion()
	for _, item := range missing {
		if item == "missing files matching pattern: **/*.html" {
			t.Fatal("nested html file not matched by doublestar pattern")
		}
	}
}

func TestDetectBlockers(t *testing.T) {
	engine := newTestEngine(t, Options{StuckTaskAfter: time.Minute, LongPhaseAfter: time.Hour})
	mustStart(t, engine, "build", t.TempDir(), "frontend_development")

	tasks := engine.CurrentTasks()
	if err := engine.UpdateTaskStatus(tasks[0].ID, TaskInProgress, "", ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if err := engine.UpdateTaskStatus(tasks[0].ID, TaskFailed, "", "boom"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	// component_architecture depends on the failed ui_ux_planning.
	blockers := engine.DetectBlockers()
	var failedDep bool
	for _, blocker := range blockers {
		if blocker.Type == BlockerFailedDependency && blocker.Detail == "ui_ux_planning" {
			failedDep = true
		}
	}
	if !failedDep {
		t.Fatalf("failed dependency not detected: %+v", blockers)
	}

	// Shift the clock forward: in-progress tasks and the open phase age out.
	if err := engine.UpdateTaskStatus(tasks[1].ID, TaskInProgress, "", ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	engine.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	blockers = engine.DetectBlockers()
	var stuck, longPhase bool
	for _, blocker := range blockers {
		switch blocker.Type {
		case BlockerStuckTask:
			stuck = true
		case BlockerLongRunningPhase:
			longPhase = true
		}
	}
	if !stuck || !longPhase {
		t.Fatalf("stuck=%v longPhase=%v: %+v", stuck, longPhase, blockers)
	}
}

func TestPauseResumeStop(t *testing.T) {
	engine := newTestEngine(t, Options{})
	mustStart(t, engine, "build", t.TempDir(), "frontend_development")

	if err := engine.Resume(); err == nil {
		t.Fatal("Resume of a running workflow should fail")
	}
	if err := engine.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if exec, _ := engine.Execution(); exec.State != StatePaused {
		t.Fatalf("state = %s", exec.State)
	}
	if err := engine.Pause(); err == nil {
		t.Fatal("double Pause should fail")
	}
	if err := engine.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if exec, _ := engine.Execution(); exec.State != StateFailed || exec.CompletedAt == nil {
		t.Fatalf("stopped exec = %+v", exec.State)
	}
	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop should be idempotent: %v", err)
	}
}

func TestSnapshotReload(t *testing.T) {
	dir := t.TempDir()
	engine := newTestEngine(t, Options{SnapshotDir: dir})
	id := mustStart(t, engine, "reloadable build", t.TempDir(), "frontend_development")
	if err := engine.AdvancePhase(PhaseImplementation); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}

	restored := newTestEngine(t, Options{SnapshotDir: dir})
	if err := restored.LoadSnapshot(id); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	exec, ok := restored.Execution()
	if !ok {
		t.Fatal("no execution after reload")
	}
	if exec.ID != id || exec.CurrentPhase != PhaseImplementation || exec.Objective != "reloadable build" {
		t.Fatalf("reloaded exec = %s/%s/%q", exec.ID, exec.CurrentPhase, exec.Objective)
	}
	if len(exec.Tasks) != 6 {
		t.Fatalf("reloaded tasks = %d, want 6", len(exec.Tasks))
	}
}

func TestOperationsWithoutWorkflow(t *testing.T) {
	engine := newTestEngine(t, Options{})
	if err := engine.AdvancePhase(PhaseReview); !errors.Is(err, ErrNoWorkflow) {
		t.Fatalf("AdvancePhase: %v", err)
	}
	if err := engine.Pause(); !errors.Is(err, ErrNoWorkflow) {
		t.Fatalf("Pause: %v", err)
	}
	if _, ok := engine.Execution(); ok {
		t.Fatal("Execution should report absence")
	}
}
