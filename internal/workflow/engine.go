package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
)

const (
	defaultMaxIterations = 10
	defaultStuckTask     = 5 * time.Minute
	defaultLongPhase     = 30 * time.Minute
)

var (
	ErrNoWorkflow      = errors.New("no active workflow")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownTemplate = errors.New("unknown workflow template")
)

type Options struct {
	// SnapshotDir holds workflow_<id>.json and report_<id>.json files.
	SnapshotDir string
	Logger      *logging.Logger
	Metrics     *metrics.Registry
	Events      *event.Bus[event.Event]
	// Templates are merged over the built-in set.
	Templates     map[string]Template
	MaxIterations int

	StuckTaskAfter time.Duration
	LongPhaseAfter time.Duration
}

// Engine drives one workflow execution at a time through the phase machine.
type Engine struct {
	opts      Options
	templates map[string]Template
	now       func() time.Time

	mu   sync.Mutex
	exec *Execution
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.SnapshotDir == "" {
		opts.SnapshotDir = "workflows"
	}
	if err := os.MkdirAll(opts.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.StuckTaskAfter <= 0 {
		opts.StuckTaskAfter = defaultStuckTask
	}
	if opts.LongPhaseAfter <= 0 {
		opts.LongPhaseAfter = defaultLongPhase
	}

	templates := BuiltinTemplates()
	for name, tmpl := range opts.Templates {
		templates[name] = tmpl
	}

	return &Engine{
		opts:      opts,
		templates: templates,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start creates a new execution from a template (or a keyword-derived plan
// when templateName is empty or unknown) and opens the planning phase.
func (e *Engine) Start(objective, workspacePath, templateName string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	exec := &Execution{
		ID:            uuid.NewString(),
		Objective:     objective,
		WorkspacePath: workspacePath,
		State:         StateIdle,
		CurrentPhase:  PhaseInitialization,
		CreatedAt:     now,
		Phases:        make(map[Phase]PhaseInfo),
		MaxIterations: e.opts.MaxIterations,
	}

	tmpl, ok := e.templates[templateName]
	var plan map[string][]TemplateTask
	if ok {
		plan = tmpl.Phases
		exec.Criteria = criteriaFor(objective, &tmpl)
	} else {
		plan = dynamicPlan(objective)
		exec.Criteria = criteriaFor(objective, nil)
	}

	for phaseName, templateTasks := range plan {
		phase := Phase(phaseName)
		info := PhaseInfo{Phase: phase, StartedAt: now}
		for _, tt := range templateTasks {
			task := &Task{
				ID:            uuid.NewString(),
				Name:          tt.Name,
				Description:   tt.Description,
				AssignedAgent: tt.Agent,
				Dependencies:  append([]string(nil), tt.Dependencies...),
				Status:        TaskPending,
				CreatedAt:     now,
			}
			exec.Tasks = append(exec.Tasks, task)
			info.TaskIDs = append(info.TaskIDs, task.ID)
		}
		exec.Phases[phase] = info
	}

	exec.State = StateRunning
	started := now
	exec.StartedAt = &started
	exec.CurrentPhase = PhasePlanning
	if info, ok := exec.Phases[PhasePlanning]; ok {
		info.StartedAt = now
		exec.Phases[PhasePlanning] = info
	} else {
		exec.Phases[PhasePlanning] = PhaseInfo{Phase: PhasePlanning, StartedAt: now}
	}

	e.exec = exec
	if err := e.snapshotLocked(); err != nil {
		return "", err
	}

	e.opts.Metrics.IncWorkflowStarted()
	e.publish(exec.ID, "workflow_started", PhasePlanning)
	e.opts.Logger.Info("workflow started", map[string]string{
		"bridge.workflow_id": exec.ID,
		"bridge.objective":   objective,
		"bridge.tasks":       fmt.Sprintf("%d", len(exec.Tasks)),
	})
	return exec.ID, nil
}

// AdvancePhase closes the current phase and opens the next. Advancing to
// iteration bumps the counter and loops back to implementation, or forces
// completion once the iteration budget is spent. Advancing to completed
// finalizes the execution and writes the report.
func (e *Engine) AdvancePhase(next Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return ErrNoWorkflow
	}

	now := e.now()
	if info, ok := e.exec.Phases[e.exec.CurrentPhase]; ok && info.CompletedAt == nil {
		info.CompletedAt = &now
		info.Success = true
		e.exec.Phases[e.exec.CurrentPhase] = info
	}

	e.openPhase(next, now)

	switch next {
	case PhaseCompleted:
		e.completeLocked(now)
	case PhaseIteration:
		e.exec.Iterations++
		if e.exec.Iterations < e.exec.MaxIterations {
			e.openPhase(PhaseImplementation, now)
		} else {
			e.opts.Logger.Warn("iteration budget exhausted, forcing completion", map[string]string{
				"bridge.workflow_id": e.exec.ID,
				"bridge.iterations":  fmt.Sprintf("%d", e.exec.Iterations),
			})
			e.openPhase(PhaseCompleted, now)
			e.completeLocked(now)
		}
	}

	if err := e.snapshotLocked(); err != nil {
		return err
	}
	e.publish(e.exec.ID, "phase_advanced", e.exec.CurrentPhase)
	e.opts.Logger.Info("workflow phase advanced", map[string]string{
		"bridge.workflow_id": e.exec.ID,
		"bridge.phase":       string(e.exec.CurrentPhase),
	})
	return nil
}

func (e *Engine) openPhase(phase Phase, now time.Time) {
	e.exec.CurrentPhase = phase
	info, ok := e.exec.Phases[phase]
	if !ok {
		info = PhaseInfo{Phase: phase}
	}
	// Re-entering a phase restarts its clock.
	info.StartedAt = now
	info.CompletedAt = nil
	e.exec.Phases[phase] = info
}

func (e *Engine) completeLocked(now time.Time) {
	e.exec.State = StateCompleted
	e.exec.CompletedAt = &now
	for _, task := range e.exec.Tasks {
		switch task.Status {
		case TaskPending:
			task.Status = TaskSkipped
		case TaskInProgress:
			task.Status = TaskCompleted
			stamp := now
			task.CompletedAt = &stamp
		}
	}
	e.opts.Metrics.IncWorkflowCompleted()
	if err := e.writeReportLocked(); err != nil {
		e.opts.Logger.Error("workflow report failed", map[string]string{
			"bridge.workflow_id": e.exec.ID,
			"bridge.error":       err.Error(),
		})
	}
}

// UpdateTaskStatus sets a task's status and stamps the transition.
func (e *Engine) UpdateTaskStatus(taskID string, status TaskStatus, output, errorMessage string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return ErrNoWorkflow
	}

	task := e.taskByIDLocked(taskID)
	if task == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	now := e.now()
	task.Status = status
	switch status {
	case TaskInProgress:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case TaskCompleted, TaskFailed:
		task.CompletedAt = &now
	}
	if output != "" {
		task.Output = output
	}
	if errorMessage != "" {
		task.ErrorMessage = errorMessage
		e.exec.ErrorLog = append(e.exec.ErrorLog, fmt.Sprintf("task %s: %s", task.Name, errorMessage))
	}
	return e.snapshotLocked()
}

// CurrentTasks returns copies of the tasks attached to the current phase.
func (e *Engine) CurrentTasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return nil
	}
	info, ok := e.exec.Phases[e.exec.CurrentPhase]
	if !ok {
		return nil
	}
	var tasks []Task
	for _, id := range info.TaskIDs {
		if task := e.taskByIDLocked(id); task != nil {
			tasks = append(tasks, *task)
		}
	}
	return tasks
}

// Ready reports whether every dependency of the task is completed or
// skipped. Advisory: callers may start the task anyway.
func (e *Engine) Ready(taskID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return false, ErrNoWorkflow
	}
	task := e.taskByIDLocked(taskID)
	if task == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	for _, depName := range task.Dependencies {
		dep := e.taskByNameLocked(depName)
		if dep == nil {
			continue
		}
		if dep.Status != TaskCompleted && dep.Status != TaskSkipped {
			return false, nil
		}
	}
	return true, nil
}

// CheckCompletion evaluates the completion criteria against the workspace
// and task list, returning every unmet criterion for diagnostics.
func (e *Engine) CheckCompletion() (bool, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return false, []string{"no active workflow"}
	}

	criteria := e.exec.Criteria
	var missing []string

	files, err := workspaceFiles(e.exec.WorkspacePath)
	if err != nil {
		missing = append(missing, fmt.Sprintf("workspace unreadable: %v", err))
	}

	if criteria.WorkspaceHasFiles && len(files) == 0 {
		missing = append(missing, "workspace is empty")
	}
	if criteria.MinFileCount > 0 && len(files) < criteria.MinFileCount {
		missing = append(missing, fmt.Sprintf("need at least %d files, found %d", criteria.MinFileCount, len(files)))
	}
	for _, pattern := range criteria.RequiredPatterns {
		if !matchesAny(pattern, files) {
			missing = append(missing, fmt.Sprintf("missing files matching pattern: %s", pattern))
		}
	}
	if criteria.AllTasksCompleted {
		incomplete := 0
		for _, task := range e.exec.Tasks {
			if task.Status != TaskCompleted && task.Status != TaskSkipped {
				incomplete++
			}
		}
		if incomplete > 0 {
			missing = append(missing, fmt.Sprintf("%d tasks not completed", incomplete))
		}
	}
	if criteria.NoCriticalErrors && len(e.exec.ErrorLog) > 0 {
		missing = append(missing, fmt.Sprintf("%d errors logged", len(e.exec.ErrorLog)))
	}

	return len(missing) == 0, missing
}

// DetectBlockers scans for stuck tasks, failed dependencies, and
// long-running phases. Reported, never corrected.
func (e *Engine) DetectBlockers() []Blocker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return nil
	}

	now := e.now()
	var blockers []Blocker

	for _, task := range e.exec.Tasks {
		if task.Status == TaskInProgress && task.StartedAt != nil {
			if elapsed := now.Sub(*task.StartedAt); elapsed > e.opts.StuckTaskAfter {
				blockers = append(blockers, Blocker{
					Type:     BlockerStuckTask,
					TaskID:   task.ID,
					TaskName: task.Name,
					Duration: elapsed,
				})
			}
		}
	}

	for _, task := range e.exec.Tasks {
		if task.Status != TaskPending {
			continue
		}
		for _, depName := range task.Dependencies {
			if dep := e.taskByNameLocked(depName); dep != nil && dep.Status == TaskFailed {
				blockers = append(blockers, Blocker{
					Type:     BlockerFailedDependency,
					TaskID:   task.ID,
					TaskName: task.Name,
					Detail:   depName,
				})
			}
		}
	}

	if info, ok := e.exec.Phases[e.exec.CurrentPhase]; ok && info.CompletedAt == nil {
		if elapsed := now.Sub(info.StartedAt); elapsed > e.opts.LongPhaseAfter {
			blockers = append(blockers, Blocker{
				Type:     BlockerLongRunningPhase,
				Phase:    e.exec.CurrentPhase,
				Duration: elapsed,
			})
		}
	}

	return blockers
}

// Pause suspends a running workflow.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return ErrNoWorkflow
	}
	if e.exec.State != StateRunning {
		return fmt.Errorf("workflow is %s, not running", e.exec.State)
	}
	e.exec.State = StatePaused
	e.opts.Metrics.IncWorkflowPaused()
	e.publish(e.exec.ID, "workflow_paused", e.exec.CurrentPhase)
	return e.snapshotLocked()
}

// Resume restarts a paused workflow.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return ErrNoWorkflow
	}
	if e.exec.State != StatePaused {
		return fmt.Errorf("workflow is %s, not paused", e.exec.State)
	}
	e.exec.State = StateRunning
	e.publish(e.exec.ID, "workflow_resumed", e.exec.CurrentPhase)
	return e.snapshotLocked()
}

// Stop aborts the workflow, marking it failed. Idempotent once stopped.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return ErrNoWorkflow
	}
	if e.exec.State == StateFailed || e.exec.State == StateCompleted {
		return nil
	}
	now := e.now()
	e.exec.State = StateFailed
	e.exec.CompletedAt = &now
	e.opts.Metrics.IncWorkflowFailed()
	e.publish(e.exec.ID, "workflow_stopped", e.exec.CurrentPhase)
	return e.snapshotLocked()
}

// Fail records an error and marks the workflow failed.
func (e *Engine) Fail(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return ErrNoWorkflow
	}
	e.exec.ErrorLog = append(e.exec.ErrorLog, reason)
	if e.exec.State == StateFailed {
		return e.snapshotLocked()
	}
	now := e.now()
	e.exec.State = StateFailed
	e.exec.CompletedAt = &now
	e.opts.Metrics.IncWorkflowFailed()
	e.publish(e.exec.ID, "workflow_failed", e.exec.CurrentPhase)
	return e.snapshotLocked()
}

// Execution returns a deep copy of the current execution state.
func (e *Engine) Execution() (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return Execution{}, false
	}
	return copyExecution(e.exec), true
}

// Completed reports whether the current workflow finished successfully.
func (e *Engine) Completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec != nil && e.exec.State == StateCompleted
}

// LoadSnapshot restores an execution from its snapshot file, replacing any
// current execution.
func (e *Engine) LoadSnapshot(workflowID string) error {
	path := filepath.Join(e.opts.SnapshotDir, "workflow_"+workflowID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	e.mu.Lock()
	e.exec = &exec
	e.mu.Unlock()
	return nil
}

func (e *Engine) taskByIDLocked(id string) *Task {
	for _, task := range e.exec.Tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}

func (e *Engine) taskByNameLocked(name string) *Task {
	for _, task := range e.exec.Tasks {
		if task.Name == name {
			return task
		}
	}
	return nil
}

func (e *Engine) snapshotLocked() error {
	path := filepath.Join(e.opts.SnapshotDir, "workflow_"+e.exec.ID+".json")
	return writeJSON(path, e.exec)
}

func (e *Engine) writeReportLocked() error {
	exec := e.exec
	report := Report{
		WorkflowID: exec.ID,
		Objective:  exec.Objective,
		State:      exec.State,
		Iterations: exec.Iterations,
		Errors:     append([]string(nil), exec.ErrorLog...),
	}
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		report.DurationSeconds = exec.CompletedAt.Sub(*exec.StartedAt).Seconds()
	}
	for _, info := range exec.Phases {
		report.TotalPhases++
		if info.CompletedAt != nil {
			report.PhasesCompleted++
		}
	}
	for _, task := range exec.Tasks {
		report.TotalTasks++
		switch task.Status {
		case TaskCompleted:
			report.TasksCompleted++
		case TaskFailed:
			report.TasksFailed++
		}
	}
	if files, err := workspaceFiles(exec.WorkspacePath); err == nil {
		report.WorkspaceFiles = files
	}

	path := filepath.Join(e.opts.SnapshotDir, "report_"+exec.ID+".json")
	return writeJSON(path, report)
}

func (e *Engine) publish(workflowID, eventType string, phase Phase) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Publish(event.NewWorkflowEvent(workflowID, eventType, string(phase)))
}

// workspaceFiles lists regular files relative to root with slash separators.
func workspaceFiles(root string) ([]string, error) {
	if root == "" {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return files, err
	}
	return files, nil
}

func matchesAny(pattern string, files []string) bool {
	for _, file := range files {
		if ok, err := doublestar.Match(pattern, file); err == nil && ok {
			return true
		}
	}
	return false
}

func copyExecution(exec *Execution) Execution {
	dup := *exec
	dup.Phases = make(map[Phase]PhaseInfo, len(exec.Phases))
	for phase, info := range exec.Phases {
		info.TaskIDs = append([]string(nil), info.TaskIDs...)
		dup.Phases[phase] = info
	}
	dup.Tasks = make([]*Task, len(exec.Tasks))
	for i, task := range exec.Tasks {
		copied := *task
		copied.Dependencies = append([]string(nil), task.Dependencies...)
		dup.Tasks[i] = &copied
	}
	dup.ErrorLog = append([]string(nil), exec.ErrorLog...)
	return dup
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
