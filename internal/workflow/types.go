package workflow

import "time"

// Phase names the workflow execution phases.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseIteration      Phase = "iteration"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhasePaused         Phase = "paused"
)

// State is the overall workflow state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateBlocked   State = "blocked"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StatePaused    State = "paused"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskSkipped    TaskStatus = "skipped"
)

// Task is one unit of work inside a workflow. Dependencies name other tasks
// and are advisory: Ready reports them, nothing enforces them.
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	AssignedAgent string     `json:"assigned_agent"`
	Dependencies  []string   `json:"dependencies"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Output        string     `json:"output,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// PhaseInfo records one phase's lifetime and tasks.
type PhaseInfo struct {
	Phase       Phase      `json:"phase"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TaskIDs     []string   `json:"task_ids"`
	Output      string     `json:"output,omitempty"`
	Success     bool       `json:"success"`
}

// Criteria is the completion criteria set for one execution. Patterns use
// doublestar globs matched against workspace-relative paths.
type Criteria struct {
	WorkspaceHasFiles bool     `json:"workspace_has_files" yaml:"workspace_has_files"`
	MinFileCount      int      `json:"min_file_count" yaml:"min_file_count"`
	RequiredPatterns  []string `json:"required_file_patterns" yaml:"required_file_patterns"`
	AllTasksCompleted bool     `json:"all_tasks_completed" yaml:"all_tasks_completed"`
	NoCriticalErrors  bool     `json:"no_critical_errors" yaml:"no_critical_errors"`
}

// Execution is the full state of one workflow run. It is the snapshot
// document written after every phase transition.
type Execution struct {
	ID            string              `json:"id"`
	Objective     string              `json:"objective"`
	WorkspacePath string              `json:"workspace_path"`
	State         State               `json:"state"`
	CurrentPhase  Phase               `json:"current_phase"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Phases        map[Phase]PhaseInfo `json:"phases"`
	Tasks         []*Task             `json:"tasks"`
	Iterations    int                 `json:"iteration_count"`
	MaxIterations int                 `json:"max_iterations"`
	Criteria      Criteria            `json:"completion_criteria"`
	ErrorLog      []string            `json:"error_log"`
}

// Blocker describes one detected workflow obstruction.
type Blocker struct {
	Type     string        `json:"type"`
	TaskID   string        `json:"task_id,omitempty"`
	TaskName string        `json:"task_name,omitempty"`
	Phase    Phase         `json:"phase,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

const (
	BlockerStuckTask        = "stuck_task"
	BlockerFailedDependency = "failed_dependency"
	BlockerLongRunningPhase = "long_running_phase"
)

// Report summarizes a finished execution. Written next to the snapshot on
// completion.
type Report struct {
	WorkflowID      string   `json:"workflow_id"`
	Objective       string   `json:"objective"`
	State           State    `json:"state"`
	DurationSeconds float64  `json:"duration_seconds"`
	Iterations      int      `json:"iteration_count"`
	PhasesCompleted int      `json:"phases_completed"`
	TotalPhases     int      `json:"total_phases"`
	TasksCompleted  int      `json:"tasks_completed"`
	TasksFailed     int      `json:"tasks_failed"`
	TotalTasks      int      `json:"total_tasks"`
	Errors          []string `json:"errors"`
	WorkspaceFiles  []string `json:"workspace_files"`
}
