package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/bus"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/config"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/registry"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/transport"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/workflow"
)

const orchestratorID = "orchestrator"

var (
	ErrNoSession      = errors.New("no active session")
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionActive  = errors.New("a session is already active")
)

var conflictKeywords = []string{"error", "conflict", "blocked", "failed", "cannot"}

type Options struct {
	Config    *config.Config
	Registry  *registry.Registry
	Bus       *bus.Bus
	Workflows *workflow.Engine
	Logger    *logging.Logger
	Metrics   *metrics.Registry
	Events    *event.Bus[event.Event]
}

// Orchestrator drives one session at a time: it spawns both agents, walks
// the workflow phases, exchanges agent outputs, and resolves conflicts.
type Orchestrator struct {
	opts  Options
	store *Store

	mu         sync.Mutex
	session    *Session
	agentA     config.AgentSpec
	agentB     config.AgentSpec
	lastOutput map[string]string
	watcher    *workflow.Watcher
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	store, err := NewStore(opts.Config.Orchestration.SessionDir)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		opts:       opts,
		store:      store,
		lastOutput: make(map[string]string),
	}, nil
}

// StartOrchestration launches both agents, starts the workflow, and runs the
// driving loop until completion, failure, or the iteration budget.
func (o *Orchestrator) StartOrchestration(ctx context.Context, objective string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil && (o.session.State == SessionRunning || o.session.State == SessionPaused) {
		return "", ErrSessionActive
	}

	agentA, agentB, err := pickAgents(o.opts.Config.Agents)
	if err != nil {
		return "", err
	}
	o.agentA, o.agentB = agentA, agentB

	cfg := o.opts.Config.Orchestration
	sessionID := uuid.NewString()
	workspace := filepath.Join(cfg.Workspace, "session_"+sessionID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	session := &Session{
		ID:            sessionID,
		Objective:     objective,
		State:         SessionInitializing,
		WorkspacePath: workspace,
		CreatedAt:     time.Now().UTC(),
		MaxIterations: cfg.MaxIterations,
		Agents: map[string]AgentState{
			agentA.ID: AgentIdle,
			agentB.ID: AgentIdle,
		},
	}
	o.session = session

	if err := o.launchAgents(workspace); err != nil {
		session.State = SessionFailed
		session.ErrorMessage = err.Error()
		o.saveSessionLocked()
		return "", err
	}

	workflowID, err := o.opts.Workflows.Start(objective, workspace, cfg.WorkflowTemplate)
	if err != nil {
		session.State = SessionFailed
		session.ErrorMessage = err.Error()
		o.stopAgents()
		o.saveSessionLocked()
		return "", fmt.Errorf("start workflow: %w", err)
	}
	session.WorkflowID = workflowID

	if watcher, err := workflow.NewWatcher(workspace, o.opts.Events, o.opts.Logger); err == nil {
		o.watcher = watcher
	} else {
		o.opts.Logger.Warn("workspace watcher unavailable", map[string]string{
			"bridge.session_id": sessionID,
			"bridge.error":      err.Error(),
		})
	}

	now := time.Now().UTC()
	session.StartedAt = &now
	session.State = SessionRunning
	session.Agents[agentA.ID] = AgentActive
	session.Agents[agentB.ID] = AgentActive
	o.saveSessionLocked()
	o.opts.Metrics.IncSessionStarted()
	o.publish(sessionID, "session_started")

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(loopCtx)

	o.opts.Logger.Info("orchestration started", map[string]string{
		"bridge.session_id": sessionID,
		"bridge.objective":  objective,
	})
	return sessionID, nil
}

// launchAgents spawns both CLI processes and registers them on the bus with
// a session context provider.
func (o *Orchestrator) launchAgents(workspace string) error {
	for _, agent := range []config.AgentSpec{o.agentA, o.agentB} {
		spec := agent.LaunchSpec()
		if spec.Dir == "" {
			spec.Dir = workspace
		}
		if err := o.opts.Registry.Launch(spec); err != nil {
			return fmt.Errorf("launch agent %s: %w", agent.ID, err)
		}
		role := bus.Role(agent.Role)
		o.opts.Bus.RegisterAgent(agent.ID, role, o.contextProvider(agent.ID))
	}
	return nil
}

// contextProvider feeds session facts into message transformation.
func (o *Orchestrator) contextProvider(agentID string) bus.ContextProvider {
	return func(msg *bus.Message, from, to bus.Role) map[string]string {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.session == nil {
			return nil
		}
		fields := map[string]string{
			"project_objective": o.session.Objective,
			"project_state":     string(o.session.State),
			"completed_work":    o.lastOutput[agentID],
		}
		if state, ok := o.session.Agents[o.agentA.ID]; ok {
			fields["frontend_status"] = string(state)
		}
		if state, ok := o.session.Agents[o.agentB.ID]; ok {
			fields["backend_status"] = string(state)
		}
		return fields
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	defer o.saveSession()

	for {
		if ctx.Err() != nil {
			return
		}

		o.mu.Lock()
		session := o.session
		state := session.State
		iteration := session.Iteration
		maxIterations := session.MaxIterations
		o.mu.Unlock()

		if state == SessionPaused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if state != SessionRunning {
			return
		}
		if iteration >= maxIterations {
			o.completeSession("max iterations reached")
			return
		}

		o.mu.Lock()
		session.Iteration++
		o.mu.Unlock()

		exec, ok := o.opts.Workflows.Execution()
		if !ok {
			o.failSession("workflow state unavailable")
			return
		}
		if o.agentsFailed() {
			o.failSession("agent failure detected during orchestration")
			return
		}

		var phaseErr error
		switch exec.CurrentPhase {
		case workflow.PhasePlanning:
			phaseErr = o.planningPhase(ctx)
		case workflow.PhaseImplementation:
			phaseErr = o.implementationPhase(ctx)
		case workflow.PhaseReview:
			phaseErr = o.reviewPhase(ctx)
		case workflow.PhaseCompleted:
			o.completeSession("")
			return
		default:
			o.opts.Logger.Warn("unexpected workflow phase", map[string]string{
				"bridge.session_id": o.sessionID(),
				"bridge.phase":      string(exec.CurrentPhase),
			})
		}
		if phaseErr != nil {
			if errors.Is(phaseErr, context.Canceled) || errors.Is(phaseErr, context.DeadlineExceeded) {
				return
			}
			o.failSession(fmt.Sprintf("phase %s: %v", exec.CurrentPhase, phaseErr))
			return
		}

		if done, _ := o.checkCompletion(); done {
			o.completeSession("")
			return
		}

		if o.detectConflicts() {
			o.resolveConflicts(ctx)
		}

		// Replies addressed to the orchestrator are recorded in history;
		// the queue itself only needs emptying.
		o.opts.Bus.Drain(orchestratorID)
		o.saveSession()

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.Config.Orchestration.IterationDelay):
		}
	}
}

// ask routes one prompt through the bus to an agent's process and returns
// the process reply. Queued deliveries ahead of the prompt (broadcasts,
// handoffs) are forwarded first so the agent sees them in order.
func (o *Orchestrator) ask(ctx context.Context, agentID string, msgType bus.MessageType, content string) (string, error) {
	msg := bus.NewMessage(msgType, orchestratorID, agentID, content, o.sessionID())
	if err := o.opts.Bus.Send(msg); err != nil {
		return "", err
	}
	return o.forwardUntil(ctx, agentID, msg.ID)
}

// forwardUntil delivers queued bus messages to the agent process until the
// marked message has been answered.
func (o *Orchestrator) forwardUntil(ctx context.Context, agentID, messageID string) (string, error) {
	for {
		delivered, err := o.opts.Bus.Receive(ctx, agentID)
		if err != nil {
			return "", err
		}
		output, err := o.forward(ctx, agentID, delivered)
		if err != nil {
			return "", err
		}
		if delivered.ID == messageID || delivered.ReplyTo == messageID {
			return output, nil
		}
	}
}

// forward writes one delivered message to the agent's process and publishes
// the reply back onto the bus as a response from that agent.
func (o *Orchestrator) forward(ctx context.Context, agentID string, delivered *bus.Message) (string, error) {
	o.setAgentState(agentID, AgentActive)
	output, err := o.opts.Registry.Send(ctx, agentID, delivered.Content)
	if err != nil {
		o.setAgentState(agentID, AgentError)
		return "", fmt.Errorf("agent %s: %w", agentID, err)
	}
	o.setAgentState(agentID, AgentReady)

	o.mu.Lock()
	o.lastOutput[agentID] = output
	o.mu.Unlock()

	if output != "" {
		response := bus.NewMessage(bus.TypeResponse, agentID, orchestratorID, output, o.sessionID())
		response.ReplyTo = delivered.ID
		if err := o.opts.Bus.Send(response); err != nil {
			o.opts.Logger.Warn("agent response not recorded", map[string]string{
				"bridge.agent_id": agentID,
				"bridge.error":    err.Error(),
			})
		}
	}
	return output, nil
}

// planningPhase collects both plans, shares them, and advances the workflow.
func (o *Orchestrator) planningPhase(ctx context.Context) error {
	objective := o.objective()

	frontendPlan, err := o.ask(ctx, o.agentA.ID, bus.TypeTask,
		fmt.Sprintf("Create a detailed frontend implementation plan for: %s", objective))
	if err != nil {
		return err
	}

	backendPlan, err := o.ask(ctx, o.agentB.ID, bus.TypeTask,
		fmt.Sprintf("Create a detailed backend implementation plan for: %s. Consider frontend plan: %s", objective, frontendPlan))
	if err != nil {
		return err
	}

	coordination := bus.NewCoordinationMessage(
		fmt.Sprintf("Coordinate your plans. Frontend: %s. Backend: %s", frontendPlan, backendPlan),
		o.sessionID())
	if err := o.opts.Bus.Send(coordination); err != nil {
		return err
	}
	// Both agents received a broadcast copy.
	for _, agentID := range []string{o.agentA.ID, o.agentB.ID} {
		if _, err := o.forwardUntil(ctx, agentID, coordination.ID); err != nil {
			return err
		}
	}

	return o.opts.Workflows.AdvancePhase(workflow.PhaseImplementation)
}

// implementationPhase runs both agents concurrently, then exchanges their
// outputs before deciding whether to advance.
func (o *Orchestrator) implementationPhase(ctx context.Context) error {
	type cycleResult struct {
		agentID string
		err     error
	}
	results := make(chan cycleResult, 2)

	cycle := func(agentID, domain string) {
		_, err := o.ask(ctx, agentID, bus.TypeImplementation,
			fmt.Sprintf("Implement your %s solution. Report progress and any blockers.", domain))
		results <- cycleResult{agentID: agentID, err: err}
	}
	go cycle(o.agentA.ID, "frontend")
	go cycle(o.agentB.ID, "backend")

	var errs []error
	for i := 0; i < 2; i++ {
		if result := <-results; result.err != nil {
			errs = append(errs, result.err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := o.crossCommunication(ctx); err != nil {
		return err
	}

	if o.implementationComplete() {
		return o.opts.Workflows.AdvancePhase(workflow.PhaseReview)
	}
	return nil
}

// crossCommunication forwards each agent's latest output to the other.
func (o *Orchestrator) crossCommunication(ctx context.Context) error {
	o.mu.Lock()
	outputA := o.lastOutput[o.agentA.ID]
	outputB := o.lastOutput[o.agentB.ID]
	o.mu.Unlock()

	aToB := bus.NewMessage(bus.TypeCrossCommunication, o.agentA.ID, o.agentB.ID,
		"Frontend update: "+outputA, o.sessionID())
	if err := o.opts.Bus.Send(aToB); err != nil {
		return err
	}
	if _, err := o.forwardUntil(ctx, o.agentB.ID, aToB.ID); err != nil {
		return err
	}

	bToA := bus.NewMessage(bus.TypeCrossCommunication, o.agentB.ID, o.agentA.ID,
		"Backend update: "+outputB, o.sessionID())
	if err := o.opts.Bus.Send(bToA); err != nil {
		return err
	}
	if _, err := o.forwardUntil(ctx, o.agentA.ID, bToA.ID); err != nil {
		return err
	}
	return nil
}

// reviewPhase collects both assessments and either completes the workflow or
// opens another iteration.
func (o *Orchestrator) reviewPhase(ctx context.Context) error {
	review := bus.NewMessage(bus.TypeReview, orchestratorID, bus.RecipientBoth,
		"Review the complete solution. Check integration points, identify issues, and suggest improvements.",
		o.sessionID())
	review.Priority = bus.PriorityHigh
	if err := o.opts.Bus.Send(review); err != nil {
		return err
	}

	reviews := make(map[string]string, 2)
	for _, agentID := range []string{o.agentA.ID, o.agentB.ID} {
		output, err := o.forwardUntil(ctx, agentID, review.ID)
		if err != nil {
			return err
		}
		reviews[agentID] = output
	}

	if reviewsApprove(reviews[o.agentA.ID], reviews[o.agentB.ID]) {
		return o.opts.Workflows.AdvancePhase(workflow.PhaseCompleted)
	}
	return o.opts.Workflows.AdvancePhase(workflow.PhaseIteration)
}

// reviewsApprove applies keyword analysis to both review texts: both must
// signal completion and neither may raise issues.
func reviewsApprove(reviewA, reviewB string) bool {
	completion := []string{"complete", "finished", "done", "ready", "success"}
	issues := []string{"issue", "problem", "bug", "error", "fix"}

	lowerA, lowerB := strings.ToLower(reviewA), strings.ToLower(reviewB)
	return containsAny(lowerA, completion) && containsAny(lowerB, completion) &&
		!containsAny(lowerA, issues) && !containsAny(lowerB, issues)
}

func containsAny(content string, words []string) bool {
	for _, word := range words {
		if strings.Contains(content, word) {
			return true
		}
	}
	return false
}

// checkCompletion requires deliverables on disk plus either workflow
// completion or both agents done.
func (o *Orchestrator) checkCompletion() (bool, []string) {
	complete, missing := o.opts.Workflows.CheckCompletion()
	if complete {
		return true, nil
	}
	hasFiles := false
	if o.watcher != nil {
		hasFiles = o.watcher.FileCount() > 0
	}
	if hasFiles && o.agentsCompleted() {
		return true, nil
	}
	return false, missing
}

// detectConflicts scans agent health and recent traffic for conflict
// indicators. Resolution messages themselves are excluded so one detected
// conflict does not re-trigger forever.
func (o *Orchestrator) detectConflicts() bool {
	for _, info := range o.opts.Registry.List() {
		if info.Status == transport.StatusCrashed {
			return true
		}
	}
	if o.agentsFailed() {
		return true
	}

	for _, msg := range o.opts.Bus.RecentMessages(10, o.sessionID()) {
		if msg.Type == bus.TypeConflictResolution {
			continue
		}
		lower := strings.ToLower(msg.Content)
		if containsAny(lower, conflictKeywords) {
			return true
		}
	}
	return false
}

// resolveConflicts tells the non-priority agent to adapt, per policy.
func (o *Orchestrator) resolveConflicts(ctx context.Context) {
	policy := o.opts.Config.Orchestration.ConflictResolution
	var loser, winner string
	switch policy {
	case "agent_a_priority":
		winner, loser = o.agentA.ID, o.agentB.ID
	case "agent_b_priority":
		winner, loser = o.agentB.ID, o.agentA.ID
	default:
		o.opts.Logger.Info("conflict detected, manual resolution policy", map[string]string{
			"bridge.session_id": o.sessionID(),
		})
		o.publish(o.sessionID(), "conflict_manual")
		return
	}

	o.opts.Logger.Info("resolving conflict", map[string]string{
		"bridge.session_id": o.sessionID(),
		"bridge.priority":   winner,
	})
	content := fmt.Sprintf("Conflict detected. %s's approach will be prioritized. Please adapt your implementation.", winner)
	msg := bus.NewMessage(bus.TypeConflictResolution, orchestratorID, loser, content, o.sessionID())
	msg.Priority = bus.PriorityUrgent
	if err := o.opts.Bus.Send(msg); err != nil {
		return
	}
	if _, err := o.forwardUntil(ctx, loser, msg.ID); err != nil {
		o.opts.Logger.Warn("conflict resolution delivery failed", map[string]string{
			"bridge.agent_id": loser,
			"bridge.error":    err.Error(),
		})
		return
	}
	o.opts.Metrics.IncConflictResolved()
	o.setAgentState(o.agentA.ID, AgentActive)
	o.setAgentState(o.agentB.ID, AgentActive)
}

func (o *Orchestrator) completeSession(note string) {
	o.mu.Lock()
	session := o.session
	now := time.Now().UTC()
	session.State = SessionCompleted
	session.CompletedAt = &now
	if note != "" {
		session.ErrorMessage = note
	}
	for id := range session.Agents {
		session.Agents[id] = AgentCompleted
	}
	o.mu.Unlock()

	if !o.opts.Workflows.Completed() {
		if err := o.opts.Workflows.AdvancePhase(workflow.PhaseCompleted); err != nil && !errors.Is(err, workflow.ErrNoWorkflow) {
			o.opts.Logger.Warn("workflow completion failed", map[string]string{
				"bridge.session_id": session.ID,
				"bridge.error":      err.Error(),
			})
		}
	}

	o.writeFinalReport()
	o.teardown()
	o.saveSession()
	o.opts.Metrics.IncSessionCompleted()
	o.publish(session.ID, "session_completed")
	o.opts.Logger.Info("orchestration completed", map[string]string{
		"bridge.session_id": session.ID,
		"bridge.iterations": fmt.Sprintf("%d", session.Iteration),
	})
}

func (o *Orchestrator) failSession(reason string) {
	o.mu.Lock()
	session := o.session
	now := time.Now().UTC()
	session.State = SessionFailed
	session.CompletedAt = &now
	session.ErrorMessage = reason
	o.mu.Unlock()

	if err := o.opts.Workflows.Fail(reason); err != nil && !errors.Is(err, workflow.ErrNoWorkflow) {
		o.opts.Logger.Warn("workflow failure not recorded", map[string]string{
			"bridge.session_id": session.ID,
			"bridge.error":      err.Error(),
		})
	}

	o.teardown()
	o.saveSession()
	o.opts.Metrics.IncSessionFailed()
	o.publish(session.ID, "session_failed")
	o.opts.Logger.Error("orchestration failed", map[string]string{
		"bridge.session_id": session.ID,
		"bridge.error":      reason,
	})
}

// Pause suspends the running session; the loop idles until Resume.
func (o *Orchestrator) Pause(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireSessionLocked(sessionID); err != nil {
		return err
	}
	if o.session.State != SessionRunning {
		return fmt.Errorf("session is %s, not running", o.session.State)
	}
	o.session.State = SessionPaused
	if err := o.opts.Workflows.Pause(); err != nil && !errors.Is(err, workflow.ErrNoWorkflow) {
		o.opts.Logger.Warn("workflow pause failed", map[string]string{"bridge.error": err.Error()})
	}
	o.saveSessionLocked()
	o.publish(sessionID, "session_paused")
	return nil
}

func (o *Orchestrator) Resume(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireSessionLocked(sessionID); err != nil {
		return err
	}
	if o.session.State != SessionPaused {
		return fmt.Errorf("session is %s, not paused", o.session.State)
	}
	o.session.State = SessionRunning
	if err := o.opts.Workflows.Resume(); err != nil && !errors.Is(err, workflow.ErrNoWorkflow) {
		o.opts.Logger.Warn("workflow resume failed", map[string]string{"bridge.error": err.Error()})
	}
	o.saveSessionLocked()
	o.publish(sessionID, "session_resumed")
	return nil
}

// Stop aborts the session. Idempotent: stopping a finished session is a
// no-op.
func (o *Orchestrator) Stop(sessionID string) error {
	o.mu.Lock()
	if err := o.requireSessionLocked(sessionID); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.session.State != SessionRunning && o.session.State != SessionPaused {
		o.mu.Unlock()
		return nil
	}
	o.session.State = SessionStopped
	now := time.Now().UTC()
	o.session.CompletedAt = &now
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if err := o.opts.Workflows.Stop(); err != nil && !errors.Is(err, workflow.ErrNoWorkflow) {
		o.opts.Logger.Warn("workflow stop failed", map[string]string{"bridge.error": err.Error()})
	}
	o.teardown()
	o.saveSession()
	o.publish(sessionID, "session_stopped")
	return nil
}

// SessionStatus returns the current or a persisted session.
func (o *Orchestrator) SessionStatus(sessionID string) (Session, error) {
	o.mu.Lock()
	if o.session != nil && o.session.ID == sessionID {
		session := o.session.clone()
		o.mu.Unlock()
		return session, nil
	}
	o.mu.Unlock()

	stored, err := o.store.Load(sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return stored.clone(), nil
}

// Sessions lists every persisted session id.
func (o *Orchestrator) Sessions() ([]string, error) {
	return o.store.List()
}

// Wait blocks until the driving loop exits. Intended for CLI use.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) teardown() {
	o.stopAgents()
	o.mu.Lock()
	watcher := o.watcher
	o.watcher = nil
	o.mu.Unlock()
	if watcher != nil {
		watcher.Close()
	}
}

func (o *Orchestrator) stopAgents() {
	for _, agent := range []config.AgentSpec{o.agentA, o.agentB} {
		if agent.ID == "" {
			continue
		}
		if err := o.opts.Registry.Stop(agent.ID); err != nil && !errors.Is(err, registry.ErrUnknownTransport) {
			o.opts.Logger.Warn("agent stop failed", map[string]string{
				"bridge.agent_id": agent.ID,
				"bridge.error":    err.Error(),
			})
		}
		o.opts.Bus.UnregisterAgent(agent.ID)
	}
}

// writeFinalReport drops orchestration_report.json into the workspace.
func (o *Orchestrator) writeFinalReport() {
	o.mu.Lock()
	session := o.session.clone()
	o.mu.Unlock()

	report := map[string]any{
		"session_id":          session.ID,
		"objective":           session.Objective,
		"status":              session.State,
		"created_at":          session.CreatedAt,
		"completed_at":        session.CompletedAt,
		"iterations":          session.Iteration,
		"workspace":           session.WorkspacePath,
		"agents_final_status": session.Agents,
		"message_count":       o.opts.Bus.MessageCount(session.ID),
		"deliverables":        o.deliverables(session.WorkspacePath),
	}
	path := filepath.Join(session.WorkspacePath, "orchestration_report.json")
	if err := writeJSONFile(path, report); err != nil {
		o.opts.Logger.Error("final report failed", map[string]string{
			"bridge.session_id": session.ID,
			"bridge.error":      err.Error(),
		})
		return
	}
	o.opts.Logger.Info("final report written", map[string]string{
		"bridge.session_id": session.ID,
		"bridge.path":       path,
	})
}

func (o *Orchestrator) deliverables(workspace string) []string {
	if o.watcher != nil {
		return o.watcher.Files()
	}
	var files []string
	filepath.WalkDir(workspace, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(workspace, path); relErr == nil {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	return files
}

func (o *Orchestrator) agentsFailed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.session.Agents {
		if state == AgentError {
			return true
		}
	}
	return false
}

func (o *Orchestrator) agentsCompleted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.session.Agents {
		if state != AgentCompleted && state != AgentReady {
			return false
		}
	}
	return len(o.session.Agents) > 0
}

func (o *Orchestrator) implementationComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.session.Agents {
		if state != AgentReady && state != AgentCompleted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) setAgentState(agentID string, state AgentState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		if _, ok := o.session.Agents[agentID]; ok {
			o.session.Agents[agentID] = state
		}
	}
}

func (o *Orchestrator) sessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.ID
}

func (o *Orchestrator) objective() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.Objective
}

func (o *Orchestrator) requireSessionLocked(sessionID string) error {
	if o.session == nil {
		return ErrNoSession
	}
	if o.session.ID != sessionID {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return nil
}

func (o *Orchestrator) saveSession() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saveSessionLocked()
}

func (o *Orchestrator) saveSessionLocked() {
	if o.session == nil {
		return
	}
	session := o.session.clone()
	if err := o.store.Save(&session); err != nil {
		o.opts.Logger.Error("session save failed", map[string]string{
			"bridge.session_id": session.ID,
			"bridge.error":      err.Error(),
		})
	}
}

func (o *Orchestrator) publish(sessionID, eventType string) {
	if o.opts.Events == nil {
		return
	}
	o.opts.Events.Publish(event.NewSessionEvent(sessionID, eventType))
}

// pickAgents selects the frontend and backend agents from the config.
func pickAgents(agents []config.AgentSpec) (config.AgentSpec, config.AgentSpec, error) {
	var agentA, agentB *config.AgentSpec
	for i := range agents {
		switch agents[i].Role {
		case "frontend":
			if agentA == nil {
				agentA = &agents[i]
			}
		case "backend":
			if agentB == nil {
				agentB = &agents[i]
			}
		}
	}
	if agentA == nil || agentB == nil {
		return config.AgentSpec{}, config.AgentSpec{}, errors.New("config must define one frontend and one backend agent")
	}
	return *agentA, *agentB, nil
}
