// Package orchestrator owns the session state machine and the
// active-session registry. It composes the workspace manager, prompt
// renderer, process supervisor, and PR publisher into the session
// lifecycle described by the Plon agent subsystem.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plonhq/plon-orchestrator/internal/domain"
	"github.com/plonhq/plon-orchestrator/internal/prbot"
	"github.com/plonhq/plon-orchestrator/internal/renderer"
	"github.com/plonhq/plon-orchestrator/internal/supervisor"
	"github.com/plonhq/plon-orchestrator/internal/workspace"
)

const (
	promptFileName       = "claude_task.md"
	instructionsFileName = "claude_instructions.md"

	// bounded backoff for transient store failures
	persistAttempts = 3
	persistBackoff  = 100 * time.Millisecond
)

// Store is the persistence surface the orchestrator consumes
type Store interface {
	CreateSession(*domain.Session) error
	UpdateSession(*domain.Session) error
	GetSession(uuid.UUID) (*domain.Session, error)
	ListForTask(uuid.UUID) ([]*domain.Session, error)
	ListActive() ([]*domain.Session, error)
	GetConfig() (*domain.AgentConfig, error)
	GetDefaultTemplate() (*domain.PromptTemplate, error)
}

// Workspaces prepares and releases isolated session workspaces
type Workspaces interface {
	Prepare(ctx context.Context, cfg *domain.AgentConfig, task domain.TaskSnapshot) (*workspace.Workspace, error)
	Release(*workspace.Workspace)
}

// AgentHandle controls one running agent process
type AgentHandle interface {
	Done() <-chan supervisor.Outcome
	Cancel()
}

// AgentRunner starts supervised agent processes
type AgentRunner interface {
	Start(spec supervisor.Spec, onLine func(string)) (AgentHandle, error)
}

// PRPublisher opens a pull request for a finished session branch
type PRPublisher interface {
	Publish(ctx context.Context, dir, branch, base, title, body string) (string, int, error)
}

// SupervisedRunner adapts supervisor.Supervisor to the AgentRunner interface
type SupervisedRunner struct {
	sup *supervisor.Supervisor
}

// NewSupervisedRunner wraps a supervisor
func NewSupervisedRunner(sup *supervisor.Supervisor) *SupervisedRunner {
	return &SupervisedRunner{sup: sup}
}

// Start launches a supervised process
func (r *SupervisedRunner) Start(spec supervisor.Spec, onLine func(string)) (AgentHandle, error) {
	return r.sup.Start(spec, onLine)
}

// Event describes a session state change or log line for observers
type Event struct {
	SessionID uuid.UUID
	TaskID    uuid.UUID
	Status    domain.Status
	Line      string // empty for status-only events
}

// EventFunc receives orchestrator events
type EventFunc func(Event)

// Orchestrator launches and supervises agent sessions
type Orchestrator struct {
	store      Store
	workspaces Workspaces
	runner     AgentRunner
	publisher  PRPublisher
	logger     *zap.Logger
	registry   *Registry

	agentCommand string
	notify       EventFunc
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithAgentCommand overrides the agent binary (default "claude")
func WithAgentCommand(cmd string) Option {
	return func(o *Orchestrator) { o.agentCommand = cmd }
}

// WithEventSink registers a sink for session events
func WithEventSink(fn EventFunc) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

// New creates an Orchestrator
func New(store Store, workspaces Workspaces, runner AgentRunner, publisher PRPublisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		workspaces:   workspaces,
		runner:       runner,
		publisher:    publisher,
		logger:       logger,
		registry:     NewRegistry(),
		agentCommand: "claude",
		notify:       func(Event) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Launch creates a session for the task and starts its lifecycle in the
// background. It fails with ErrConfigMissing when no configuration is
// saved and with ErrConcurrentSession when the task already has a
// non-terminal session; the active-session check and the record insertion
// are one atomic store operation.
func (o *Orchestrator) Launch(ctx context.Context, task domain.TaskSnapshot) (uuid.UUID, error) {
	cfg, err := o.store.GetConfig()
	if err != nil {
		return uuid.Nil, err
	}
	if err := cfg.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrConfigMissing, err)
	}

	session := domain.NewSession(task.ID)
	session.AppendLog("Initializing agent session")
	if err := session.Transition(domain.StatusInitializing); err != nil {
		return uuid.Nil, err
	}

	if err := o.store.CreateSession(session); err != nil {
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	as := o.registry.add(session, cancel)

	o.logger.Info("session launched",
		zap.String("session_id", session.ID.String()),
		zap.String("task_id", task.ID.String()),
		zap.String("task_title", task.Title))
	o.emit(as)

	go o.runSession(runCtx, as, cfg, task)

	return session.ID, nil
}

// Cancel requests termination of a session. It is idempotent: cancelling
// a session that already reached a terminal status succeeds as a no-op.
func (o *Orchestrator) Cancel(sessionID uuid.UUID) error {
	if as := o.registry.get(sessionID); as != nil {
		o.logger.Info("session cancellation requested", zap.String("session_id", sessionID.String()))
		as.requestCancel()
		return nil
	}

	session, err := o.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return nil
	}
	// Non-terminal in the store but not registered: an orphan; mark it.
	session.ErrorMessage = "cancelled while not running"
	session.AppendLog("Session cancelled by user")
	if err := session.Transition(domain.StatusCancelled); err != nil {
		return err
	}
	return o.store.UpdateSession(session)
}

// GetStatus returns the session, preferring the live registry over the store
func (o *Orchestrator) GetStatus(sessionID uuid.UUID) (*domain.Session, error) {
	if as := o.registry.get(sessionID); as != nil {
		return as.snapshot(), nil
	}
	return o.store.GetSession(sessionID)
}

// ListActive returns the sessions currently registered in memory
func (o *Orchestrator) ListActive() []*domain.Session {
	return o.registry.snapshots()
}

// ListForTask returns the full persisted session history for a task
func (o *Orchestrator) ListForTask(taskID uuid.UUID) ([]*domain.Session, error) {
	return o.store.ListForTask(taskID)
}

// Rehydrate is called once at startup. Sessions persisted as non-terminal
// have no corresponding live process after a restart and are conservatively
// transitioned to Failed.
func (o *Orchestrator) Rehydrate() error {
	sessions, err := o.store.ListActive()
	if err != nil {
		return fmt.Errorf("listing active sessions: %w", err)
	}

	for _, session := range sessions {
		session.Fail("orphaned after restart")
		if err := o.store.UpdateSession(session); err != nil {
			o.logger.Warn("marking orphaned session failed",
				zap.String("session_id", session.ID.String()), zap.Error(err))
			continue
		}
		o.logger.Info("orphaned session marked failed",
			zap.String("session_id", session.ID.String()),
			zap.String("task_id", session.TaskID.String()))
	}
	return nil
}

// runSession drives one session from Initializing to a terminal status.
// It is the sole owner of the session's transitions.
func (o *Orchestrator) runSession(ctx context.Context, as *activeSession, cfg *domain.AgentConfig, task domain.TaskSnapshot) {
	defer o.registry.remove(as.snapshot().ID)

	ws, err := o.workspaces.Prepare(ctx, cfg, task)
	if err != nil {
		if as.isCancelled() {
			o.finishCancelled(as)
			return
		}
		o.finishFailed(as, err.Error())
		return
	}
	defer o.workspaces.Release(ws)

	as.update(func(s *domain.Session) {
		s.BranchName = ws.Branch
		s.AppendLog("Working directory: " + ws.Dir)
		s.AppendLog("Branch name: " + ws.Branch)
	})

	promptPath, instructionsPath, err := o.writePromptFiles(as, cfg, task, ws)
	if err != nil {
		o.finishFailed(as, err.Error())
		return
	}

	if as.isCancelled() {
		o.finishCancelled(as)
		return
	}

	handle, err := o.runner.Start(supervisor.Spec{
		Command: o.agentCommand,
		Args: []string{
			"code",
			"--file", promptPath,
			"--instructions", instructionsPath,
			"--model", cfg.AgentModel,
		},
		Dir:     ws.Dir,
		Timeout: cfg.MaxSessionDuration,
	}, func(line string) {
		as.update(func(s *domain.Session) { s.AppendLog(line) })
		snap := as.snapshot()
		o.notify(Event{SessionID: snap.ID, TaskID: snap.TaskID, Status: snap.Status, Line: line})
	})
	if err != nil {
		o.finishFailed(as, err.Error())
		return
	}
	as.setHandle(handle)

	// The handle may have been set after a cancellation request slipped
	// through; re-check so the process does not outlive the request.
	if as.isCancelled() {
		handle.Cancel()
	}

	o.transition(as, domain.StatusWorking, "Agent process started")

	outcome := <-handle.Done()
	switch outcome.Kind {
	case supervisor.OutcomeCancelled:
		o.finishCancelled(as)
		return
	case supervisor.OutcomeTimeout:
		o.finishFailed(as, fmt.Sprintf("session timed out after %s", cfg.MaxSessionDuration))
		return
	case supervisor.OutcomeFailure:
		o.finishFailed(as, outcome.Err.Error())
		return
	}

	// exit code 0
	if !cfg.AutoCreatePR {
		as.update(func(s *domain.Session) { s.AppendLog("Completed without creating PR") })
		o.transition(as, domain.StatusCompleted, "")
		return
	}

	o.transition(as, domain.StatusCreatingPR, "Creating pull request")

	if as.isCancelled() {
		o.finishCancelled(as)
		return
	}

	title := prbot.BuildTitle(task)
	body := prbot.BuildBody(task, as.snapshot().ID.String(), ws.Branch)
	url, num, err := o.publisher.Publish(ctx, ws.Dir, ws.Branch, cfg.BaseBranch, title, body)
	if err != nil {
		if as.isCancelled() {
			o.finishCancelled(as)
			return
		}
		o.finishFailed(as, err.Error())
		return
	}

	as.update(func(s *domain.Session) {
		s.SetPRInfo(url, num)
		s.AppendLog("PR created: " + url)
	})
	o.transition(as, domain.StatusCompleted, "")
}

func (o *Orchestrator) writePromptFiles(as *activeSession, cfg *domain.AgentConfig, task domain.TaskSnapshot, ws *workspace.Workspace) (string, string, error) {
	tmpl, err := o.store.GetDefaultTemplate()
	if err != nil {
		return "", "", fmt.Errorf("loading default prompt template: %w", err)
	}

	prompt, err := renderer.Render(tmpl, renderer.TaskVars(task))
	if err != nil {
		return "", "", err
	}

	promptPath := filepath.Join(ws.Dir, promptFileName)
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		return "", "", fmt.Errorf("writing prompt file: %w", err)
	}

	instructionsPath := filepath.Join(ws.Dir, instructionsFileName)
	if err := os.WriteFile(instructionsPath, []byte(renderer.Instructions(cfg, ws.Branch)), 0o644); err != nil {
		return "", "", fmt.Errorf("writing instructions file: %w", err)
	}

	as.update(func(s *domain.Session) { s.AppendLog("Prompt generated from template " + tmpl.Name) })
	return promptPath, instructionsPath, nil
}

// transition moves the session and emits an event. An empty note appends
// no log line.
func (o *Orchestrator) transition(as *activeSession, next domain.Status, note string) {
	as.update(func(s *domain.Session) {
		if note != "" {
			s.AppendLog(note)
		}
		if err := s.Transition(next); err != nil {
			o.logger.Error("refused transition", zap.Error(err))
		}
	})
	o.persist(as)
	o.emit(as)
}

func (o *Orchestrator) finishFailed(as *activeSession, msg string) {
	as.update(func(s *domain.Session) { s.Fail(msg) })
	o.persist(as)
	o.emit(as)
	snap := as.snapshot()
	o.logger.Warn("session failed",
		zap.String("session_id", snap.ID.String()),
		zap.String("task_id", snap.TaskID.String()),
		zap.String("error", msg))
}

func (o *Orchestrator) finishCancelled(as *activeSession) {
	as.update(func(s *domain.Session) {
		s.ErrorMessage = "session cancelled by user"
		s.AppendLog("Session cancelled by user")
		if err := s.Transition(domain.StatusCancelled); err != nil {
			o.logger.Error("refused transition", zap.Error(err))
		}
	})
	o.persist(as)
	o.emit(as)
	snap := as.snapshot()
	o.logger.Info("session cancelled", zap.String("session_id", snap.ID.String()))
}

// persist saves the session with bounded backoff. When persistence keeps
// failing the in-memory state stays authoritative and a warning is
// surfaced instead of losing the session.
func (o *Orchestrator) persist(as *activeSession) {
	snap := as.snapshot()
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = o.store.UpdateSession(snap); err == nil {
			return
		}
		time.Sleep(persistBackoff * time.Duration(attempt))
	}
	o.logger.Warn("session persistence failed, in-memory state kept authoritative",
		zap.String("session_id", snap.ID.String()), zap.Error(err))
}

func (o *Orchestrator) emit(as *activeSession) {
	snap := as.snapshot()
	o.notify(Event{SessionID: snap.ID, TaskID: snap.TaskID, Status: snap.Status})
}
