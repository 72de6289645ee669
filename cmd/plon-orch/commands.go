package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plonhq/plon-orchestrator/internal/config"
	"github.com/plonhq/plon-orchestrator/internal/domain"
	"github.com/plonhq/plon-orchestrator/internal/janitor"
	"github.com/plonhq/plon-orchestrator/internal/logging"
	"github.com/plonhq/plon-orchestrator/internal/orchestrator"
	"github.com/plonhq/plon-orchestrator/internal/prbot"
	"github.com/plonhq/plon-orchestrator/internal/sessionstore"
	"github.com/plonhq/plon-orchestrator/internal/supervisor"
	"github.com/plonhq/plon-orchestrator/internal/templates"
	"github.com/plonhq/plon-orchestrator/internal/workspace"
	"github.com/plonhq/plon-orchestrator/tui"
	"github.com/plonhq/plon-orchestrator/web/api"
)

var (
	launchTaskID      string
	launchTitle       string
	launchDescription string
	launchPriority    string
	launchHours       float64
	launchTags        []string
	launchGoal        string
	launchDetach      bool

	sessionsTask string

	setOwner      string
	setRepo       string
	setBaseBranch string
	setModel      string
	setMinutes    int
	setAutoPR     bool
)

func init() {
	launchCmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch an agent session for a task",
		RunE:  runLaunch,
	}
	launchCmd.Flags().StringVar(&launchTaskID, "task-id", "", "task UUID (generated when omitted)")
	launchCmd.Flags().StringVar(&launchTitle, "title", "", "task title")
	launchCmd.Flags().StringVar(&launchDescription, "description", "", "task description")
	launchCmd.Flags().StringVar(&launchPriority, "priority", "medium", "task priority")
	launchCmd.Flags().Float64Var(&launchHours, "hours", 0, "estimated hours")
	launchCmd.Flags().StringSliceVar(&launchTags, "tags", nil, "task tags")
	launchCmd.Flags().StringVar(&launchGoal, "goal", "", "goal title for prompt context")
	launchCmd.Flags().BoolVar(&launchDetach, "detach", false, "return immediately without streaming output")
	launchCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(launchCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel SESSION_ID",
		Short: "Cancel a running session",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	statusCmd := &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		RunE:  runSessions,
	}
	sessionsCmd.Flags().StringVar(&sessionsTask, "task", "", "show history for a task UUID")
	rootCmd.AddCommand(sessionsCmd)

	logsCmd := &cobra.Command{
		Use:   "logs SESSION_ID",
		Short: "Print a session's log",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the agent configuration",
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the saved configuration",
		RunE:  runConfigShow,
	}
	configSetCmd := &cobra.Command{
		Use:   "set",
		Short: "Save the agent configuration",
		RunE:  runConfigSet,
	}
	configSetCmd.Flags().StringVar(&setOwner, "owner", "", "GitHub repository owner")
	configSetCmd.Flags().StringVar(&setRepo, "repo", "", "GitHub repository name")
	configSetCmd.Flags().StringVar(&setBaseBranch, "base-branch", "main", "base branch for session branches and PRs")
	configSetCmd.Flags().StringVar(&setModel, "model", "claude-sonnet-4-20250514", "agent model")
	configSetCmd.Flags().IntVar(&setMinutes, "max-minutes", 60, "session timeout in minutes")
	configSetCmd.Flags().BoolVar(&setAutoPR, "auto-pr", true, "create a PR when the agent succeeds")
	configSetCmd.MarkFlagRequired("owner")
	configSetCmd.MarkFlagRequired("repo")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)

	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "List prompt templates",
		RunE:  runTemplates,
	}
	rootCmd.AddCommand(templatesCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the session monitor",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with the web API",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// stack wires the store, supervisor, workspaces, and orchestrator together
type stack struct {
	cfg    *config.Config
	store  *sessionstore.Store
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

func buildStack(opts ...orchestrator.Option) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	store, err := sessionstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}

	if err := templates.Seed(store, cfg.General.TemplatesDir); err != nil {
		store.Close()
		return nil, err
	}

	root := cfg.General.WorkspaceRoot
	if agentCfg, err := store.GetConfig(); err == nil && agentCfg.WorkingDirectory != "" {
		root = agentCfg.WorkingDirectory
	}

	opts = append(opts, orchestrator.WithAgentCommand(cfg.Agent.Command))
	orch := orchestrator.New(
		store,
		workspace.NewManager(root),
		orchestrator.NewSupervisedRunner(supervisor.New(logger)),
		prbot.New(),
		logger,
		opts...,
	)

	return &stack{cfg: cfg, store: store, orch: orch, logger: logger}, nil
}

func (s *stack) close() {
	s.store.Close()
	s.logger.Sync()
}

func runLaunch(cmd *cobra.Command, args []string) error {
	taskID := uuid.New()
	if launchTaskID != "" {
		parsed, err := uuid.Parse(launchTaskID)
		if err != nil {
			return fmt.Errorf("invalid task id: %w", err)
		}
		taskID = parsed
	}

	done := make(chan domain.Status, 1)
	sink := func(e orchestrator.Event) {
		if e.Line != "" {
			if !launchDetach {
				fmt.Println(e.Line)
			}
			return
		}
		fmt.Printf("-> %s\n", e.Status)
		if e.Status.IsTerminal() {
			select {
			case done <- e.Status:
			default:
			}
		}
	}

	s, err := buildStack(orchestrator.WithEventSink(sink))
	if err != nil {
		return err
	}
	defer s.close()

	task := domain.TaskSnapshot{
		ID:             taskID,
		Title:          launchTitle,
		Description:    launchDescription,
		Priority:       domain.Priority(launchPriority),
		EstimatedHours: launchHours,
		Tags:           launchTags,
		GoalTitle:      launchGoal,
	}

	sessionID, err := s.orch.Launch(cmd.Context(), task)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s launched for task %s\n", sessionID, taskID)

	if launchDetach {
		return nil
	}

	status := <-done
	session, err := s.orch.GetStatus(sessionID)
	if err != nil {
		return err
	}

	fmt.Printf("Session finished: %s (took %s)\n", status, session.Duration().Round(time.Second))
	if session.PRURL != "" {
		fmt.Printf("Pull request: %s\n", session.PRURL)
	}
	if session.ErrorMessage != "" {
		return fmt.Errorf("%s", session.ErrorMessage)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.orch.Cancel(id); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for %s\n", id)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	session, err := s.orch.GetStatus(id)
	if err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", session.ID)
	fmt.Printf("Task:     %s\n", session.TaskID)
	fmt.Printf("Status:   %s\n", session.Status)
	if session.BranchName != "" {
		fmt.Printf("Branch:   %s\n", session.BranchName)
	}
	if session.PRURL != "" {
		fmt.Printf("PR:       %s (#%d)\n", session.PRURL, session.PRNumber)
	}
	if session.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", session.ErrorMessage)
	}
	fmt.Printf("Started:  %s\n", humanize.Time(session.StartedAt))
	if session.CompletedAt != nil {
		fmt.Printf("Duration: %s\n", session.Duration().Round(time.Second))
	}
	fmt.Printf("Log:      %d lines\n", len(session.Log))
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	var sessions []*domain.Session
	if sessionsTask != "" {
		taskID, err := uuid.Parse(sessionsTask)
		if err != nil {
			return fmt.Errorf("invalid task id: %w", err)
		}
		sessions, err = s.orch.ListForTask(taskID)
		if err != nil {
			return err
		}
	} else {
		sessions, err = s.store.ListActive()
		if err != nil {
			return err
		}
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tBRANCH\tSTARTED\tPR")
	for _, session := range sessions {
		pr := "-"
		if session.PRURL != "" {
			pr = fmt.Sprintf("#%d", session.PRNumber)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			strings.SplitN(session.ID.String(), "-", 2)[0],
			session.Status,
			session.BranchName,
			humanize.Time(session.StartedAt),
			pr)
	}
	return w.Flush()
}

func runLogs(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	session, err := s.orch.GetStatus(id)
	if err != nil {
		return err
	}
	for _, line := range session.Log {
		fmt.Println(line)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	cfg, err := s.store.GetConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Repository:  %s/%s\n", cfg.GitHubOwner, cfg.GitHubRepo)
	fmt.Printf("Clone URL:   %s\n", cfg.RepoCloneURL())
	fmt.Printf("Base branch: %s\n", cfg.BaseBranch)
	fmt.Printf("Model:       %s\n", cfg.AgentModel)
	fmt.Printf("Timeout:     %s\n", cfg.MaxSessionDuration)
	fmt.Printf("Auto PR:     %t\n", cfg.AutoCreatePR)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	cfg := domain.DefaultAgentConfig(setOwner, setRepo)
	cfg.BaseBranch = setBaseBranch
	cfg.AgentModel = setModel
	cfg.MaxSessionDuration = time.Duration(setMinutes) * time.Minute
	cfg.AutoCreatePR = setAutoPR

	if err := s.store.SaveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("Configuration saved for %s/%s\n", setOwner, setRepo)
	return nil
}

func runTemplates(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	tmpls, err := s.store.ListTemplates()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDEFAULT\tVARIABLES\tDESCRIPTION")
	for _, tmpl := range tmpls {
		def := ""
		if tmpl.IsDefault {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tmpl.Name, def, strings.Join(tmpl.Variables, ","), tmpl.Description)
	}
	return w.Flush()
}

func runTUI(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	p := tea.NewProgram(tui.NewModel(s.orch), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	var server *api.Server
	sink := func(e orchestrator.Event) {
		if server != nil {
			server.HandleEvent(e)
		}
	}

	s, err := buildStack(orchestrator.WithEventSink(sink))
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.orch.Rehydrate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := templates.NewWatcher(s.store, s.cfg.General.TemplatesDir, s.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	cleaner, err := janitor.New(s.store, s.logger, s.cfg.Cleanup.Cron, s.cfg.Retention())
	if err != nil {
		return err
	}
	go cleaner.Start()
	defer cleaner.Stop()

	server = api.NewServer(s.orch, s.store, s.logger)
	return server.Start(ctx, s.cfg.WebAddr())
}
