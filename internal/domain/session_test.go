package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusInitializing, StatusWorking, StatusCreatingPR,
		StatusCompleted, StatusFailed, StatusCancelled,
	} {
		got, err := ParseStatus(string(s))
		if err != nil {
			t.Errorf("ParseStatus(%q) error: %v", s, err)
		}
		if got != s {
			t.Errorf("ParseStatus(%q) = %q", s, got)
		}
	}

	if _, err := ParseStatus("running"); err == nil {
		t.Error("ParseStatus should reject unknown statuses")
	}
}

func TestStatusProperties(t *testing.T) {
	if StatusWorking.IsTerminal() || StatusPending.IsTerminal() {
		t.Error("non-terminal status reported terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	if StatusPending.IsActive() {
		t.Error("pending should not count as active")
	}
	for _, s := range []Status{StatusInitializing, StatusWorking, StatusCreatingPR} {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInitializing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusWorking, false},
		{StatusInitializing, StatusWorking, true},
		{StatusInitializing, StatusFailed, true},
		{StatusInitializing, StatusCompleted, false},
		{StatusWorking, StatusCreatingPR, true},
		{StatusWorking, StatusCompleted, true},
		{StatusWorking, StatusFailed, true},
		{StatusCreatingPR, StatusCompleted, true},
		{StatusCreatingPR, StatusFailed, true},
		{StatusCreatingPR, StatusWorking, false},
		// cancellation reachable from any non-terminal status
		{StatusPending, StatusCancelled, true},
		{StatusInitializing, StatusCancelled, true},
		{StatusWorking, StatusCancelled, true},
		{StatusCreatingPR, StatusCancelled, true},
		// terminal states permit nothing
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusWorking, false},
		{StatusCancelled, StatusCancelled, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	taskID := uuid.New()
	s := NewSession(taskID)

	if s.TaskID != taskID {
		t.Errorf("TaskID = %v, want %v", s.TaskID, taskID)
	}
	if s.Status != StatusPending {
		t.Errorf("new session status = %s, want pending", s.Status)
	}

	if err := s.Transition(StatusInitializing); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(StatusWorking); err != nil {
		t.Fatal(err)
	}
	if s.CompletedAt != nil {
		t.Error("CompletedAt set before terminal state")
	}

	s.AppendLog("agent started")
	if len(s.Log) != 1 || !strings.Contains(s.Log[0], "agent started") {
		t.Errorf("Log = %v", s.Log)
	}

	s.SetPRInfo("https://github.com/owner/repo/pull/123", 123)
	if s.PRNumber != 123 {
		t.Errorf("PRNumber = %d", s.PRNumber)
	}

	if err := s.Transition(StatusCreatingPR); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if s.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal transition")
	}
	if err := s.Transition(StatusWorking); err == nil {
		t.Error("transition out of terminal state should fail")
	}
}

func TestSessionFail(t *testing.T) {
	s := NewSession(uuid.New())
	if err := s.Transition(StatusInitializing); err != nil {
		t.Fatal(err)
	}

	s.AppendLog("cloning repository")
	s.Fail("clone failed: network unreachable")

	if s.Status != StatusFailed {
		t.Errorf("status = %s, want failed", s.Status)
	}
	if s.ErrorMessage != "clone failed: network unreachable" {
		t.Errorf("ErrorMessage = %q", s.ErrorMessage)
	}
	// log accumulated before the failure is preserved
	if len(s.Log) != 2 {
		t.Fatalf("log lines = %d, want 2", len(s.Log))
	}
	if !strings.Contains(s.Log[0], "cloning repository") {
		t.Errorf("first log line = %q", s.Log[0])
	}
	if !strings.Contains(s.Log[1], "ERROR") {
		t.Errorf("second log line = %q", s.Log[1])
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Fix bug", "fix-bug"},
		{"Add OAuth2 support!", "add-oauth2-support"},
		{"  spaces  ", "spaces"},
		{"Ümlaut Ünicode", "mlaut-nicode"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTaskSnapshotShortID(t *testing.T) {
	task := TaskSnapshot{ID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), Title: "Fix bug"}
	if got := task.ShortID(); got != "6ba7b810" {
		t.Errorf("ShortID() = %q", got)
	}
	if got := task.Slug(); got != "fix-bug" {
		t.Errorf("Slug() = %q", got)
	}
}

func TestExtractVariables(t *testing.T) {
	tmpl := NewPromptTemplate("test", "Task: {{task_title}}\nPriority: {{priority}}\nAgain: {{task_title}}")
	want := []string{"task_title", "priority"}
	if len(tmpl.Variables) != len(want) {
		t.Fatalf("Variables = %v, want %v", tmpl.Variables, want)
	}
	for i := range want {
		if tmpl.Variables[i] != want[i] {
			t.Errorf("Variables[%d] = %q, want %q", i, tmpl.Variables[i], want[i])
		}
	}
}

func TestAgentConfigValidate(t *testing.T) {
	cfg := DefaultAgentConfig("owner", "repo")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	cfg.GitHubRepo = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty repo should fail validation")
	}

	cfg = DefaultAgentConfig("owner", "repo")
	cfg.MaxSessionDuration = 3 * 60 * 1e9
	if err := cfg.Validate(); err == nil {
		t.Error("3 minute duration should fail validation")
	}

	cfg.MaxSessionDuration = 5 * 60 * 60 * 1e9
	if err := cfg.Validate(); err == nil {
		t.Error("5 hour duration should fail validation")
	}
}

func TestRepoCloneURL(t *testing.T) {
	cfg := DefaultAgentConfig("plonhq", "plon")
	if got := cfg.RepoCloneURL(); got != "https://github.com/plonhq/plon.git" {
		t.Errorf("RepoCloneURL() = %q", got)
	}
	cfg.CloneURL = "git@github.com:plonhq/plon.git"
	if got := cfg.RepoCloneURL(); got != "git@github.com:plonhq/plon.git" {
		t.Errorf("RepoCloneURL() with override = %q", got)
	}
}
