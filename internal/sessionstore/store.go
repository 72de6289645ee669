package sessionstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/plonhq/plon-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for sessions, the agent
// configuration, and prompt templates.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// An in-memory database exists per connection; keep the pool at one
	// so tests see a single database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session record and its log lines in one
// transaction. The check for an existing active session and the insert are
// a single atomic operation: the partial unique index rejects a second
// non-terminal session for the same task.
func (s *Store) CreateSession(session *domain.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, task_id, status, branch_name, pr_url, pr_number, error_message, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID.String(),
		session.TaskID.String(),
		string(session.Status),
		nullString(session.BranchName),
		nullString(session.PRURL),
		nullInt(session.PRNumber),
		nullString(session.ErrorMessage),
		session.StartedAt,
		nullTime(session.CompletedAt),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConcurrentSession
		}
		return err
	}

	if err := insertLogLines(tx, session.ID.String(), 0, session.Log); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateSession persists the session's mutable fields and any log lines
// appended since the last save. Status, timestamps, and log lines are
// committed atomically.
func (s *Store) UpdateSession(session *domain.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE sessions
		SET status = ?, branch_name = ?, pr_url = ?, pr_number = ?,
		    error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(session.Status),
		nullString(session.BranchName),
		nullString(session.PRURL),
		nullInt(session.PRNumber),
		nullString(session.ErrorMessage),
		nullTime(session.CompletedAt),
		session.UpdatedAt,
		session.ID.String(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}

	var persisted int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM session_logs WHERE session_id = ?`, session.ID.String()).Scan(&persisted); err != nil {
		return err
	}
	if persisted < len(session.Log) {
		if err := insertLogLines(tx, session.ID.String(), persisted, session.Log[persisted:]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetSession retrieves a session with its full log, in emission order
func (s *Store) GetSession(id uuid.UUID) (*domain.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, status, branch_name, pr_url, pr_number, error_message, started_at, completed_at, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id.String())

	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	if session.Log, err = s.loadLog(id.String()); err != nil {
		return nil, err
	}
	return session, nil
}

// ListForTask returns all sessions for a task, newest first. Sessions are
// never deleted by lifecycle operations, so this is the full history.
func (s *Store) ListForTask(taskID uuid.UUID) ([]*domain.Session, error) {
	return s.querySessions(`
		SELECT id, task_id, status, branch_name, pr_url, pr_number, error_message, started_at, completed_at, created_at, updated_at
		FROM sessions WHERE task_id = ? ORDER BY created_at DESC
	`, taskID.String())
}

// ListActive returns exactly the sessions whose status is non-terminal,
// used for crash recovery.
func (s *Store) ListActive() ([]*domain.Session, error) {
	return s.querySessions(`
		SELECT id, task_id, status, branch_name, pr_url, pr_number, error_message, started_at, completed_at, created_at, updated_at
		FROM sessions
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY started_at DESC
	`)
}

// DeleteTerminalBefore removes terminal sessions completed before the
// cutoff, along with their logs. Non-terminal sessions are never touched.
func (s *Store) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM sessions
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) querySessions(query string, args ...interface{}) ([]*domain.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, session := range sessions {
		if session.Log, err = s.loadLog(session.ID.String()); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *Store) loadLog(sessionID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM session_logs WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func insertLogLines(tx *sql.Tx, sessionID string, startSeq int, lines []string) error {
	for i, line := range lines {
		if _, err := tx.Exec(`INSERT INTO session_logs (session_id, seq, line) VALUES (?, ?, ?)`,
			sessionID, startSeq+i, line); err != nil {
			return err
		}
	}
	return nil
}

// GetConfig returns the singleton agent configuration row
func (s *Store) GetConfig() (*domain.AgentConfig, error) {
	row := s.db.QueryRow(`
		SELECT github_owner, github_repo, clone_url, base_branch, agent_model, max_session_minutes, auto_create_pr, working_directory, created_at, updated_at
		FROM agent_config WHERE id = 1
	`)

	var cfg domain.AgentConfig
	var cloneURL, workDir sql.NullString
	var maxMinutes int
	err := row.Scan(&cfg.GitHubOwner, &cfg.GitHubRepo, &cloneURL, &cfg.BaseBranch,
		&cfg.AgentModel, &maxMinutes, &cfg.AutoCreatePR, &workDir, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrConfigMissing
		}
		return nil, err
	}

	cfg.CloneURL = cloneURL.String
	cfg.WorkingDirectory = workDir.String
	cfg.MaxSessionDuration = time.Duration(maxMinutes) * time.Minute
	return &cfg, nil
}

// SaveConfig upserts the singleton agent configuration row
func (s *Store) SaveConfig(cfg *domain.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = cfg.UpdatedAt
	}

	_, err := s.db.Exec(`
		INSERT INTO agent_config (id, github_owner, github_repo, clone_url, base_branch, agent_model, max_session_minutes, auto_create_pr, working_directory, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			github_owner = excluded.github_owner,
			github_repo = excluded.github_repo,
			clone_url = excluded.clone_url,
			base_branch = excluded.base_branch,
			agent_model = excluded.agent_model,
			max_session_minutes = excluded.max_session_minutes,
			auto_create_pr = excluded.auto_create_pr,
			working_directory = excluded.working_directory,
			updated_at = excluded.updated_at
	`,
		cfg.GitHubOwner,
		cfg.GitHubRepo,
		nullString(cfg.CloneURL),
		cfg.BaseBranch,
		cfg.AgentModel,
		int(cfg.MaxSessionDuration.Minutes()),
		cfg.AutoCreatePR,
		nullString(cfg.WorkingDirectory),
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	return err
}

// SaveTemplate upserts a prompt template. Setting the default flag clears
// it on every other template in the same transaction, so exactly one
// default exists at any time.
func (s *Store) SaveTemplate(t *domain.PromptTemplate) error {
	varsJSON, err := json.Marshal(t.Variables)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if t.IsDefault {
		if _, err := tx.Exec(`UPDATE prompt_templates SET is_default = FALSE WHERE name != ?`, t.Name); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`
		INSERT INTO prompt_templates (name, template, description, variables, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			template = excluded.template,
			description = excluded.description,
			variables = excluded.variables,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`,
		t.Name, t.Template, nullString(t.Description), string(varsJSON), t.IsDefault, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetTemplate retrieves a prompt template by name
func (s *Store) GetTemplate(name string) (*domain.PromptTemplate, error) {
	return s.queryTemplate(`
		SELECT name, template, description, variables, is_default, created_at, updated_at
		FROM prompt_templates WHERE name = ?
	`, name)
}

// GetDefaultTemplate retrieves the template flagged as default
func (s *Store) GetDefaultTemplate() (*domain.PromptTemplate, error) {
	return s.queryTemplate(`
		SELECT name, template, description, variables, is_default, created_at, updated_at
		FROM prompt_templates WHERE is_default = TRUE
	`)
}

// ListTemplates returns all templates ordered by name
func (s *Store) ListTemplates() ([]*domain.PromptTemplate, error) {
	rows, err := s.db.Query(`
		SELECT name, template, description, variables, is_default, created_at, updated_at
		FROM prompt_templates ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*domain.PromptTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *Store) queryTemplate(query string, args ...interface{}) (*domain.PromptTemplate, error) {
	t, err := scanTemplate(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("prompt template not found")
	}
	return t, err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scannable) (*domain.Session, error) {
	var session domain.Session
	var id, taskID, status string
	var branch, prURL, errMsg sql.NullString
	var prNumber sql.NullInt64
	var completedAt sql.NullTime

	err := row.Scan(&id, &taskID, &status, &branch, &prURL, &prNumber, &errMsg,
		&session.StartedAt, &completedAt, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if session.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt session id %q: %w", id, err)
	}
	if session.TaskID, err = uuid.Parse(taskID); err != nil {
		return nil, fmt.Errorf("corrupt task id %q: %w", taskID, err)
	}
	if session.Status, err = domain.ParseStatus(status); err != nil {
		return nil, err
	}

	session.BranchName = branch.String
	session.PRURL = prURL.String
	session.PRNumber = int(prNumber.Int64)
	session.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		session.CompletedAt = &t
	}

	return &session, nil
}

func scanTemplate(row scannable) (*domain.PromptTemplate, error) {
	var t domain.PromptTemplate
	var description, varsJSON sql.NullString

	err := row.Scan(&t.Name, &t.Template, &description, &varsJSON, &t.IsDefault, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	if varsJSON.Valid && varsJSON.String != "" && varsJSON.String != "null" {
		if err := json.Unmarshal([]byte(varsJSON.String), &t.Variables); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
