package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vmmaster/vmmaster/internal/domain"
)

// PostgresStore is the production MetadataStore, backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies connectivity, and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_groups (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			group_id INTEGER REFERENCES user_groups(id),
			token TEXT NOT NULL UNIQUE,
			allowed_machines INTEGER NOT NULL DEFAULT 1,
			max_stored_sessions INTEGER NOT NULL DEFAULT 100,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			date_joined TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS platforms (
			name TEXT PRIMARY KEY,
			node TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			dc TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			selenium_session TEXT NOT NULL DEFAULT '',
			take_screenshot BOOLEAN NOT NULL DEFAULT FALSE,
			run_script TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'waiting',
			reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			timed_out BOOLEAN NOT NULL DEFAULT FALSE,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_username ON sessions(username)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS session_log_steps (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			control_line TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			screenshot TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_steps_session_id ON session_log_steps(session_id)`,
		`CREATE TABLE IF NOT EXISTS session_log_substeps (
			id BIGSERIAL PRIMARY KEY,
			log_step_id BIGINT NOT NULL REFERENCES session_log_steps(id) ON DELETE CASCADE,
			control_line TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_substeps_log_step_id ON session_log_substeps(log_step_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.ModifiedAt = now

	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (name, username, dc, platform, selenium_session,
			take_screenshot, run_script, status, reason, error, timed_out,
			closed, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, sess.Name, sess.User, sess.DesiredCaps, sess.Platform, sess.SeleniumSession,
		sess.TakeScreenshot, sess.RunScript, sess.Status, sess.Reason, sess.Error,
		sess.TimedOut, sess.Closed, sess.CreatedAt, sess.ModifiedAt,
	).Scan(&sess.ID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT id, name, username, dc, platform, selenium_session, take_screenshot,
			run_script, status, reason, error, timed_out, closed, created_at,
			modified_at, deleted_at
		FROM sessions WHERE id = $1
	`, id))
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	sess.ModifiedAt = time.Now()
	ct, err := s.pool.Exec(ctx, `
		UPDATE sessions SET name = $2, selenium_session = $3, status = $4,
			reason = $5, error = $6, timed_out = $7, closed = $8,
			modified_at = $9, deleted_at = $10
		WHERE id = $1
	`, sess.ID, sess.Name, sess.SeleniumSession, sess.Status, sess.Reason,
		sess.Error, sess.TimedOut, sess.Closed, sess.ModifiedAt, sess.DeletedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %d", sess.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error) {
	query := `
		SELECT id, name, username, dc, platform, selenium_session, take_screenshot,
			run_script, status, reason, error, timed_out, closed, created_at,
			modified_at, deleted_at
		FROM sessions WHERE 1=1`
	args := []any{}
	if filter.User != "" {
		args = append(args, filter.User)
		query += fmt.Sprintf(" AND username = $%d", len(args))
	}
	if filter.ActiveOnly {
		query += " AND status IN ('waiting', 'running')"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	return scanSessionRow(row)
}

func scanSessionRow(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	err := row.Scan(&sess.ID, &sess.Name, &sess.User, &sess.DesiredCaps, &sess.Platform,
		&sess.SeleniumSession, &sess.TakeScreenshot, &sess.RunScript, &sess.Status,
		&sess.Reason, &sess.Error, &sess.TimedOut, &sess.Closed, &sess.CreatedAt,
		&sess.ModifiedAt, &sess.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) AddLogStep(ctx context.Context, step *domain.LogStep) error {
	step.CreatedAt = time.Now()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO session_log_steps (session_id, control_line, body, screenshot, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, step.SessionID, step.ControlLine, step.Body, step.Screenshot, step.CreatedAt).Scan(&step.ID)
	if err != nil {
		return fmt.Errorf("add log step: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetLogStepScreenshot(ctx context.Context, logStepID int64, screenshot string) error {
	_, err := s.pool.Exec(ctx, `UPDATE session_log_steps SET screenshot = $2 WHERE id = $1`,
		logStepID, screenshot)
	if err != nil {
		return fmt.Errorf("set log step screenshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddSubStep(ctx context.Context, sub *domain.SubStep) error {
	sub.CreatedAt = time.Now()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO session_log_substeps (log_step_id, control_line, body, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sub.LogStepID, sub.ControlLine, sub.Body, sub.CreatedAt).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("add sub step: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogSteps(ctx context.Context, sessionID int64) ([]*domain.LogStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, control_line, body, screenshot, created_at
		FROM session_log_steps WHERE session_id = $1 ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list log steps: %w", err)
	}
	defer rows.Close()

	var out []*domain.LogStep
	for rows.Next() {
		var step domain.LogStep
		if err := rows.Scan(&step.ID, &step.SessionID, &step.ControlLine, &step.Body,
			&step.Screenshot, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log step: %w", err)
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSubSteps(ctx context.Context, logStepID int64) ([]*domain.SubStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, log_step_id, control_line, body, created_at
		FROM session_log_substeps WHERE log_step_id = $1 ORDER BY id
	`, logStepID)
	if err != nil {
		return nil, fmt.Errorf("list sub steps: %w", err)
	}
	defer rows.Close()

	var out []*domain.SubStep
	for rows.Next() {
		var sub domain.SubStep
		if err := rows.Scan(&sub.ID, &sub.LogStepID, &sub.ControlLine, &sub.Body,
			&sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sub step: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, COALESCE(group_id, 0), token,
			allowed_machines, max_stored_sessions, is_active, date_joined, last_login
		FROM users WHERE id = $1
	`, id))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, COALESCE(group_id, 0), token,
			allowed_machines, max_stored_sessions, is_active, date_joined, last_login
		FROM users WHERE username = $1
	`, username))
}

func (s *PostgresStore) GetUserByToken(ctx context.Context, token string) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, COALESCE(group_id, 0), token,
			allowed_machines, max_stored_sessions, is_active, date_joined, last_login
		FROM users WHERE token = $1
	`, token))
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.GroupID, &u.Token,
		&u.AllowedMachines, &u.MaxStoredSessions, &u.IsActive, &u.DateJoined, &u.LastLogin)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u.DateJoined.IsZero() {
		u.DateJoined = time.Now()
	}
	var groupID any
	if u.GroupID != 0 {
		groupID = u.GroupID
	}

	if u.ID == 0 {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO users (username, password_hash, group_id, token,
				allowed_machines, max_stored_sessions, is_active, date_joined, last_login)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, u.Username, u.PasswordHash, groupID, u.Token, u.AllowedMachines,
			u.MaxStoredSessions, u.IsActive, u.DateJoined, u.LastLogin).Scan(&u.ID)
		if err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		return nil
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE users SET username = $2, password_hash = $3, group_id = $4,
			token = $5, allowed_machines = $6, max_stored_sessions = $7,
			is_active = $8, last_login = $9
		WHERE id = $1
	`, u.ID, u.Username, u.PasswordHash, groupID, u.Token, u.AllowedMachines,
		u.MaxStoredSessions, u.IsActive, u.LastLogin)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("user not found: %d", u.ID)
	}
	return nil
}

func (s *PostgresStore) SetUserToken(ctx context.Context, id int64, token string) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET token = $2 WHERE id = $1`, id, token)
	if err != nil {
		return fmt.Errorf("set user token: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountActiveSessions(ctx context.Context, username string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE username = $1 AND status IN ('waiting', 'running')
	`, username).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountStoredSessions(ctx context.Context, username string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions WHERE username = $1 AND closed = TRUE
	`, username).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stored sessions: %w", err)
	}
	return n, nil
}

// PruneOldestClosedSessions deletes closed sessions for username beyond
// the keep most-recent, enforcing User.MaxStoredSessions. Deletes cascade
// to log steps and sub-steps via their foreign keys.
func (s *PostgresStore) PruneOldestClosedSessions(ctx context.Context, username string, keep int) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions
			WHERE username = $1 AND closed = TRUE
			ORDER BY created_at DESC
			OFFSET $2
		)
	`, username, keep)
	if err != nil {
		return 0, fmt.Errorf("prune closed sessions: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) GetPlatform(ctx context.Context, name string) (*domain.Platform, error) {
	var p domain.Platform
	err := s.pool.QueryRow(ctx, `SELECT name, node FROM platforms WHERE name = $1`, name).
		Scan(&p.Name, &p.Node)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("platform not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get platform: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SavePlatform(ctx context.Context, p *domain.Platform) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO platforms (name, node) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET node = EXCLUDED.node
	`, p.Name, p.Node)
	if err != nil {
		return fmt.Errorf("save platform: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPlatforms(ctx context.Context) ([]*domain.Platform, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, node FROM platforms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var out []*domain.Platform
	for rows.Next() {
		var p domain.Platform
		if err := rows.Scan(&p.Name, &p.Node); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
