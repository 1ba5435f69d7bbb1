package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so that every query method
// works unchanged inside a transaction opened by WithTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  DBTX
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// WithTx runs fn against a transaction-scoped copy of the store. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if s.db == nil {
		return fmt.Errorf("store is already transaction-scoped")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, suspended)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Username, user.PasswordHash, user.Role, user.Suspended)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, suspended, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.Suspended, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, suspended, created_at
		FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.Suspended, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, username, password_hash, role, suspended, created_at
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.Username, &item.PasswordHash, &item.Role, &item.Suspended, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// userColumns maps update keys onto columns. Only listed keys are settable.
var userColumns = map[string]string{
	"username":      "username",
	"password_hash": "password_hash",
	"role":          "role",
	"suspended":     "suspended",
}

func (s *PostgresStore) UpdateUser(ctx context.Context, userID string, updates map[string]any) error {
	set, args := buildSetClause(userColumns, updates)
	if len(set) == 0 {
		return nil
	}
	args = append(args, userID)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id=$%d`, strings.Join(set, ", "), len(args))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// DeleteUser removes the user; chats and memberships cascade via FK.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// ---- workspaces ----

func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace Workspace) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug)
		VALUES ($1, $2, $3)
	`, workspace.ID, workspace.Name, workspace.Slug)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

const workspaceColumnsSQL = `id, name, slug, pfp_object, chat_mode, open_ai_history, open_ai_prompt, open_ai_temp, llm_provider, created_at, updated_at`

func scanWorkspace(row interface{ Scan(...any) error }) (Workspace, error) {
	var item Workspace
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Slug,
		&item.PfpObject,
		&item.ChatMode,
		&item.OpenAiHistory,
		&item.OpenAiPrompt,
		&item.OpenAiTemp,
		&item.LLMProvider,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetWorkspaceByID(ctx context.Context, workspaceID string) (Workspace, error) {
	return scanWorkspace(s.q.QueryRowContext(ctx, `
		SELECT `+workspaceColumnsSQL+` FROM workspaces WHERE id=$1
	`, workspaceID))
}

func (s *PostgresStore) GetWorkspaceBySlug(ctx context.Context, slug string) (Workspace, error) {
	return scanWorkspace(s.q.QueryRowContext(ctx, `
		SELECT `+workspaceColumnsSQL+` FROM workspaces WHERE slug=$1
	`, slug))
}

// GetWorkspaceForUser resolves a workspace by slug only when the user is a
// member of it.
func (s *PostgresStore) GetWorkspaceForUser(ctx context.Context, userID, slug string) (Workspace, error) {
	return scanWorkspace(s.q.QueryRowContext(ctx, `
		SELECT `+prefixColumns("w.", workspaceColumnsSQL)+`
		FROM workspaces w
		JOIN workspace_users wu ON wu.workspace_id = w.id
		WHERE w.slug=$1 AND wu.user_id=$2
	`, slug, userID))
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+workspaceColumnsSQL+` FROM workspaces ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return collectWorkspaces(rows)
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+prefixColumns("w.", workspaceColumnsSQL)+`
		FROM workspaces w
		JOIN workspace_users wu ON wu.workspace_id = w.id
		WHERE wu.user_id=$1
		ORDER BY w.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces for user: %w", err)
	}
	return collectWorkspaces(rows)
}

func collectWorkspaces(rows *sql.Rows) ([]Workspace, error) {
	defer rows.Close()
	items := make([]Workspace, 0)
	for rows.Next() {
		item, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

// workspaceColumns maps update keys onto columns. The service applies the
// per-role allow-list before this map is ever consulted.
var workspaceColumns = map[string]string{
	"name":            "name",
	"pfp_object":      "pfp_object",
	"chat_mode":       "chat_mode",
	"open_ai_history": "open_ai_history",
	"open_ai_prompt":  "open_ai_prompt",
	"open_ai_temp":    "open_ai_temp",
	"llm_provider":    "llm_provider",
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, workspaceID string, updates map[string]any) error {
	set, args := buildSetClause(workspaceColumns, updates)
	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_at=NOW()")
	args = append(args, workspaceID)
	query := fmt.Sprintf(`UPDATE workspaces SET %s WHERE id=$%d`, strings.Join(set, ", "), len(args))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return nil
}

// DeleteWorkspaceCascade removes a workspace and everything it owns, in
// dependency order. The vector-index namespace is the caller's concern.
func (s *PostgresStore) DeleteWorkspaceCascade(ctx context.Context, workspaceID string) error {
	steps := []struct {
		name  string
		query string
	}{
		{"delete workspace chats", `DELETE FROM workspace_chats WHERE workspace_id=$1`},
		{"delete workspace threads", `DELETE FROM workspace_threads WHERE workspace_id=$1`},
		{"delete document vectors", `DELETE FROM document_vectors WHERE workspace_id=$1`},
		{"delete workspace documents", `DELETE FROM workspace_documents WHERE workspace_id=$1`},
		{"delete workspace members", `DELETE FROM workspace_users WHERE workspace_id=$1`},
		{"delete workspace", `DELETE FROM workspaces WHERE id=$1`},
	}
	for _, step := range steps {
		if _, err := s.q.ExecContext(ctx, step.query, workspaceID); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// ---- membership ----

func (s *PostgresStore) AddWorkspaceUser(ctx context.Context, workspaceID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workspace_users (workspace_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (workspace_id, user_id) DO NOTHING
	`, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("add workspace user: %w", err)
	}
	return nil
}

// SetWorkspaceUsers replaces the membership set of a workspace.
func (s *PostgresStore) SetWorkspaceUsers(ctx context.Context, workspaceID string, userIDs []string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM workspace_users WHERE workspace_id=$1`, workspaceID); err != nil {
		return fmt.Errorf("clear workspace users: %w", err)
	}
	for _, userID := range userIDs {
		if err := s.AddWorkspaceUser(ctx, workspaceID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) WorkspaceUsers(ctx context.Context, workspaceID string) ([]User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT u.id, u.username, u.password_hash, u.role, u.suspended, u.created_at
		FROM users u
		JOIN workspace_users wu ON wu.user_id = u.id
		WHERE wu.workspace_id=$1
		ORDER BY u.username ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.Username, &item.PasswordHash, &item.Role, &item.Suspended, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var member bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM workspace_users WHERE workspace_id=$1 AND user_id=$2)
	`, workspaceID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}

// ---- api keys ----

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key APIKey) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO api_keys (id, secret_hash, created_by)
		VALUES ($1, $2, $3)
	`, key.ID, key.SecretHash, key.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, secretHash string) (APIKey, error) {
	var key APIKey
	err := s.q.QueryRowContext(ctx, `
		SELECT id, secret_hash, created_by, created_at FROM api_keys WHERE secret_hash=$1
	`, secretHash).Scan(&key.ID, &key.SecretHash, &key.CreatedBy, &key.CreatedAt)
	if err != nil {
		return APIKey{}, err
	}
	return key, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, secret_hash, created_by, created_at FROM api_keys ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	items := make([]APIKey, 0)
	for rows.Next() {
		var item APIKey
		if err := rows.Scan(&item.ID, &item.SecretHash, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, keyID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM api_keys WHERE id=$1`, keyID); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// ---- event logs ----

func (s *PostgresStore) InsertEventLog(ctx context.Context, event string, metadata map[string]any, userID *string) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO event_logs (event, metadata, user_id)
		VALUES ($1, $2::jsonb, $3)
	`, event, string(encoded), userID)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// ---- helpers ----

func buildSetClause(columns map[string]string, updates map[string]any) ([]string, []any) {
	set := make([]string, 0, len(updates))
	args := make([]any, 0, len(updates))
	for key, value := range updates {
		column, ok := columns[key]
		if !ok {
			continue
		}
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	return set, args
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, part := range parts {
		parts[i] = prefix + part
	}
	return strings.Join(parts, ", ")
}

// IsNotFound reports whether err is the no-rows sentinel from a lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
