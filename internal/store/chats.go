package store

import (
	"context"
	"database/sql"
	"fmt"
)

const chatColumnsSQL = `id, workspace_id, thread_id, user_id, prompt, response::text, include, feedback_score, api_session_id, created_at`

func scanChat(row interface{ Scan(...any) error }) (Chat, error) {
	var item Chat
	err := row.Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.ThreadID,
		&item.UserID,
		&item.Prompt,
		&item.Response,
		&item.Include,
		&item.FeedbackScore,
		&item.APISessionID,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertChat(ctx context.Context, chat Chat) (int64, error) {
	response := chat.Response
	if response == "" {
		response = "{}"
	}
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO workspace_chats (workspace_id, thread_id, user_id, prompt, response, include, api_session_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING id
	`, chat.WorkspaceID, chat.ThreadID, chat.UserID, chat.Prompt, response, chat.Include, chat.APISessionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	return id, nil
}

// BulkInsertChats inserts every chat or none: callers run it inside WithTx
// when atomicity matters.
func (s *PostgresStore) BulkInsertChats(ctx context.Context, chats []Chat) error {
	for _, chat := range chats {
		if _, err := s.InsertChat(ctx, chat); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetChat(ctx context.Context, workspaceID string, chatID int64) (Chat, error) {
	return scanChat(s.q.QueryRowContext(ctx, `
		SELECT `+chatColumnsSQL+` FROM workspace_chats WHERE workspace_id=$1 AND id=$2
	`, workspaceID, chatID))
}

// GetChatForUser resolves a chat only when it belongs to the given user on
// the main timeline of the workspace.
func (s *PostgresStore) GetChatForUser(ctx context.Context, workspaceID string, chatID int64, userID *string) (Chat, error) {
	return scanChat(s.q.QueryRowContext(ctx, `
		SELECT `+chatColumnsSQL+`
		FROM workspace_chats
		WHERE workspace_id=$1 AND id=$2 AND thread_id IS NULL
		  AND (user_id=$3 OR ($3::text IS NULL AND user_id IS NULL))
	`, workspaceID, chatID, userID))
}

func (s *PostgresStore) ListChatsForWorkspace(ctx context.Context, workspaceID string, userID *string) ([]Chat, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+chatColumnsSQL+`
		FROM workspace_chats
		WHERE workspace_id=$1
		  AND thread_id IS NULL
		  AND include
		  AND api_session_id IS NULL
		  AND ($2::text IS NULL OR user_id=$2)
		ORDER BY id ASC
	`, workspaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return collectChats(rows)
}

// ListChatsForFork selects the forkable prefix of a (workspace, thread)
// scope: the user's visible, non-API chats up to and including pivotChatID,
// in ascending id order.
func (s *PostgresStore) ListChatsForFork(ctx context.Context, workspaceID string, userID *string, threadID *string, pivotChatID int64) ([]Chat, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+chatColumnsSQL+`
		FROM workspace_chats
		WHERE workspace_id=$1
		  AND (user_id=$2 OR ($2::text IS NULL AND user_id IS NULL))
		  AND (thread_id=$3 OR ($3::text IS NULL AND thread_id IS NULL))
		  AND include
		  AND api_session_id IS NULL
		  AND id <= $4
		ORDER BY id ASC
	`, workspaceID, userID, threadID, pivotChatID)
	if err != nil {
		return nil, fmt.Errorf("list chats for fork: %w", err)
	}
	return collectChats(rows)
}

func collectChats(rows *sql.Rows) ([]Chat, error) {
	defer rows.Close()
	items := make([]Chat, 0)
	for rows.Next() {
		item, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return items, nil
}

// DeleteChats removes the given chats when they belong to the user within
// the workspace. Works for both main-timeline and thread chats.
func (s *PostgresStore) DeleteChats(ctx context.Context, workspaceID string, userID *string, chatIDs []int64) error {
	for _, chatID := range chatIDs {
		if _, err := s.q.ExecContext(ctx, `
			DELETE FROM workspace_chats
			WHERE workspace_id=$1 AND id=$2
			  AND (user_id=$3 OR ($3::text IS NULL AND user_id IS NULL))
		`, workspaceID, chatID, userID); err != nil {
			return fmt.Errorf("delete chat %d: %w", chatID, err)
		}
	}
	return nil
}

// DeleteEditedChats removes the user's main-timeline chats from startingID
// onward, used when a response edit invalidates later turns.
func (s *PostgresStore) DeleteEditedChats(ctx context.Context, workspaceID string, userID *string, startingID int64) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM workspace_chats
		WHERE workspace_id=$1 AND thread_id IS NULL AND id >= $2
		  AND (user_id=$3 OR ($3::text IS NULL AND user_id IS NULL))
	`, workspaceID, startingID, userID)
	if err != nil {
		return fmt.Errorf("delete edited chats: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChatResponse(ctx context.Context, chatID int64, response string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE workspace_chats SET response=$2::jsonb WHERE id=$1
	`, chatID, response)
	if err != nil {
		return fmt.Errorf("update chat response: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChatFeedback(ctx context.Context, chatID int64, score *bool) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE workspace_chats SET feedback_score=$2 WHERE id=$1
	`, chatID, score)
	if err != nil {
		return fmt.Errorf("update chat feedback: %w", err)
	}
	return nil
}

// HideChat soft-deletes a chat for the owning user.
func (s *PostgresStore) HideChat(ctx context.Context, chatID int64, userID *string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE workspace_chats SET include=FALSE
		WHERE id=$1 AND (user_id=$2 OR ($2::text IS NULL AND user_id IS NULL))
	`, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("hide chat: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("hide chat rows: %w", err)
	}
	return affected > 0, nil
}

// ---- threads ----

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workspace_threads (id, workspace_id, slug, name, user_id)
		VALUES ($1, $2, $3, $4, $5)
	`, thread.ID, thread.WorkspaceID, thread.Slug, thread.Name, thread.UserID)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThreadBySlug(ctx context.Context, workspaceID, slug string) (Thread, error) {
	var item Thread
	err := s.q.QueryRowContext(ctx, `
		SELECT id, workspace_id, slug, name, user_id, created_at
		FROM workspace_threads
		WHERE workspace_id=$1 AND slug=$2
	`, workspaceID, slug).Scan(&item.ID, &item.WorkspaceID, &item.Slug, &item.Name, &item.UserID, &item.CreatedAt)
	if err != nil {
		return Thread{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, workspaceID string, userID *string) ([]Thread, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, workspace_id, slug, name, user_id, created_at
		FROM workspace_threads
		WHERE workspace_id=$1 AND ($2::text IS NULL OR user_id=$2)
		ORDER BY created_at ASC
	`, workspaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		var item Thread
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Slug, &item.Name, &item.UserID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateThreadName(ctx context.Context, threadID, name string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE workspace_threads SET name=$2 WHERE id=$1
	`, threadID, name)
	if err != nil {
		return fmt.Errorf("update thread name: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, workspaceID, threadID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM workspace_threads WHERE workspace_id=$1 AND id=$2
	`, workspaceID, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}
