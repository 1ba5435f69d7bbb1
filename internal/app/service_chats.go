package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"mindloom/api/internal/assets"
	"mindloom/api/internal/rbac"
	"mindloom/api/internal/store"
	"mindloom/api/internal/util"
)

// historyUserRef scopes chat reads. Managers and admins see the whole
// workspace history; default users only their own turns.
func (s *Service) historyUserRef(session Session) *string {
	if rbac.Can(session.Role, rbac.RoleManager) {
		return nil
	}
	return session.userIDRef()
}

// ChatHistory returns the visible main-timeline chats of a workspace.
func (s *Service) ChatHistory(ctx context.Context, session Session, slug string) ([]map[string]any, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return nil, err
	}

	chats, err := s.store.ListChatsForWorkspace(ctx, workspace.ID, s.historyUserRef(session))
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(chats))
	for _, chat := range chats {
		items = append(items, map[string]any{
			"id":            chat.ID,
			"prompt":        chat.Prompt,
			"response":      json.RawMessage(chat.Response),
			"feedbackScore": chat.FeedbackScore,
			"sentAt":        chat.CreatedAt.Unix(),
		})
	}
	return items, nil
}

// AppendChat records one prompt/response turn. API-key sessions tag the
// chat so it never enters history lists or forks.
func (s *Service) AppendChat(ctx context.Context, session Session, slug, threadSlug, prompt string, response store.ChatResponse) (int64, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(prompt) == "" {
		return 0, validationError("Prompt cannot be empty")
	}

	var threadID *string
	if threadSlug != "" {
		thread, err := s.store.GetThreadBySlug(ctx, workspace.ID, threadSlug)
		if err != nil {
			if store.IsNotFound(err) {
				return 0, notFound("Thread not found")
			}
			return 0, err
		}
		threadID = &thread.ID
	}

	encoded, err := json.Marshal(response)
	if err != nil {
		return 0, fmt.Errorf("encode response: %w", err)
	}

	chat := store.Chat{
		WorkspaceID: workspace.ID,
		ThreadID:    threadID,
		UserID:      session.userIDRef(),
		Prompt:      prompt,
		Response:    string(encoded),
		Include:     true,
	}
	if session.APISession != "" {
		apiSession := session.APISession
		chat.APISessionID = &apiSession
	}
	return s.store.InsertChat(ctx, chat)
}

func (s *Service) DeleteChats(ctx context.Context, session Session, slug string, chatIDs []int64) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if len(chatIDs) == 0 {
		return nil
	}
	if err := s.store.DeleteChats(ctx, workspace.ID, session.userIDRef(), chatIDs); err != nil {
		return err
	}
	for _, chatID := range chatIDs {
		if err := s.cache.Invalidate(ctx, assets.ChatKey(workspace.Slug, chatID)); err != nil {
			log.Printf("invalidate speech cache for chat %d failed: %v", chatID, err)
		}
	}
	return nil
}

// DeleteEditedChats removes the tail of the user's main timeline from
// startingID onward, after an upstream edit made those turns stale.
func (s *Service) DeleteEditedChats(ctx context.Context, session Session, slug string, startingID int64) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if startingID <= 0 {
		return validationError("Invalid chat id")
	}
	return s.store.DeleteEditedChats(ctx, workspace.ID, session.userIDRef(), startingID)
}

// UpdateChat rewrites the response text of one of the user's chats. Any
// cached speech for the chat is invalidated before returning.
func (s *Service) UpdateChat(ctx context.Context, session Session, slug string, chatID int64, newText string) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if strings.TrimSpace(newText) == "" {
		return validationError("Cannot save empty response")
	}

	chat, err := s.store.GetChatForUser(ctx, workspace.ID, chatID, session.userIDRef())
	if err != nil {
		if store.IsNotFound(err) {
			return notFound("Invalid chat.")
		}
		return err
	}

	var response store.ChatResponse
	if err := json.Unmarshal([]byte(chat.Response), &response); err != nil {
		response = store.ChatResponse{}
	}
	response.Text = newText

	encoded, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := s.store.UpdateChatResponse(ctx, chat.ID, string(encoded)); err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if err := s.cache.Invalidate(ctx, assets.ChatKey(workspace.Slug, chat.ID)); err != nil {
		return fmt.Errorf("invalidate speech cache: %w", err)
	}
	return nil
}

func (s *Service) ChatFeedback(ctx context.Context, session Session, slug string, chatID int64, score *bool) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if _, err := s.store.GetChat(ctx, workspace.ID, chatID); err != nil {
		if store.IsNotFound(err) {
			return notFound("Invalid chat.")
		}
		return err
	}
	return s.store.UpdateChatFeedback(ctx, chatID, score)
}

// HideChat soft-deletes one chat turn by clearing its include flag.
func (s *Service) HideChat(ctx context.Context, session Session, chatID int64) error {
	hidden, err := s.store.HideChat(ctx, chatID, session.userIDRef())
	if err != nil {
		return err
	}
	if !hidden {
		return notFound("Invalid chat.")
	}
	return nil
}

// ---- threads ----

const forkNameLength = 22

// ForkThread clones the user's chat prefix up to and including chatID
// into a new thread. The clone is all or nothing; the thread name comes
// from the last cloned response.
func (s *Service) ForkThread(ctx context.Context, session Session, slug string, chatID int64, fromThreadSlug string) (string, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return "", err
	}
	if chatID <= 0 {
		return "", validationError("Invalid chat id")
	}

	var sourceThreadID *string
	if fromThreadSlug != "" {
		thread, err := s.store.GetThreadBySlug(ctx, workspace.ID, fromThreadSlug)
		if err != nil {
			if store.IsNotFound(err) {
				return "", notFound("Thread not found")
			}
			return "", err
		}
		sourceThreadID = &thread.ID
	}

	chats, err := s.store.ListChatsForFork(ctx, workspace.ID, session.userIDRef(), sourceThreadID, chatID)
	if err != nil {
		return "", err
	}

	thread := store.Thread{
		ID:          util.NewID("thread"),
		WorkspaceID: workspace.ID,
		Slug:        util.NewID("thread"),
		Name:        forkThreadName(chats),
		UserID:      session.userIDRef(),
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	clones := make([]store.Chat, 0, len(chats))
	for _, chat := range chats {
		clones = append(clones, store.Chat{
			WorkspaceID: workspace.ID,
			ThreadID:    &thread.ID,
			UserID:      session.userIDRef(),
			Prompt:      chat.Prompt,
			Response:    chat.Response,
			Include:     true,
		})
	}
	if len(clones) > 0 {
		if err := s.store.BulkInsertChats(ctx, clones); err != nil {
			return "", fmt.Errorf("clone chats: %w", err)
		}
	}

	_ = s.store.InsertEventLog(ctx, "thread_forked", map[string]any{
		"workspaceName": workspace.Name,
		"threadName":    thread.Name,
	}, session.userIDRef())
	return thread.Slug, nil
}

// forkThreadName derives the new thread's name from the last cloned
// response, falling back to a placeholder when nothing useful exists.
func forkThreadName(chats []store.Chat) string {
	for i := len(chats) - 1; i >= 0; i-- {
		if text := responseText(chats[i].Response); text != "" {
			return util.Truncate(text, forkNameLength)
		}
	}
	return "Forked Thread"
}

func (s *Service) ListThreads(ctx context.Context, session Session, slug string) ([]store.Thread, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return nil, err
	}
	return s.store.ListThreads(ctx, workspace.ID, s.historyUserRef(session))
}

func (s *Service) NewThread(ctx context.Context, session Session, slug, name string) (store.Thread, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return store.Thread{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = "Thread"
	}

	thread := store.Thread{
		ID:          util.NewID("thread"),
		WorkspaceID: workspace.ID,
		Slug:        util.NewID("thread"),
		Name:        strings.TrimSpace(name),
		UserID:      session.userIDRef(),
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return store.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

func (s *Service) RenameThread(ctx context.Context, session Session, slug, threadSlug, name string) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return validationError("Thread name cannot be empty")
	}
	thread, err := s.store.GetThreadBySlug(ctx, workspace.ID, threadSlug)
	if err != nil {
		if store.IsNotFound(err) {
			return notFound("Thread not found")
		}
		return err
	}
	return s.store.UpdateThreadName(ctx, thread.ID, strings.TrimSpace(name))
}

func (s *Service) DeleteThread(ctx context.Context, session Session, slug, threadSlug string) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	thread, err := s.store.GetThreadBySlug(ctx, workspace.ID, threadSlug)
	if err != nil {
		if store.IsNotFound(err) {
			return notFound("Thread not found")
		}
		return err
	}
	if err := s.store.DeleteThread(ctx, workspace.ID, thread.ID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}
