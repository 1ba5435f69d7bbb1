package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"testing"

	"mindloom/api/internal/store"
)

// forkFixtureStore wires a workspace with a fixed main-timeline chat
// set and records what the fork inserts.
type forkFixtureStore struct {
	fakeStore
	chats          []store.Chat
	insertedThread *store.Thread
	clonedChats    []store.Chat
}

func newForkFixture(chats []store.Chat) *forkFixtureStore {
	workspace := store.Workspace{ID: "ws1", Slug: "alpha", Name: "Alpha"}
	fx := &forkFixtureStore{chats: chats}
	fx.getWorkspaceBySlugFn = func(_ context.Context, slug string) (store.Workspace, error) {
		if slug == "alpha" {
			return workspace, nil
		}
		return store.Workspace{}, sql.ErrNoRows
	}
	fx.isWorkspaceMemberFn = func(context.Context, string, string) (bool, error) { return true, nil }
	fx.listChatsForForkFn = func(_ context.Context, workspaceID string, userID *string, threadID *string, pivot int64) ([]store.Chat, error) {
		selected := make([]store.Chat, 0)
		for _, chat := range fx.chats {
			if chat.ID > pivot || !chat.Include || chat.APISessionID != nil {
				continue
			}
			if userID != nil && (chat.UserID == nil || *chat.UserID != *userID) {
				continue
			}
			if threadID == nil && chat.ThreadID != nil {
				continue
			}
			selected = append(selected, chat)
		}
		return selected, nil
	}
	fx.insertThreadFn = func(_ context.Context, thread store.Thread) error {
		fx.insertedThread = &thread
		return nil
	}
	fx.bulkInsertChatsFn = func(_ context.Context, chats []store.Chat) error {
		fx.clonedChats = chats
		return nil
	}
	return fx
}

func mainChat(id int64, userID, text string) store.Chat {
	uid := userID
	return store.Chat{
		ID:          id,
		WorkspaceID: "ws1",
		UserID:      &uid,
		Prompt:      fmt.Sprintf("prompt %d", id),
		Response:    fmt.Sprintf(`{"text":%q}`, text),
		Include:     true,
	}
}

func TestForkClonesPrefixOnly(t *testing.T) {
	chats := []store.Chat{
		mainChat(1, "user-1", "one"),
		mainChat(2, "user-1", "two"),
		mainChat(3, "user-1", "three"),
		mainChat(4, "user-1", "four"),
		mainChat(5, "user-1", "five"),
	}
	fx := newForkFixture(chats)
	svc, _, _ := newTestService(&fx.fakeStore)

	newSlug, err := svc.ForkThread(context.Background(), defaultSession(), "alpha", 3, "")
	if err != nil {
		t.Fatalf("ForkThread: %v", err)
	}
	if newSlug == "" {
		t.Fatal("expected a new thread slug")
	}

	if len(fx.clonedChats) != 3 {
		t.Fatalf("expected 3 clones, got %d", len(fx.clonedChats))
	}
	for i, clone := range fx.clonedChats {
		want := fmt.Sprintf("prompt %d", i+1)
		if clone.Prompt != want {
			t.Errorf("clone %d out of order: prompt %q, want %q", i, clone.Prompt, want)
		}
		if clone.ThreadID == nil || *clone.ThreadID != fx.insertedThread.ID {
			t.Errorf("clone %d not re-parented to the new thread", i)
		}
		if clone.UserID == nil || *clone.UserID != "user-1" {
			t.Errorf("clone %d lost its user", i)
		}
		if !clone.Include {
			t.Errorf("clone %d must be visible", i)
		}
	}
}

func TestForkSkipsHiddenAndAPIChats(t *testing.T) {
	apiSession := "apis-1"
	hidden := mainChat(2, "user-1", "hidden")
	hidden.Include = false
	apiChat := mainChat(3, "user-1", "api")
	apiChat.APISessionID = &apiSession

	fx := newForkFixture([]store.Chat{
		mainChat(1, "user-1", "one"),
		hidden,
		apiChat,
		mainChat(4, "user-1", "four"),
	})
	svc, _, _ := newTestService(&fx.fakeStore)

	if _, err := svc.ForkThread(context.Background(), defaultSession(), "alpha", 4, ""); err != nil {
		t.Fatalf("ForkThread: %v", err)
	}
	if len(fx.clonedChats) != 2 {
		t.Fatalf("expected hidden and api chats excluded, got %d clones", len(fx.clonedChats))
	}
}

func TestForkNameFromLastResponse(t *testing.T) {
	fx := newForkFixture([]store.Chat{
		mainChat(1, "user-1", "short"),
		mainChat(2, "user-1", "this response is definitely longer than the limit"),
	})
	svc, _, _ := newTestService(&fx.fakeStore)

	if _, err := svc.ForkThread(context.Background(), defaultSession(), "alpha", 2, ""); err != nil {
		t.Fatalf("ForkThread: %v", err)
	}
	name := fx.insertedThread.Name
	if len([]rune(name)) > forkNameLength+3 {
		t.Errorf("thread name too long: %q", name)
	}
	if name == "Forked Thread" {
		t.Errorf("expected name derived from response, got placeholder")
	}
}

func TestForkNamePlaceholderWithoutResponses(t *testing.T) {
	empty := mainChat(1, "user-1", "")
	fx := newForkFixture([]store.Chat{empty})
	svc, _, _ := newTestService(&fx.fakeStore)

	if _, err := svc.ForkThread(context.Background(), defaultSession(), "alpha", 1, ""); err != nil {
		t.Fatalf("ForkThread: %v", err)
	}
	if fx.insertedThread.Name != "Forked Thread" {
		t.Errorf("expected placeholder name, got %q", fx.insertedThread.Name)
	}
}

func TestForkAbortsWhenThreadCreateFails(t *testing.T) {
	fx := newForkFixture([]store.Chat{mainChat(1, "user-1", "one")})
	fx.insertThreadFn = func(context.Context, store.Thread) error {
		return fmt.Errorf("unique violation")
	}
	svc, _, _ := newTestService(&fx.fakeStore)

	if _, err := svc.ForkThread(context.Background(), defaultSession(), "alpha", 1, ""); err == nil {
		t.Fatal("expected error when thread creation fails")
	}
	if fx.clonedChats != nil {
		t.Error("no chats may be cloned after a failed thread create")
	}
}

func TestForkInvalidChatID(t *testing.T) {
	fx := newForkFixture(nil)
	svc, _, _ := newTestService(&fx.fakeStore)

	_, err := svc.ForkThread(context.Background(), defaultSession(), "alpha", 0, "")
	if status, code := domainStatus(t, err); status != http.StatusUnprocessableEntity || code != "VALIDATION_ERROR" {
		t.Errorf("expected 422 VALIDATION_ERROR, got %d %s", status, code)
	}
}

func TestForkUnknownSourceThread(t *testing.T) {
	fx := newForkFixture(nil)
	svc, _, _ := newTestService(&fx.fakeStore)

	_, err := svc.ForkThread(context.Background(), defaultSession(), "alpha", 3, "no-such-thread")
	if status, _ := domainStatus(t, err); status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown thread, got %d", status)
	}
}
