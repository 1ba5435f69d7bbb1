package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mindloom/api/internal/assets"
	"mindloom/api/internal/auth"
	"mindloom/api/internal/collector"
	"mindloom/api/internal/config"
	"mindloom/api/internal/documents"
	"mindloom/api/internal/rbac"
	"mindloom/api/internal/store"
	"mindloom/api/internal/util"
)

// Session is a resolved identity for one request. APISession is set
// when the caller authenticated with an API key instead of a user
// token; chats created under it are tagged and excluded from forks.
type Session struct {
	Token      string
	UserID     string
	Username   string
	Role       rbac.Role
	JTI        string
	ExpiresAt  time.Time
	APISession string
}

func (s Session) userIDRef() *string {
	if s.APISession != "" || s.UserID == "" {
		return nil
	}
	id := s.UserID
	return &id
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	UpdateUser(ctx context.Context, userID string, updates map[string]any) error
	DeleteUser(ctx context.Context, userID string) error

	CreateWorkspace(ctx context.Context, workspace store.Workspace) error
	GetWorkspaceByID(ctx context.Context, workspaceID string) (store.Workspace, error)
	GetWorkspaceBySlug(ctx context.Context, slug string) (store.Workspace, error)
	GetWorkspaceForUser(ctx context.Context, userID, slug string) (store.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]store.Workspace, error)
	ListWorkspacesForUser(ctx context.Context, userID string) ([]store.Workspace, error)
	UpdateWorkspace(ctx context.Context, workspaceID string, updates map[string]any) error
	DeleteWorkspaceCascade(ctx context.Context, workspaceID string) error
	AddWorkspaceUser(ctx context.Context, workspaceID, userID string) error
	SetWorkspaceUsers(ctx context.Context, workspaceID string, userIDs []string) error
	WorkspaceUsers(ctx context.Context, workspaceID string) ([]store.User, error)
	IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error)

	ListDocuments(ctx context.Context, workspaceID string) ([]store.Document, error)
	GetDocument(ctx context.Context, workspaceID, docpath string) (store.Document, error)
	UpdateDocumentPinned(ctx context.Context, documentID string, pinned bool) error
	DeleteVectorsForWorkspace(ctx context.Context, workspaceID string) error
	DeleteDocumentsForWorkspace(ctx context.Context, workspaceID string) error

	InsertChat(ctx context.Context, chat store.Chat) (int64, error)
	BulkInsertChats(ctx context.Context, chats []store.Chat) error
	GetChat(ctx context.Context, workspaceID string, chatID int64) (store.Chat, error)
	GetChatForUser(ctx context.Context, workspaceID string, chatID int64, userID *string) (store.Chat, error)
	ListChatsForWorkspace(ctx context.Context, workspaceID string, userID *string) ([]store.Chat, error)
	ListChatsForFork(ctx context.Context, workspaceID string, userID *string, threadID *string, pivotChatID int64) ([]store.Chat, error)
	DeleteChats(ctx context.Context, workspaceID string, userID *string, chatIDs []int64) error
	DeleteEditedChats(ctx context.Context, workspaceID string, userID *string, startingID int64) error
	UpdateChatResponse(ctx context.Context, chatID int64, response string) error
	UpdateChatFeedback(ctx context.Context, chatID int64, score *bool) error
	HideChat(ctx context.Context, chatID int64, userID *string) (bool, error)

	InsertThread(ctx context.Context, thread store.Thread) error
	GetThreadBySlug(ctx context.Context, workspaceID, slug string) (store.Thread, error)
	ListThreads(ctx context.Context, workspaceID string, userID *string) ([]store.Thread, error)
	UpdateThreadName(ctx context.Context, threadID, name string) error
	DeleteThread(ctx context.Context, workspaceID, threadID string) error

	CreateAPIKey(ctx context.Context, key store.APIKey) error
	GetAPIKeyByHash(ctx context.Context, secretHash string) (store.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]store.APIKey, error)
	DeleteAPIKey(ctx context.Context, keyID string) error

	InsertEventLog(ctx context.Context, event string, metadata map[string]any, userID *string) error
}

type docPipeline interface {
	Upload(ctx context.Context, filename string) ([]collector.ProcessedDocument, error)
	UploadLink(ctx context.Context, link string) ([]collector.ProcessedDocument, error)
	AddDocuments(ctx context.Context, workspace store.Workspace, docpaths []string) (documents.EmbedOutcome, error)
	RemoveDocuments(ctx context.Context, workspace store.Workspace, docpaths []string) error
	Purge(ctx context.Context, docpath string) error
	SyncAll(ctx context.Context, adds, deletes []string) (documents.SyncOutcome, error)
}

// namespaceIndex is the slice of the vector index the service calls
// directly, outside the ingestion pipeline.
type namespaceIndex interface {
	DeleteNamespace(ctx context.Context, namespace string) error
}

type avatarStore interface {
	PutAvatar(ctx context.Context, workspaceID, mime string, data []byte) (string, error)
	GetAvatar(ctx context.Context, name string) (*assets.Asset, error)
	RemoveAvatar(ctx context.Context, name string) error
}

type speechSynth interface {
	Synthesize(ctx context.Context, text string) (*assets.Asset, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	docs    docPipeline
	index   namespaceIndex
	cache   assets.Cache
	avatars avatarStore
	tts     speechSynth
}

// New wires the service. tts may be nil when speech synthesis is not
// configured.
func New(cfg config.Config, dataStore *store.PostgresStore, docs *documents.Pipeline, index namespaceIndex, cache assets.Cache, avatars avatarStore, tts speechSynth) *Service {
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		docs:    docs,
		index:   index,
		cache:   cache,
		avatars: avatars,
		tts:     tts,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- identity ----

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required", nil)
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid login credentials", nil)
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid login credentials", nil)
	}
	if user.Suspended {
		return Session{}, forbidden("Account is suspended")
	}

	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, err
	}
	_ = s.store.InsertEventLog(ctx, "login_event", map[string]any{"username": user.Username}, &user.ID)
	return session, nil
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Role:     user.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      rbac.Normalize(user.Role),
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if user.Suspended {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      rbac.Normalize(user.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromAPIKey resolves a developer API key to a privileged
// session. Chats created under it carry the api session id.
func (s *Service) SessionFromAPIKey(ctx context.Context, secret string) (Session, error) {
	key, err := s.store.GetAPIKeyByHash(ctx, auth.HashToken(secret))
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Username:   "api-key:" + key.ID,
		Role:       rbac.RoleAdmin,
		APISession: util.NewID("apis"),
	}, nil
}

// CanActOnWorkspace is the membership check behind every workspace
// mutation. Admins act anywhere; in multi-user mode everyone else must
// be a member.
func (s *Service) CanActOnWorkspace(ctx context.Context, session Session, workspace store.Workspace) (bool, error) {
	if session.Role == rbac.RoleAdmin {
		return true, nil
	}
	if session.UserID == "" {
		return false, nil
	}
	if !s.cfg.MultiUser {
		return true, nil
	}
	return s.store.IsWorkspaceMember(ctx, workspace.ID, session.UserID)
}

func (s *Service) resolveWorkspace(ctx context.Context, session Session, slug string) (store.Workspace, error) {
	workspace, err := s.store.GetWorkspaceBySlug(ctx, slug)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Workspace{}, notFound("Workspace not found")
		}
		return store.Workspace{}, err
	}

	allowed, err := s.CanActOnWorkspace(ctx, session, workspace)
	if err != nil {
		return store.Workspace{}, err
	}
	if !allowed {
		return store.Workspace{}, forbidden("Forbidden")
	}
	return workspace, nil
}

// ---- workspaces ----

func (s *Service) CreateWorkspace(ctx context.Context, session Session, name string) (store.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Workspace{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Workspace name is required", nil)
	}

	slug := util.Slugify(name)
	if slug == "" {
		slug = util.NewID("ws")
	}
	if _, err := s.store.GetWorkspaceBySlug(ctx, slug); err == nil {
		slug = slug + "-" + util.NewID("")
	}

	workspace := store.Workspace{
		ID:            util.NewID("ws"),
		Name:          name,
		Slug:          slug,
		ChatMode:      "chat",
		OpenAiHistory: 20,
		OpenAiTemp:    0.7,
	}
	if err := s.store.CreateWorkspace(ctx, workspace); err != nil {
		return store.Workspace{}, fmt.Errorf("create workspace: %w", err)
	}

	// The creator is an implicit member.
	if session.UserID != "" {
		if err := s.store.AddWorkspaceUser(ctx, workspace.ID, session.UserID); err != nil {
			return store.Workspace{}, fmt.Errorf("add creator membership: %w", err)
		}
	}

	_ = s.store.InsertEventLog(ctx, "workspace_created", map[string]any{
		"workspaceName": workspace.Name,
	}, session.userIDRef())
	return workspace, nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, slug string) (store.Workspace, error) {
	if session.Role != rbac.RoleAdmin && s.cfg.MultiUser && session.UserID != "" {
		workspace, err := s.store.GetWorkspaceForUser(ctx, session.UserID, slug)
		if err != nil {
			if store.IsNotFound(err) {
				return store.Workspace{}, notFound("Workspace not found")
			}
			return store.Workspace{}, err
		}
		return workspace, nil
	}

	workspace, err := s.store.GetWorkspaceBySlug(ctx, slug)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Workspace{}, notFound("Workspace not found")
		}
		return store.Workspace{}, err
	}
	return workspace, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]store.Workspace, error) {
	if session.Role == rbac.RoleAdmin || !s.cfg.MultiUser || session.UserID == "" {
		return s.store.ListWorkspaces(ctx)
	}
	return s.store.ListWorkspacesForUser(ctx, session.UserID)
}

// UpdateWorkspace applies a settings patch. Default-role users are
// silently narrowed to their allowed field subset, never rejected.
func (s *Service) UpdateWorkspace(ctx context.Context, session Session, slug string, updates map[string]any) (store.Workspace, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return store.Workspace{}, err
	}

	filtered := rbac.FilterWorkspaceUpdate(session.Role, updates)
	if len(filtered) > 0 {
		if err := s.store.UpdateWorkspace(ctx, workspace.ID, filtered); err != nil {
			return store.Workspace{}, fmt.Errorf("update workspace: %w", err)
		}
	}
	return s.store.GetWorkspaceByID(ctx, workspace.ID)
}

// DeleteWorkspace cascades the relational records, then drops the
// vector namespace. A namespace failure is logged and swallowed; the
// relational state is the authority.
func (s *Service) DeleteWorkspace(ctx context.Context, session Session, slug string) error {
	if !rbac.Can(session.Role, rbac.RoleManager) {
		return forbidden("Forbidden")
	}
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}

	if err := s.store.DeleteWorkspaceCascade(ctx, workspace.ID); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}

	if err := s.index.DeleteNamespace(ctx, workspace.Slug); err != nil {
		log.Printf("namespace delete for %s failed: %v", workspace.Slug, err)
	}
	_ = s.cache.Invalidate(ctx, workspace.Slug)

	_ = s.store.InsertEventLog(ctx, "workspace_deleted", map[string]any{
		"workspaceName": workspace.Name,
	}, session.userIDRef())
	return nil
}

// ResetVectorDB drops everything embedded in the workspace while
// keeping the workspace itself.
func (s *Service) ResetVectorDB(ctx context.Context, session Session, slug string) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}

	if err := s.store.DeleteVectorsForWorkspace(ctx, workspace.ID); err != nil {
		return fmt.Errorf("reset vectors: %w", err)
	}
	if err := s.store.DeleteDocumentsForWorkspace(ctx, workspace.ID); err != nil {
		return fmt.Errorf("reset documents: %w", err)
	}
	if err := s.index.DeleteNamespace(ctx, workspace.Slug); err != nil {
		log.Printf("namespace reset for %s failed: %v", workspace.Slug, err)
	}
	return nil
}

// ---- documents ----

func (s *Service) Upload(ctx context.Context, session Session, slug, filename string) ([]collector.ProcessedDocument, error) {
	if _, err := s.resolveWorkspace(ctx, session, slug); err != nil {
		return nil, err
	}
	docs, err := s.docs.Upload(ctx, filename)
	if err != nil {
		return nil, mapPipelineError(err)
	}
	return docs, nil
}

func (s *Service) UploadLink(ctx context.Context, session Session, slug, link string) ([]collector.ProcessedDocument, error) {
	if _, err := s.resolveWorkspace(ctx, session, slug); err != nil {
		return nil, err
	}
	docs, err := s.docs.UploadLink(ctx, link)
	if err != nil {
		return nil, mapPipelineError(err)
	}
	return docs, nil
}

func mapPipelineError(err error) error {
	if err == documents.ErrCollectorOffline {
		return domainError(http.StatusBadGateway, "COLLECTOR_OFFLINE", "Document processing API is not online. Document will not be processed.", nil)
	}
	return domainError(http.StatusUnprocessableEntity, "PROCESSING_FAILED", err.Error(), nil)
}

// UpdateEmbeddings applies per-workspace document adds and deletes.
// Deletes run first so a replace submission lands cleanly.
func (s *Service) UpdateEmbeddings(ctx context.Context, session Session, slug string, adds, deletes []string) (documents.EmbedOutcome, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return documents.EmbedOutcome{}, err
	}

	if len(deletes) > 0 {
		if err := s.docs.RemoveDocuments(ctx, workspace, deletes); err != nil {
			return documents.EmbedOutcome{}, fmt.Errorf("remove documents: %w", err)
		}
	}
	outcome, err := s.docs.AddDocuments(ctx, workspace, adds)
	if err != nil {
		return documents.EmbedOutcome{}, err
	}
	return outcome, nil
}

// UploadAndEmbed pushes a file through the processor and embeds every
// produced document into the workspace in one call.
func (s *Service) UploadAndEmbed(ctx context.Context, session Session, slug, filename string) ([]collector.ProcessedDocument, documents.EmbedOutcome, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return nil, documents.EmbedOutcome{}, err
	}
	docs, err := s.docs.Upload(ctx, filename)
	if err != nil {
		return nil, documents.EmbedOutcome{}, mapPipelineError(err)
	}
	docpaths := make([]string, 0, len(docs))
	for _, doc := range docs {
		docpaths = append(docpaths, doc.Location)
	}
	outcome, err := s.docs.AddDocuments(ctx, workspace, docpaths)
	if err != nil {
		return docs, documents.EmbedOutcome{}, err
	}
	return docs, outcome, nil
}

// RemoveAndUnembed drops embedded documents from the workspace. Shared
// object content stays in place; Purge handles system-wide deletion.
func (s *Service) RemoveAndUnembed(ctx context.Context, session Session, slug string, docpaths []string) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if len(docpaths) == 0 {
		return validationError("No documents provided")
	}
	if err := s.docs.RemoveDocuments(ctx, workspace, docpaths); err != nil {
		return fmt.Errorf("remove documents: %w", err)
	}
	return nil
}

// SyncAll pushes one add/delete set across every workspace.
func (s *Service) SyncAll(ctx context.Context, session Session, adds, deletes []string) (documents.SyncOutcome, error) {
	if !rbac.Can(session.Role, rbac.RoleManager) {
		return documents.SyncOutcome{}, forbidden("Forbidden")
	}
	return s.docs.SyncAll(ctx, adds, deletes)
}

// PurgeDocument removes a docpath from every workspace and deletes the
// stored object.
func (s *Service) PurgeDocument(ctx context.Context, session Session, docpath string) error {
	if !rbac.Can(session.Role, rbac.RoleManager) {
		return forbidden("Forbidden")
	}
	return s.docs.Purge(ctx, docpath)
}

func (s *Service) ListWorkspaceDocuments(ctx context.Context, session Session, slug string) ([]store.Document, error) {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return nil, err
	}
	return s.store.ListDocuments(ctx, workspace.ID)
}

func (s *Service) UpdateDocumentPin(ctx context.Context, session Session, slug, docpath string, pinned bool) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	doc, err := s.store.GetDocument(ctx, workspace.ID, docpath)
	if err != nil {
		if store.IsNotFound(err) {
			return notFound("Document not found")
		}
		return err
	}
	return s.store.UpdateDocumentPinned(ctx, doc.ID, pinned)
}

// ---- derived assets ----

// GetAvatar serves the workspace avatar, cache first.
func (s *Service) GetAvatar(ctx context.Context, session Session, slug string) (*assets.Asset, error) {
	workspace, err := s.GetWorkspace(ctx, session, slug)
	if err != nil {
		return nil, err
	}
	if workspace.PfpObject == "" {
		return nil, notFound("No avatar set")
	}

	if asset, ok := s.cache.Get(ctx, workspace.Slug); ok {
		return asset, nil
	}

	asset, err := s.avatars.GetAvatar(ctx, workspace.PfpObject)
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: %w", err)
	}
	if err := s.cache.Put(ctx, workspace.Slug, *asset); err != nil {
		log.Printf("cache avatar for %s failed: %v", workspace.Slug, err)
	}
	return asset, nil
}

// UploadAvatar replaces the workspace avatar. The cache entry is
// invalidated before anyone can read the stale image.
func (s *Service) UploadAvatar(ctx context.Context, session Session, slug, mime string, data []byte) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Avatar image is required", nil)
	}

	name, err := s.avatars.PutAvatar(ctx, workspace.ID, mime, data)
	if err != nil {
		return fmt.Errorf("store avatar: %w", err)
	}
	if err := s.store.UpdateWorkspace(ctx, workspace.ID, map[string]any{"pfp_object": name}); err != nil {
		return fmt.Errorf("record avatar: %w", err)
	}
	if err := s.cache.Invalidate(ctx, workspace.Slug); err != nil {
		return fmt.Errorf("invalidate avatar cache: %w", err)
	}
	return nil
}

func (s *Service) RemoveAvatar(ctx context.Context, session Session, slug string) error {
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return err
	}
	if workspace.PfpObject != "" {
		if err := s.avatars.RemoveAvatar(ctx, workspace.PfpObject); err != nil {
			log.Printf("avatar object removal for %s failed: %v", workspace.Slug, err)
		}
	}
	if err := s.store.UpdateWorkspace(ctx, workspace.ID, map[string]any{"pfp_object": ""}); err != nil {
		return fmt.Errorf("clear avatar: %w", err)
	}
	if err := s.cache.Invalidate(ctx, workspace.Slug); err != nil {
		return fmt.Errorf("invalidate avatar cache: %w", err)
	}
	return nil
}

// Speech returns synthesized audio for one chat response, cache first.
func (s *Service) Speech(ctx context.Context, session Session, slug string, chatID int64) (*assets.Asset, error) {
	if s.tts == nil {
		return nil, domainError(http.StatusServiceUnavailable, "TTS_UNAVAILABLE", "Text to speech is not configured", nil)
	}
	workspace, err := s.resolveWorkspace(ctx, session, slug)
	if err != nil {
		return nil, err
	}

	// The chat lookup runs before the cache read so deleted or hidden
	// chats stop serving stale audio.
	chat, err := s.store.GetChat(ctx, workspace.ID, chatID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, notFound("Chat not found")
		}
		return nil, err
	}
	if !chat.Include {
		return nil, notFound("Chat not found")
	}

	key := assets.ChatKey(workspace.Slug, chatID)
	if asset, ok := s.cache.Get(ctx, key); ok {
		return asset, nil
	}

	text := responseText(chat.Response)
	if text == "" {
		return nil, validationError("Chat has no response text")
	}

	asset, err := s.tts.Synthesize(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	if err := s.cache.Put(ctx, key, *asset); err != nil {
		log.Printf("cache speech for %s failed: %v", key, err)
	}
	return asset, nil
}

// responseText pulls the display text out of a stored chat response.
func responseText(response string) string {
	var parsed store.ChatResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return ""
	}
	return parsed.Text
}
