package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mindloom/api/internal/auth"
	"mindloom/api/internal/store"
)

const maxAvatarBytes = 4 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/request-token" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Username, body.Password)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"valid": true,
			"token": session.Token,
			"user": map[string]any{
				"id":       session.UserID,
				"username": session.Username,
				"role":     string(session.Role),
			},
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"username":      session.Username,
			"role":          string(session.Role),
		})
		return
	}

	session, err := s.resolveSession(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "workspaces":
		s.handleWorkspaces(w, r, session, parts[2:])
	case "workspace":
		s.handleWorkspace(w, r, session, parts[2:])
	case "workspace-chats":
		s.handleWorkspaceChats(w, r, session, parts[2:])
	case "system":
		s.handleSystem(w, r, session, parts[2:])
	case "admin":
		s.handleAdmin(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// resolveSession accepts either a user bearer token or a developer API
// key in x-api-key.
func (s *HTTPServer) resolveSession(r *http.Request) (Session, error) {
	if apiKey := strings.TrimSpace(r.Header.Get("x-api-key")); apiKey != "" {
		return s.service.SessionFromAPIKey(r.Context(), apiKey)
	}
	token := bearerToken(r)
	if token == "" {
		return Session{}, auth.ErrInvalidToken
	}
	return s.service.SessionFromToken(r.Context(), token)
}

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 0:
		workspaces, err := s.service.ListWorkspaces(r.Context(), session)
		if err != nil {
			s.respondError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(workspaces))
		for _, workspace := range workspaces {
			items = append(items, workspacePayload(workspace))
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "sync-all":
		var body struct {
			Adds    []string `json:"adds"`
			Deletes []string `json:"deletes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.SyncAll(r.Context(), session, body.Adds, body.Deletes)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "new" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		workspace, err := s.service.CreateWorkspace(r.Context(), session, body.Name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": workspacePayload(workspace)})
		return
	}

	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	slug := parts[0]
	rest := parts[1:]

	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		workspace, err := s.service.GetWorkspace(r.Context(), session, slug)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": workspacePayload(workspace)})

	case r.Method == http.MethodDelete && len(rest) == 0:
		if err := s.service.DeleteWorkspace(r.Context(), session, slug); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "update":
		var updates map[string]any
		if err := decodeBody(r, &updates); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		workspace, err := s.service.UpdateWorkspace(r.Context(), session, slug, updates)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": workspacePayload(workspace)})

	case r.Method == http.MethodDelete && len(rest) == 1 && rest[0] == "reset-vector-db":
		if err := s.service.ResetVectorDB(r.Context(), session, slug); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "upload":
		var body struct {
			Filename string `json:"filename"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		docs, err := s.service.Upload(r.Context(), session, slug, body.Filename)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "documents": docs})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "upload-link":
		var body struct {
			Link string `json:"link"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		docs, err := s.service.UploadLink(r.Context(), session, slug, body.Link)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "documents": docs})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "upload-and-embed":
		var body struct {
			Filename string `json:"filename"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		docs, outcome, err := s.service.UploadAndEmbed(r.Context(), session, slug, body.Filename)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"documents":     docs,
			"failedToEmbed": outcome.FailedToEmbed,
			"errors":        outcome.Errors,
		})

	case r.Method == http.MethodDelete && len(rest) == 1 && rest[0] == "remove-and-unembed":
		var body struct {
			Docpaths []string `json:"docpaths"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RemoveAndUnembed(r.Context(), session, slug, body.Docpaths); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "update-embeddings":
		var body struct {
			Adds    []string `json:"adds"`
			Deletes []string `json:"deletes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.UpdateEmbeddings(r.Context(), session, slug, body.Adds, body.Deletes)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "documents":
		docs, err := s.service.ListWorkspaceDocuments(r.Context(), session, slug)
		if err != nil {
			s.respondError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(docs))
		for _, doc := range docs {
			items = append(items, map[string]any{
				"id":       doc.ID,
				"docpath":  doc.Docpath,
				"filename": doc.Filename,
				"pinned":   doc.Pinned,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "update-pin":
		var body struct {
			DocPath   string `json:"docPath"`
			PinStatus bool   `json:"pinStatus"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateDocumentPin(r.Context(), session, slug, body.DocPath, body.PinStatus); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "chats":
		history, err := s.service.ChatHistory(r.Context(), session, slug)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})

	case r.Method == http.MethodDelete && len(rest) == 1 && rest[0] == "delete-chats":
		var body struct {
			ChatIDs []int64 `json:"chatIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.DeleteChats(r.Context(), session, slug, body.ChatIDs); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodDelete && len(rest) == 1 && rest[0] == "delete-edited-chats":
		var body struct {
			StartingID int64 `json:"startingId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.DeleteEditedChats(r.Context(), session, slug, body.StartingID); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "update-chat":
		var body struct {
			ChatID  int64  `json:"chatId"`
			NewText string `json:"newText"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateChat(r.Context(), session, slug, body.ChatID, body.NewText); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "chat-feedback":
		chatID, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid chat id", nil)
			return
		}
		var body struct {
			Feedback *bool `json:"feedback"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChatFeedback(r.Context(), session, slug, chatID, body.Feedback); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "threads":
		threads, err := s.service.ListThreads(r.Context(), session, slug)
		if err != nil {
			s.respondError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(threads))
		for _, thread := range threads {
			items = append(items, map[string]any{
				"slug": thread.Slug,
				"name": thread.Name,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": items})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "thread" && rest[1] == "new":
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		thread, err := s.service.NewThread(r.Context(), session, slug, body.Name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"thread": map[string]any{"slug": thread.Slug, "name": thread.Name}})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "thread" && rest[1] == "fork":
		var body struct {
			ChatID     int64  `json:"chatId"`
			ThreadSlug string `json:"threadSlug"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		newSlug, err := s.service.ForkThread(r.Context(), session, slug, body.ChatID, body.ThreadSlug)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"newThreadSlug": newSlug})

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "thread" && rest[2] == "update":
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RenameThread(r.Context(), session, slug, rest[1], body.Name); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodDelete && len(rest) == 2 && rest[0] == "thread":
		if err := s.service.DeleteThread(r.Context(), session, slug, rest[1]); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "chat":
		var body struct {
			Prompt     string             `json:"prompt"`
			ThreadSlug string             `json:"threadSlug"`
			Response   store.ChatResponse `json:"response"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		chatID, err := s.service.AppendChat(r.Context(), session, slug, body.ThreadSlug, body.Prompt, body.Response)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chatId": chatID})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "tts":
		chatID, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid chat id", nil)
			return
		}
		asset, err := s.service.Speech(r.Context(), session, slug, chatID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeBinary(w, asset.Mime, asset.Bytes)

	case len(rest) == 1 && rest[0] == "pfp":
		s.handleAvatar(w, r, session, slug)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAvatar(w http.ResponseWriter, r *http.Request, session Session, slug string) {
	switch r.Method {
	case http.MethodGet:
		asset, err := s.service.GetAvatar(r.Context(), session, slug)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeBinary(w, asset.Mime, asset.Bytes)

	case http.MethodPost:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxAvatarBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read image", nil)
			return
		}
		defer r.Body.Close()
		mime := r.Header.Get("Content-Type")
		if mime == "" {
			mime = "image/png"
		}
		if err := s.service.UploadAvatar(r.Context(), session, slug, mime, data); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case http.MethodDelete:
		if err := s.service.RemoveAvatar(r.Context(), session, slug); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleWorkspaceChats(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method == http.MethodPut && len(parts) == 1 {
		chatID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid chat id", nil)
			return
		}
		if err := s.service.HideChat(r.Context(), session, chatID); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSystem(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method == http.MethodDelete && len(parts) == 1 && parts[0] == "purge-document" {
		var body struct {
			Docpath string `json:"docpath"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.PurgeDocument(r.Context(), session, body.Docpath); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "users":
		users, err := s.service.ListUsers(r.Context(), session)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "users" && parts[1] == "new":
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.NewUser(r.Context(), session, body.Username, body.Password, body.Role)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		}})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "user":
		var updates map[string]any
		if err := decodeBody(r, &updates); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateUser(r.Context(), session, parts[1], updates); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "user":
		if err := s.service.DeleteUser(r.Context(), session, parts[1]); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "workspaces":
		workspaces, err := s.service.AdminListWorkspaces(r.Context(), session)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "workspaces" && parts[1] == "new":
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		workspace, err := s.service.AdminCreateWorkspace(r.Context(), session, body.Name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": workspacePayload(workspace)})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "update-users":
		var body struct {
			UserIDs []string `json:"userIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.AdminSetWorkspaceUsers(r.Context(), session, parts[1], body.UserIDs); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "workspaces":
		if err := s.service.AdminDeleteWorkspace(r.Context(), session, parts[1]); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "generate-api-key":
		key, secret, err := s.service.GenerateAPIKey(r.Context(), session)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"apiKey": map[string]any{
			"id":     key.ID,
			"secret": secret,
		}})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "api-keys":
		keys, err := s.service.ListAPIKeys(r.Context(), session)
		if err != nil {
			s.respondError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(keys))
		for _, key := range keys {
			items = append(items, map[string]any{
				"id":        key.ID,
				"createdBy": key.CreatedBy,
				"createdAt": key.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"apiKeys": items})

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "delete-api-key":
		if err := s.service.DeleteAPIKey(r.Context(), session, parts[1]); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func workspacePayload(workspace store.Workspace) map[string]any {
	return map[string]any{
		"id":            workspace.ID,
		"name":          workspace.Name,
		"slug":          workspace.Slug,
		"chatMode":      workspace.ChatMode,
		"openAiHistory": workspace.OpenAiHistory,
		"openAiPrompt":  workspace.OpenAiPrompt,
		"openAiTemp":    workspace.OpenAiTemp,
		"llmProvider":   workspace.LLMProvider,
		"hasPfp":        workspace.PfpObject != "",
	}
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, x-api-key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBinary(w http.ResponseWriter, mime string, data []byte) {
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
