package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"mindloom/api/internal/auth"
	"mindloom/api/internal/rbac"
	"mindloom/api/internal/store"
	"mindloom/api/internal/util"
)

// requireAdminArea guards the admin surface. Managers share most of it;
// the per-operation rules below narrow what they can touch.
func requireAdminArea(session Session) error {
	if !rbac.Can(session.Role, rbac.RoleManager) {
		return forbidden("Forbidden")
	}
	return nil
}

// validRoleSelection enforces who may hand out which role. Managers can
// only grant default or manager; admin grants anything.
func validRoleSelection(actor rbac.Role, newRole string) error {
	if !rbac.Valid(newRole) {
		return validationError("Invalid role")
	}
	if !rbac.Outranks(actor, rbac.Role(newRole)) {
		return forbidden("Only admins can assign the admin role")
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context, session Session) ([]map[string]any, error) {
	if err := requireAdminArea(session); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":        user.ID,
			"username":  user.Username,
			"role":      user.Role,
			"suspended": user.Suspended,
		})
	}
	return items, nil
}

func (s *Service) NewUser(ctx context.Context, session Session, username, password, role string) (store.User, error) {
	if err := requireAdminArea(session); err != nil {
		return store.User{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, validationError("Username and password are required")
	}
	if role == "" {
		role = string(rbac.RoleDefault)
	}
	if err := validRoleSelection(session.Role, role); err != nil {
		return store.User{}, err
	}
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, validationError("Username already in use")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("user"),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}

	_ = s.store.InsertEventLog(ctx, "user_created", map[string]any{
		"userName":  user.Username,
		"createdBy": session.Username,
	}, session.userIDRef())
	return user, nil
}

// UpdateUser patches a user record. Admins may update anyone, managers
// only themselves, and the last admin can never be demoted or suspended
// away.
func (s *Service) UpdateUser(ctx context.Context, session Session, userID string, updates map[string]any) error {
	if err := requireAdminArea(session); err != nil {
		return err
	}
	if session.Role != rbac.RoleAdmin && userID != session.UserID {
		return forbidden("Cannot modify another user's account")
	}

	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return notFound("User not found")
		}
		return err
	}
	patch := make(map[string]any, len(updates))
	for key, value := range updates {
		switch key {
		case "username":
			username, _ := value.(string)
			username = strings.TrimSpace(username)
			if username == "" {
				return validationError("Username cannot be empty")
			}
			patch["username"] = username
		case "password":
			password, _ := value.(string)
			if password == "" {
				return validationError("Password cannot be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			patch["password_hash"] = string(hash)
		case "role":
			role, _ := value.(string)
			if err := validRoleSelection(session.Role, role); err != nil {
				return err
			}
			if target.Role == string(rbac.RoleAdmin) && role != string(rbac.RoleAdmin) {
				if err := s.ensureAnotherAdmin(ctx, target.ID); err != nil {
					return err
				}
			}
			patch["role"] = role
		case "suspended":
			suspended, _ := value.(bool)
			if suspended && target.ID == session.UserID {
				return validationError("Cannot suspend the currently logged in user")
			}
			if suspended && target.Role == string(rbac.RoleAdmin) {
				if err := s.ensureAnotherAdmin(ctx, target.ID); err != nil {
					return err
				}
			}
			patch["suspended"] = suspended
		}
	}
	if len(patch) == 0 {
		return nil
	}

	if err := s.store.UpdateUser(ctx, target.ID, patch); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	_ = s.store.InsertEventLog(ctx, "user_updated", map[string]any{
		"userName":  target.Username,
		"updatedBy": session.Username,
	}, session.userIDRef())
	return nil
}

// ensureAnotherAdmin fails when removing excludeID from the admin pool
// would leave the system without one.
func (s *Service) ensureAnotherAdmin(ctx context.Context, excludeID string) error {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if user.ID != excludeID && user.Role == string(rbac.RoleAdmin) && !user.Suspended {
			return nil
		}
	}
	return validationError("No admins would remain after this change")
}

// DeleteUser removes a user. Admin only; managers cannot delete anyone.
func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if !rbac.Can(session.Role, rbac.RoleAdmin) {
		return forbidden("Admin role required")
	}
	if userID == session.UserID {
		return validationError("Cannot delete the currently logged in user")
	}

	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return notFound("User not found")
		}
		return err
	}
	if target.Role == string(rbac.RoleAdmin) {
		if err := s.ensureAnotherAdmin(ctx, target.ID); err != nil {
			return err
		}
	}

	if err := s.store.DeleteUser(ctx, target.ID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	_ = s.store.InsertEventLog(ctx, "user_deleted", map[string]any{
		"userName":  target.Username,
		"deletedBy": session.Username,
	}, session.userIDRef())
	return nil
}

// ---- admin workspaces ----

func (s *Service) AdminListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	if err := requireAdminArea(session); err != nil {
		return nil, err
	}
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(workspaces))
	for _, workspace := range workspaces {
		members, err := s.store.WorkspaceUsers(ctx, workspace.ID)
		if err != nil {
			return nil, err
		}
		userIDs := make([]string, 0, len(members))
		for _, member := range members {
			userIDs = append(userIDs, member.ID)
		}
		items = append(items, map[string]any{
			"id":      workspace.ID,
			"name":    workspace.Name,
			"slug":    workspace.Slug,
			"userIds": userIDs,
		})
	}
	return items, nil
}

func (s *Service) AdminCreateWorkspace(ctx context.Context, session Session, name string) (store.Workspace, error) {
	if err := requireAdminArea(session); err != nil {
		return store.Workspace{}, err
	}
	return s.CreateWorkspace(ctx, session, name)
}

// AdminSetWorkspaceUsers replaces the membership list of a workspace.
func (s *Service) AdminSetWorkspaceUsers(ctx context.Context, session Session, workspaceID string, userIDs []string) error {
	if err := requireAdminArea(session); err != nil {
		return err
	}
	if _, err := s.store.GetWorkspaceByID(ctx, workspaceID); err != nil {
		if store.IsNotFound(err) {
			return notFound("Workspace not found")
		}
		return err
	}
	if err := s.store.SetWorkspaceUsers(ctx, workspaceID, userIDs); err != nil {
		return fmt.Errorf("set workspace users: %w", err)
	}
	return nil
}

func (s *Service) AdminDeleteWorkspace(ctx context.Context, session Session, workspaceID string) error {
	if err := requireAdminArea(session); err != nil {
		return err
	}
	workspace, err := s.store.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		if store.IsNotFound(err) {
			return notFound("Workspace not found")
		}
		return err
	}
	return s.DeleteWorkspace(ctx, session, workspace.Slug)
}

// ---- API keys ----

// GenerateAPIKey mints a developer key. The plaintext secret is
// returned exactly once; only its hash is stored.
func (s *Service) GenerateAPIKey(ctx context.Context, session Session) (store.APIKey, string, error) {
	if session.Role != rbac.RoleAdmin {
		return store.APIKey{}, "", forbidden("Forbidden")
	}

	secret := "sk-" + util.NewID("") + util.NewID("")
	key := store.APIKey{
		ID:         util.NewID("key"),
		SecretHash: auth.HashToken(secret),
		CreatedBy:  session.UserID,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return store.APIKey{}, "", fmt.Errorf("create api key: %w", err)
	}

	_ = s.store.InsertEventLog(ctx, "api_key_created", map[string]any{
		"createdBy": session.Username,
	}, session.userIDRef())
	return key, secret, nil
}

func (s *Service) ListAPIKeys(ctx context.Context, session Session) ([]store.APIKey, error) {
	if session.Role != rbac.RoleAdmin {
		return nil, forbidden("Forbidden")
	}
	return s.store.ListAPIKeys(ctx)
}

func (s *Service) DeleteAPIKey(ctx context.Context, session Session, keyID string) error {
	if session.Role != rbac.RoleAdmin {
		return forbidden("Forbidden")
	}
	if err := s.store.DeleteAPIKey(ctx, keyID); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	_ = s.store.InsertEventLog(ctx, "api_key_deleted", map[string]any{
		"deletedBy": session.Username,
	}, session.userIDRef())
	return nil
}
