package rbac

type Role string

const (
	RoleDefault Role = "default"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// rank orders roles by privilege. Unknown roles rank below default.
func rank(role Role) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleManager:
		return 2
	case RoleDefault:
		return 1
	default:
		return 0
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleDefault, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

func Normalize(role string) Role {
	if Valid(role) {
		return Role(role)
	}
	return RoleDefault
}

// Can reports whether role passes a check listing allowed roles.
// Admin passes every check; other roles must be listed explicitly.
func Can(role Role, allowed ...Role) bool {
	if role == RoleAdmin {
		return true
	}
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

// Outranks reports whether actor may manage a user holding target's role.
// Equal privilege counts: an admin may manage another admin.
func Outranks(actor, target Role) bool {
	return rank(actor) >= rank(target)
}

// defaultUpdatableFields is the closed set of workspace settings a
// default-role user may change. All other fields are dropped, not rejected.
var defaultUpdatableFields = map[string]struct{}{
	"chat_mode":       {},
	"open_ai_history": {},
	"open_ai_prompt":  {},
	"open_ai_temp":    {},
	"llm_provider":    {},
}

// FilterWorkspaceUpdate returns the subset of updates the role is allowed to
// apply to a workspace. Managers and admins pass everything through.
func FilterWorkspaceUpdate(role Role, updates map[string]any) map[string]any {
	if role != RoleDefault {
		return updates
	}
	filtered := make(map[string]any, len(updates))
	for key, value := range updates {
		if _, ok := defaultUpdatableFields[key]; ok {
			filtered[key] = value
		}
	}
	return filtered
}
