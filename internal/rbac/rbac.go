package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead       Action = "read"
	ActionEdit       Action = "edit"
	ActionSync       Action = "sync"
	ActionTransition Action = "transition"
	ActionAdmin      Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionSync || action == ActionTransition
	case RoleCommenter, RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// WorkspaceSession is the caller's identity within one workspace. It is
// passed explicitly to every editor operation.
type WorkspaceSession struct {
	WorkspaceID string
	UserID      string
	UserName    string
	Role        Role
	// Permissions, when non-nil, replaces the role table.
	Permissions []Action
}

func NewSession(workspaceID, userID, userName string, role Role) WorkspaceSession {
	return WorkspaceSession{
		WorkspaceID: workspaceID,
		UserID:      userID,
		UserName:    userName,
		Role:        role,
	}
}

func (s WorkspaceSession) Can(action Action) bool {
	if s.Permissions != nil {
		for _, granted := range s.Permissions {
			if granted == action || granted == ActionAdmin {
				return true
			}
		}
		return false
	}
	return Can(s.Role, action)
}
