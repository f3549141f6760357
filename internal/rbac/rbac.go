package rbac

// Role is the per-presentation role of a connected user. Values match the
// wire encoding, which serializes roles as integers.
type Role int

type Action string

const (
	RoleViewer  Role = 0
	RoleEditor  Role = 1
	RoleCreator Role = 2
)

const (
	// ActionView covers reading slides, elements and the roster.
	ActionView Action = "view"
	// ActionEdit covers content mutations: create/update/delete elements.
	ActionEdit Action = "edit"
	// ActionManage covers structural mutations: add/delete slides, change roles.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleCreator:
		return true
	case RoleEditor:
		return action == ActionView || action == ActionEdit
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role int) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleCreator:
		return Role(role)
	default:
		return RoleViewer
	}
}

func (r Role) String() string {
	switch r {
	case RoleCreator:
		return "creator"
	case RoleEditor:
		return "editor"
	case RoleViewer:
		return "viewer"
	default:
		return "unknown"
	}
}
