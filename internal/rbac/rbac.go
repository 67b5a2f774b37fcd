package rbac

// Role is a server membership role.
type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead           Action = "read"
	ActionSend           Action = "send"
	ActionManageChannels Action = "manage_channels"
	ActionManageMembers  Action = "manage_members"
	ActionManageServer   Action = "manage_server"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action != ActionManageServer
	case RoleMember:
		return action == ActionRead || action == ActionSend
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleMember
	}
}
