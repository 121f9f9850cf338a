package auth

// Role is a position in the operator hierarchy.
type Role string

const (
	RolePlayer     Role = "player"
	RoleMaster     Role = "master"
	RoleSuper      Role = "super"
	RolePowerhouse Role = "powerhouse"
)

// Level orders roles from player (1) to powerhouse (4); unknown roles are 0.
func (r Role) Level() int {
	switch r {
	case RolePlayer:
		return 1
	case RoleMaster:
		return 2
	case RoleSuper:
		return 3
	case RolePowerhouse:
		return 4
	default:
		return 0
	}
}

func (r Role) Valid() bool { return r.Level() > 0 }

// Parent returns the role directly above r, or "" for powerhouse.
func (r Role) Parent() Role {
	switch r {
	case RolePlayer:
		return RoleMaster
	case RoleMaster:
		return RoleSuper
	case RoleSuper:
		return RolePowerhouse
	default:
		return ""
	}
}

func (r Role) IsOperator() bool { return r.Level() >= 2 }
