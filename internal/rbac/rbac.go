// Package rbac decides what a collaborator may do with a script.
package rbac

type Permission string
type Action string

const (
	PermissionNone  Permission = ""
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

// Can reports whether permission allows action. Permissions are ordered
// read < write < admin and each includes the ones below it.
func Can(permission Permission, action Action) bool {
	switch permission {
	case PermissionAdmin:
		return true
	case PermissionWrite:
		return action == ActionRead || action == ActionWrite
	case PermissionRead:
		return action == ActionRead
	default:
		return false
	}
}

// Parse returns the permission named by value and whether it is known.
func Parse(value string) (Permission, bool) {
	switch Permission(value) {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return Permission(value), true
	default:
		return PermissionNone, false
	}
}
