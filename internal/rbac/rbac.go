package rbac

import "annosync/internal/annotation"

type Action string

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
)

// Can reports whether a session with the given permission may perform action
// at all. Ownership is checked separately by Editable.
func Can(permission annotation.Permission, action Action) bool {
	switch permission {
	case annotation.PermissionReadWrite:
		return action == ActionRead || action == ActionComment || action == ActionEdit || action == ActionDelete
	case annotation.PermissionRead:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps the service's permission strings onto the two known levels.
// Anything unrecognised degrades to read-only.
func Normalize(permission string) annotation.Permission {
	switch annotation.Permission(permission) {
	case annotation.PermissionRead, annotation.PermissionReadWrite:
		return annotation.Permission(permission)
	case "read-write", "write":
		return annotation.PermissionReadWrite
	default:
		return annotation.PermissionRead
	}
}

// Editable reports whether sessionUser may change or delete record.
func Editable(record annotation.Record, sessionUser string, permission annotation.Permission) bool {
	if !Can(permission, ActionEdit) {
		return false
	}
	return sessionUser != "" && record.Author == sessionUser
}
