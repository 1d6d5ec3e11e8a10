package protocol

// Role identifies what a connection may send and what the relay fans out to it.
type Role string

const (
	RoleSender              Role = "sender"
	RoleDashboard           Role = "dashboard"
	RoleListener            Role = "listener"
	RoleOrientationListener Role = "orientation_listener"
	RoleBulkListener        Role = "bulk_listener"
)

// Endpoint paths served on the relay's single listening port.
const (
	PathSender      = "/pocket-parrot"
	PathDashboard   = "/dashboard"
	PathListener    = "/listener"
	PathOrientation = "/orientation"
	PathBulk        = "/bulk"
)

// RoleForPath maps a request path to a connection role.
func RoleForPath(path string) (Role, bool) {
	switch path {
	case PathSender:
		return RoleSender, true
	case PathDashboard:
		return RoleDashboard, true
	case PathListener:
		return RoleListener, true
	case PathOrientation:
		return RoleOrientationListener, true
	case PathBulk:
		return RoleBulkListener, true
	default:
		return "", false
	}
}

// Paths returns every endpoint path the relay serves, in registration order.
func Paths() []string {
	return []string{PathSender, PathDashboard, PathListener, PathOrientation, PathBulk}
}

func (r Role) String() string { return string(r) }

// Valid reports whether r is one of the five relay roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSender, RoleDashboard, RoleListener, RoleOrientationListener, RoleBulkListener:
		return true
	default:
		return false
	}
}
