package rbac

// Policy holds the landing pages used when a gate redirects a browser and
// the roles that are confined to the restricted area.
type Policy struct {
	LoginPath       string
	AdminHome       string
	RestrictedHome  string
	Home            string
	RestrictedRoles []string
}

// DefaultPolicy mirrors the application defaults.
func DefaultPolicy() Policy {
	return Policy{
		LoginPath:       "/login",
		AdminHome:       "/admin",
		RestrictedHome:  "/dashboard",
		Home:            "/home",
		RestrictedRoles: []string{SlugAuditor, SlugRegistrar},
	}
}

// Restricted reports whether role lands in the restricted area.
func (p Policy) Restricted(role *Role) bool {
	if role == nil {
		return false
	}
	for _, slug := range p.RestrictedRoles {
		if ParseRoleIdentifier(slug).Matches(role) {
			return true
		}
	}
	return false
}

// LandingFor is where a denied browser request is sent.
func (p Policy) LandingFor(role *Role) string {
	switch {
	case role == nil:
		return p.Home
	case role.IsUniversal():
		return p.AdminHome
	case p.Restricted(role):
		return p.RestrictedHome
	default:
		return p.Home
	}
}

// LoginLanding is where a user goes right after authenticating.
func (p Policy) LoginLanding(role *Role) string {
	if role != nil && role.IsUniversal() {
		return p.AdminHome
	}
	return p.RestrictedHome
}
