// Package auth holds the API user model: identities, permission entries and
// the request-body size policy derived from them.
package auth

// Permission is one entry of a user's ordered permission set. A bare
// permission is just a Pattern; a structured entry may additionally carry a
// content-length override.
type Permission struct {
	// Pattern is a permission string, possibly containing * wildcards,
	// e.g. "objects/query/*" or "config/modify".
	Pattern string
	// MaxContentLength, when positive, raises the request-body ceiling
	// for this user. It never lowers the default.
	MaxContentLength int64
}

// User is an authenticated API identity.
type User struct {
	Name        string
	Password    string
	Permissions []Permission
}

// HasPermission reports whether any of the user's permission patterns
// matches the given permission name.
func (u *User) HasPermission(name string) bool {
	for _, p := range u.Permissions {
		if MatchPattern(p.Pattern, name) {
			return true
		}
	}
	return false
}
