package auth

import "example.com/vigil/internal/config"

// DefaultMaxBodyBytes is the request-body ceiling for users with no
// matching size rule. Rules only ever raise it.
const DefaultMaxBodyBytes int64 = 1024 * 1024

// EffectiveBodyLimit computes the request-body ceiling for a user: the
// maximum of the default, any per-permission content-length override, and
// any configured rule whose permission name is matched by one of the
// user's permission patterns. Computed once per request, before the body
// is read.
func EffectiveBodyLimit(user *User, rules []config.BodySizeRule) int64 {
	limit := DefaultMaxBodyBytes
	if user == nil {
		return limit
	}

	for _, perm := range user.Permissions {
		if perm.MaxContentLength > limit {
			limit = perm.MaxContentLength
		}
		for _, rule := range rules {
			if rule.MaxBytes <= limit {
				continue
			}
			if MatchPattern(perm.Pattern, rule.Permission) {
				limit = rule.MaxBytes
			}
		}
	}
	return limit
}
