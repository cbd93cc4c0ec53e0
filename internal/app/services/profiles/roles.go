package profiles

import "strings"

// Allowlist is a set of user ids that are admins regardless of their stored
// role, used to bootstrap the first administrators.
type Allowlist map[string]struct{}

// ParseAllowlist reads a comma-separated list of user ids.
func ParseAllowlist(raw string) Allowlist {
	out := make(Allowlist)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out[trimmed] = struct{}{}
	}
	return out
}

// NewAllowlist builds an allowlist from already split ids.
func NewAllowlist(ids []string) Allowlist {
	return ParseAllowlist(strings.Join(ids, ","))
}

// Contains reports whether userID is listed.
func (a Allowlist) Contains(userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	_, ok := a[userID]
	return ok
}
