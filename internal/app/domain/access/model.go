package access

import "time"

// Grant is a row of cv_download_access. One grant exists per (user, cv).
type Grant struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	CVID          string     `json:"cv_id"`
	PaymentID     string     `json:"payment_id,omitempty"`
	GrantedBy     string     `json:"granted_by,omitempty"`
	GrantedAt     time.Time  `json:"granted_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DownloadsUsed int        `json:"downloads_used"`
	MaxDownloads  int        `json:"max_downloads"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Reasons reported by Check.
const (
	ReasonAdmin          = "admin"
	ReasonActive         = "active"
	ReasonNoAccess       = "no_access"
	ReasonExpired        = "expired"
	ReasonRevoked        = "revoked"
	ReasonQuotaExhausted = "quota_exhausted"
)

// Evaluate reports whether the grant still allows a download at now.
func (g Grant) Evaluate(now time.Time) (bool, string) {
	switch {
	case g.RevokedAt != nil:
		return false, ReasonRevoked
	case g.ExpiresAt != nil && !now.Before(*g.ExpiresAt):
		return false, ReasonExpired
	case g.MaxDownloads > 0 && g.DownloadsUsed >= g.MaxDownloads:
		return false, ReasonQuotaExhausted
	}
	return true, ReasonActive
}

// DownloadsLeft returns nil when the quota is unlimited.
func (g Grant) DownloadsLeft() *int {
	if g.MaxDownloads <= 0 {
		return nil
	}
	left := g.MaxDownloads - g.DownloadsUsed
	if left < 0 {
		left = 0
	}
	return &left
}

// Status is the answer to "can this user download this CV?".
type Status struct {
	Allowed       bool       `json:"allowed"`
	Reason        string     `json:"reason"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DownloadsLeft *int       `json:"downloads_left,omitempty"`
	GrantID       string     `json:"grant_id,omitempty"`
}

// StatusOf summarises a grant.
func StatusOf(g Grant, now time.Time) Status {
	allowed, reason := g.Evaluate(now)
	return Status{
		Allowed:       allowed,
		Reason:        reason,
		ExpiresAt:     g.ExpiresAt,
		DownloadsLeft: g.DownloadsLeft(),
		GrantID:       g.ID,
	}
}
