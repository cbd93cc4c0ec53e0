package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantEvaluate(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	cases := []struct {
		name   string
		grant  Grant
		ok     bool
		reason string
	}{
		{"active", Grant{ExpiresAt: &future, MaxDownloads: 3, DownloadsUsed: 1}, true, ReasonActive},
		{"no expiry unlimited", Grant{DownloadsUsed: 99}, true, ReasonActive},
		{"expired", Grant{ExpiresAt: &past}, false, ReasonExpired},
		{"quota", Grant{MaxDownloads: 2, DownloadsUsed: 2}, false, ReasonQuotaExhausted},
		{"revoked", Grant{RevokedAt: &past}, false, ReasonRevoked},
	}
	for _, tc := range cases {
		ok, reason := tc.grant.Evaluate(now)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.reason, reason, tc.name)
	}
}

func TestDownloadsLeft(t *testing.T) {
	assert.Nil(t, Grant{MaxDownloads: 0}.DownloadsLeft())
	left := Grant{MaxDownloads: 3, DownloadsUsed: 1}.DownloadsLeft()
	require.NotNil(t, left)
	assert.Equal(t, 2, *left)
	left = Grant{MaxDownloads: 1, DownloadsUsed: 4}.DownloadsLeft()
	require.NotNil(t, left)
	assert.Equal(t, 0, *left)
}
