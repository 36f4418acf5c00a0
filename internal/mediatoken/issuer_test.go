package mediatoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueTokenCarriesExpectedClaims(t *testing.T) {
	issuer := New("app-123", "top-secret-certificate", 2*time.Hour)
	uid := uuid.New()

	signed, expiresAt, err := issuer.IssueToken("channel-9", uid, RolePublisher)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), expiresAt, time.Second)

	parsed, err := jwt.ParseWithClaims(signed, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		return []byte("top-secret-certificate"), nil
	})
	require.NoError(t, err)
	claims, ok := parsed.Claims.(*Claims)
	require.True(t, ok)

	assert.Equal(t, "app-123", claims.AppID)
	assert.Equal(t, "channel-9", claims.ChannelName)
	assert.Equal(t, uid, claims.UID)
	assert.Equal(t, RolePublisher, claims.Role)
	assert.Equal(t, uid.String(), claims.Subject)
}

func TestIssueTokenRejectsWithWrongCertificate(t *testing.T) {
	issuer := New("app-123", "top-secret-certificate", time.Hour)
	signed, _, err := issuer.IssueToken("channel-1", uuid.New(), RoleSubscriber)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(signed, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		return []byte("wrong-certificate"), nil
	})
	require.Error(t, err)
}
