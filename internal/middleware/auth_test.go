package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenIssuerIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", time.Hour)
	userID := uuid.New()

	token, err := issuer.Issue(userID)
	require.NoError(t, err)

	verified, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, verified)
}

func TestTokenIssuerVerifyRejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", -time.Minute)
	token, err := issuer.Issue(uuid.New())
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.Error(t, err)
}

func TestTokenIssuerVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", time.Hour)
	token, err := issuer.Issue(uuid.New())
	require.NoError(t, err)

	other := NewTokenIssuer("different-secret", time.Hour)
	_, err = other.Verify(token)
	require.Error(t, err)
}

func newTestRouter(issuer *TokenIssuer) *gin.Engine {
	r := gin.New()
	r.GET("/protected", RequireAuth(issuer), func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID.String()})
	})
	return r
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", time.Hour)
	router := newTestRouter(issuer)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthAcceptsValidBearer(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", time.Hour)
	router := newTestRouter(issuer)
	userID := uuid.New()
	token, err := issuer.Issue(userID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), userID.String())
}
