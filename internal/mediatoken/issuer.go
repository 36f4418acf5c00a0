// Package mediatoken implements the Media Token Issuer (C4): a pure
// function of (app_id, certificate, channel_name, uid, role, expiry),
// grounded on the HMAC-signed JWT pattern in
// unholy0X-dlishe/backend/internal/service/auth/jwt.go. Media credentials
// are derivable, not owned by the engine (spec §9) — nothing here talks
// to the external media-transport provider; it only issues the signed
// claim that provider is configured to trust.
package mediatoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/talkline/callengine/internal/apperr"
)

// Role is the participant's privilege within the media channel.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Claims is the signed payload a media token carries.
type Claims struct {
	AppID       string    `json:"app_id"`
	ChannelName string    `json:"channel"`
	UID         uuid.UUID `json:"uid"`
	Role        Role      `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs time-bounded join credentials for the external media
// transport.
type Issuer struct {
	appID       string
	certificate []byte
	ttl         time.Duration
}

// New builds an Issuer. ttl should match spec §6's media_token_ttl_sec
// (design target 2h).
func New(appID, certificate string, ttl time.Duration) *Issuer {
	return &Issuer{appID: appID, certificate: []byte(certificate), ttl: ttl}
}

// IssueToken derives a token for uid joining channelName with the given
// role, expiring after the Issuer's configured ttl.
func (i *Issuer) IssueToken(channelName string, uid uuid.UUID, role Role) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.ttl)

	claims := Claims{
		AppID:       i.appID,
		ChannelName: channelName,
		UID:         uid,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   uid.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.certificate)
	if err != nil {
		return "", time.Time{}, apperr.Upstream("signing media token", err)
	}
	return signed, expiresAt, nil
}
