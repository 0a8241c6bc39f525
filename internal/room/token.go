package room

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const defaultTokenTTL = 6 * time.Hour

// VideoGrant mirrors the conferencing service's room-join grant claims.
type VideoGrant struct {
	RoomJoin bool   `json:"roomJoin"`
	Room     string `json:"room"`
}

type joinClaims struct {
	jwt.RegisteredClaims
	Video    VideoGrant `json:"video"`
	Metadata string     `json:"metadata,omitempty"`
}

// BuildJoinToken mints the signed token a participant presents when
// joining a session. apiKey becomes the issuer and identity the
// subject, matching what the conferencing service expects.
func BuildJoinToken(apiKey, apiSecret, session, identity, metadata string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := joinClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Video:    VideoGrant{RoomJoin: true, Room: session},
		Metadata: metadata,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiSecret))
}
