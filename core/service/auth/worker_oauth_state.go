package auth

import (
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StateTTL bounds how long a connect flow may take.
const StateTTL = 10 * time.Minute

const stateIssuer = "mailsync-connect"

// StateClaims is the payload of the OAuth state parameter.
type StateClaims struct {
	UserID   string `json:"uid"`
	TeamID   string `json:"tid"`
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies HS256-signed OAuth state values, so the
// callback can trust user and team without server-side session storage.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret []byte) *StateSigner {
	return &StateSigner{secret: secret, ttl: StateTTL, now: time.Now}
}

// Issue returns a signed state for the given connect request.
func (s *StateSigner) Issue(provider domain.Provider, userID, teamID string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("state secret not configured")
	}
	now := s.now()
	claims := StateClaims{
		UserID:   userID,
		TeamID:   teamID,
		Provider: string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature, issuer and expiry and returns the claims.
func (s *StateSigner) Verify(state string) (*StateClaims, error) {
	claims := &StateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid oauth state: %w", err)
	}
	if claims.UserID == "" {
		return nil, errors.New("invalid oauth state: missing user")
	}
	return claims, nil
}
