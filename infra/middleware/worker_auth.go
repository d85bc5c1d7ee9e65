package middleware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenBlacklist tracks revoked token ids until they would have expired.
// Without Redis the list is kept in process.
type TokenBlacklist struct {
	redis  *redis.Client
	prefix string

	mu    sync.Mutex
	local map[string]time.Time
}

func NewTokenBlacklist(redisClient *redis.Client) *TokenBlacklist {
	if redisClient == nil {
		logger.Warn("Redis client not provided, token revocation is local to this instance")
	}
	return &TokenBlacklist{
		redis:  redisClient,
		prefix: "mailsync:token:blacklist:",
		local:  make(map[string]time.Time),
	}
}

// Revoke adds a token id to the blacklist until expiry. A nil blacklist
// or an already expired token is a no-op.
func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	if b == nil || tokenID == "" || expiry <= 0 {
		return nil
	}
	if b.redis != nil {
		return b.redis.Set(ctx, b.prefix+tokenID, "1", expiry).Err()
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, until := range b.local {
		if !until.After(now) {
			delete(b.local, id)
		}
	}
	b.local[tokenID] = now.Add(expiry)
	return nil
}

// IsRevoked checks if a token is blacklisted. Lookup errors fail open.
func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if b == nil {
		return false
	}
	if b.redis == nil {
		b.mu.Lock()
		until, ok := b.local[tokenID]
		b.mu.Unlock()
		return ok && until.After(time.Now())
	}
	exists, err := b.redis.Exists(ctx, b.prefix+tokenID).Result()
	if err != nil {
		logger.WithError(err).Warn("[TokenBlacklist] Lookup failed")
		return false
	}
	return exists > 0
}

// Claims are the bearer token claims used by the admin API.
type Claims struct {
	TeamID string `json:"team_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth validates HS256 bearer tokens and stores user_id, team_id,
// user_email, token_id and token_expires_at in locals.
func JWTAuth(secret string, blacklist *TokenBlacklist) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := ""
		if parts := strings.SplitN(c.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			tokenString = strings.TrimSpace(parts[1])
		}
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization", "code": "UNAUTHORIZED"})
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			if secret == "" {
				return nil, fmt.Errorf("JWT secret not configured")
			}
			return []byte(secret), nil
		}, jwt.WithLeeway(time.Minute), jwt.WithIssuedAt())

		if err != nil || !token.Valid {
			logger.WithError(err).Warn("JWT validation failed")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token", "code": "UNAUTHORIZED"})
		}

		if claims.ID != "" && blacklist.IsRevoked(c.UserContext(), claims.ID) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "token has been revoked",
				"code":  "TOKEN_REVOKED",
			})
		}

		if claims.Subject == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id in token", "code": "UNAUTHORIZED"})
		}

		c.Locals("user_id", claims.Subject)
		c.Locals("team_id", claims.TeamID)
		c.Locals("user_email", claims.Email)
		c.Locals("token_id", claims.ID)
		if claims.ExpiresAt != nil {
			c.Locals("token_expires_at", claims.ExpiresAt.Time)
		}

		return c.Next()
	}
}

// IssueToken signs an HS256 token for userID. Used by operators and tests.
func IssueToken(secret, userID, teamID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TeamID: teamID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
