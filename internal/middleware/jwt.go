package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	LocalUserID   = "user_id"
	LocalUsername = "username"

	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims carries the user id in the standard subject claim.
type Claims struct {
	Username  string `json:"username,omitempty"`
	TokenType string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

func signToken(userID, username, tokenType, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username:  username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GenerateToken issues an access token valid for ttl.
func GenerateToken(userID, username, secret string, ttl time.Duration) (string, error) {
	return signToken(userID, username, tokenTypeAccess, secret, ttl)
}

func GenerateTokens(userID, username, secret string) (string, string, error) {
	access, err := signToken(userID, username, tokenTypeAccess, secret, accessTokenTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err := signToken(userID, username, tokenTypeRefresh, secret, refreshTokenTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

var errWrongTokenType = errors.New("wrong token type")

// ParseToken validates tokenStr and checks it is of the expected type.
func ParseToken(tokenStr, secret string, refresh bool) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	want := tokenTypeAccess
	if refresh {
		want = tokenTypeRefresh
	}
	if claims.TokenType != want {
		return nil, errWrongTokenType
	}
	return claims, nil
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

// JWTProtected authenticates the bearer token and stores the user id in
// c.Locals(LocalUserID). Browsers cannot set headers on websocket upgrades,
// so those alone may carry the token in a "token" query parameter.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := ""
		if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
			if tokenStr == auth {
				return unauthorized(c)
			}
		} else if websocket.IsWebSocketUpgrade(c) {
			tokenStr = c.Query("token")
		}
		if tokenStr == "" {
			return unauthorized(c)
		}

		claims, err := ParseToken(tokenStr, secret, false)
		if err != nil {
			return unauthorized(c)
		}

		c.Locals(LocalUserID, claims.Subject)
		c.Locals(LocalUsername, claims.Username)
		return c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside JWTProtected.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return id
}
