package middleware

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-realtime/internal/utils"
)

// Locals keys populated by JWTProtected.
const (
	LocalUserID   = "user_id"
	LocalUsername = "username"
	LocalUserRole = "user_role"
)

var (
	subjectClaims  = []string{"sub", "user_id", "id"}
	usernameClaims = []string{"username", "preferred_username", "name"}
	roleClaims     = []string{"role", "roles"}

	errMissingSubject = errors.New("token subject missing")
)

// identity is the caller description carried by a verified token.
type identity struct {
	userID   uint
	username string
	role     string
}

// JWTProtected verifies HS256/384/512 bearer tokens and stores the caller in
// locals. Websocket upgrades may pass the token as the `token` query
// parameter because browsers cannot set headers on the handshake.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }

	return func(c *fiber.Ctx) error {
		raw, problem := bearerToken(c)
		if raw == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, problem)
		}

		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		caller, err := identityFromClaims(claims)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		c.Locals(LocalUserID, caller.userID)
		if caller.username != "" {
			c.Locals(LocalUsername, caller.username)
		}
		if caller.role != "" {
			c.Locals(LocalUserRole, caller.role)
		}
		return c.Next()
	}
}

// bearerToken returns the raw token or, when absent, the reason for rejection.
func bearerToken(c *fiber.Ctx) (string, string) {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if header == "" {
		if websocket.IsWebSocketUpgrade(c) {
			if token := strings.TrimSpace(c.Query("token")); token != "" {
				return token, ""
			}
		}
		return "", "authorization header missing"
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", "invalid authorization header"
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", "invalid token"
	}
	return token, ""
}

func identityFromClaims(claims jwt.MapClaims) (identity, error) {
	var caller identity
	for _, key := range subjectClaims {
		if id, ok := claimUint(claims[key]); ok && id != 0 {
			caller.userID = id
			break
		}
	}
	if caller.userID == 0 {
		return identity{}, errMissingSubject
	}

	for _, key := range usernameClaims {
		if name, ok := claims[key].(string); ok && strings.TrimSpace(name) != "" {
			caller.username = strings.TrimSpace(name)
			break
		}
	}
	for _, key := range roleClaims {
		if role := claimRole(claims[key]); role != "" {
			caller.role = role
			break
		}
	}
	return caller, nil
}

func claimUint(value interface{}) (uint, bool) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 0)
		if err != nil {
			return 0, false
		}
		return uint(parsed), true
	default:
		return 0, false
	}
}

// claimRole accepts a single role string or the first non-empty entry of a role list.
func claimRole(value interface{}) string {
	switch v := value.(type) {
	case string:
		return normalizeRoleValue(v)
	case []interface{}:
		for _, item := range v {
			if role, ok := item.(string); ok {
				if normalized := normalizeRoleValue(role); normalized != "" {
					return normalized
				}
			}
		}
	}
	return ""
}

// UserID returns the authenticated user id, or zero.
func UserID(c *fiber.Ctx) uint {
	switch v := c.Locals(LocalUserID).(type) {
	case uint:
		return v
	case int:
		if v > 0 {
			return uint(v)
		}
	}
	return 0
}

// Username returns the username claim of the authenticated user, falling back to "user-<id>".
func Username(c *fiber.Ctx) string {
	if name, ok := c.Locals(LocalUsername).(string); ok && name != "" {
		return name
	}
	if id := UserID(c); id != 0 {
		return "user-" + strconv.FormatUint(uint64(id), 10)
	}
	return ""
}
