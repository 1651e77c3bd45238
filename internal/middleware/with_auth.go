package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-realtime/internal/utils"
)

// StaffRoles may inspect platform-wide chat state.
var StaffRoles = []string{"admin", "teacher"}

// AuthOptions configures WithAuth. Empty Roles admits any authenticated user.
type AuthOptions struct {
	Roles          []string
	AllowAnonymous bool
}

// WithAuth guards a handler on the identity placed by JWTProtected.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	allowed := make(map[string]struct{}, len(opts.Roles))
	for _, role := range opts.Roles {
		if normalized := normalizeRoleValue(role); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}
	anonymousOK := opts.AllowAnonymous && len(allowed) == 0

	return func(c *fiber.Ctx) error {
		if UserID(c) == 0 {
			if anonymousOK {
				return handler(c)
			}
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}

		if len(allowed) > 0 {
			if _, ok := allowed[normalizeRoleValue(c.Locals(LocalUserRole))]; !ok {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		}

		return handler(c)
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
