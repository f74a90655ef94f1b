package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// RequireScope ensures the client token carries scope.
func RequireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		}
		if !principal.Claims.HasScope(scope) {
			return fiber.NewError(http.StatusForbidden, "missing scope "+scope)
		}
		return c.Next()
	}
}
