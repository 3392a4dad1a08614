package api

import (
	"net/http"
	"strings"

	"saltvault/internal/server/service"

	"github.com/labstack/echo/v4"
)

// RequireSession resolves the caller's session from the "session" cookie or
// an "Authorization: Bearer" header and stores the owning user id in the
// context. Requests without a valid session are answered with 401.
func RequireSession(sessions *service.SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := sessionToken(c)
			if token == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "session required"})
			}

			id, err := service.ParseToken(token)
			if err != nil {
				return mapServiceError(c, err)
			}
			uid, err := sessions.Validate(c.Request().Context(), id)
			if err != nil {
				return mapServiceError(c, err)
			}

			c.Set(userIDKey, uid)
			return next(c)
		}
	}
}

func sessionToken(c echo.Context) string {
	if auth := c.Request().Header.Get(echo.HeaderAuthorization); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// userID returns the id stored by RequireSession.
func userID(c echo.Context) uint64 {
	id, _ := c.Get(userIDKey).(uint64)
	return id
}
