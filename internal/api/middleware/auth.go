package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const tokenKey = "access_token"

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get(echo.HeaderAuthorization)
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// RequireBearer rejects requests without a bearer credential and stores the
// raw token for the handler. Validation of the token itself is left to the
// auth service.
func RequireBearer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get(echo.HeaderAuthorization) == "" {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			token, ok := BearerToken(c.Request())
			if !ok {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header")
			}

			c.Set(tokenKey, token)
			return next(c)
		}
	}
}

// Token returns the bearer token stored by RequireBearer, or "".
func Token(c echo.Context) string {
	token, _ := c.Get(tokenKey).(string)
	return token
}
