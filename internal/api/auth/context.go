package auth

import "github.com/labstack/echo/v4"

const userIDKey = "auth.user_id"

// SetUserID stores the authenticated user id on the request context.
func SetUserID(c echo.Context, userID string) {
	c.Set(userIDKey, userID)
}

// UserID returns the authenticated user id, or empty when the request
// is unauthenticated.
func UserID(c echo.Context) string {
	if v, ok := c.Get(userIDKey).(string); ok {
		return v
	}
	return ""
}
