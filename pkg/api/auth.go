package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/practicase/practicase/pkg/models"
)

// Authentication is handled upstream (gateway or reverse proxy); the edge
// trusts the identity headers it forwards.
const (
	headerUserID   = "X-User-Id"
	headerUserName = "X-User-Name"
	headerAdmin    = "X-Admin"
)

// currentUser extracts the caller's identity from the forwarded headers.
func currentUser(c *echo.Context) (models.User, error) {
	id := c.Request().Header.Get(headerUserID)
	if id == "" {
		return models.User{}, echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	return models.User{
		ID:      id,
		Name:    c.Request().Header.Get(headerUserName),
		IsAdmin: c.Request().Header.Get(headerAdmin) == "true",
	}, nil
}
