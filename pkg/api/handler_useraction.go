package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/thegaltinator/alfred-cloud/pkg/services"
)

// userActionHandler accepts a user's response to a pending prompt. The
// action is appended to the whiteboard and picked up asynchronously by the
// manager graph, so the endpoint answers 202 rather than 200.
func (s *Server) userActionHandler(c *echo.Context) error {
	var req services.UserActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	wbID, err := s.actions.Submit(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"wb_id": wbID})
}
