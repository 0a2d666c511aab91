package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/thegaltinator/alfred-cloud/pkg/version"
)

// healthHandler reports liveness plus the result of the optional dependency
// probe (typically a Redis ping).
func (s *Server) healthHandler(c *echo.Context) error {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"version": version.Full(),
				"error":   err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Full(),
	})
}
