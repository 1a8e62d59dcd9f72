package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/practicase/practicase/pkg/orchestrator"
)

// mapOrchestratorError maps orchestrator error kinds to HTTP error responses.
func mapOrchestratorError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidState):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, orchestrator.ErrTransient):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "temporarily unavailable, retry is safe")
	case errors.Is(err, orchestrator.ErrFatal):
		slog.Error("Fatal orchestrator error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	// Unexpected error
	slog.Error("Unexpected orchestrator error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
