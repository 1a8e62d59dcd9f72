package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// submitFeedbackHandler handles POST /api/v1/sessions/:code/feedback.
func (s *Server) submitFeedbackHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var req SubmitFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	s.orch.TouchActivity(c.Param("code"), user.ID)
	fb, err := s.orch.SubmitFeedback(c.Request().Context(), c.Param("code"), user, req.toSubmission())
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusCreated, fb)
}

// sessionFeedbackHandler handles GET /api/v1/sessions/:code/feedback.
// Participants of the session (and admins) may review all rounds, also
// after the session completed.
func (s *Server) sessionFeedbackHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	rows, err := s.orch.SessionFeedback(c.Request().Context(), c.Param("code"), user)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, rows)
}
