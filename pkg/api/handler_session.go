package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sess, err := s.orch.Create(c.Request().Context(), user, req.Title, req.Config.toModel())
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// getSessionHandler handles GET /api/v1/sessions/:code.
func (s *Server) getSessionHandler(c *echo.Context) error {
	code := c.Param("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session code is required")
	}

	snap, err := s.orch.GetSession(c.Request().Context(), code)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// listActiveSessionsHandler handles GET /api/v1/sessions/active.
func (s *Server) listActiveSessionsHandler(c *echo.Context) error {
	sessions, err := s.orch.ActiveSessions(c.Request().Context())
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// availableRolesHandler handles GET /api/v1/sessions/:code/roles.
func (s *Server) availableRolesHandler(c *echo.Context) error {
	code := c.Param("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session code is required")
	}

	roles, err := s.orch.AvailableRoles(c.Request().Context(), code)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"availableRoles": roles})
}

// joinSessionHandler handles POST /api/v1/sessions/:code/join.
func (s *Server) joinSessionHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var req JoinSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	s.orch.TouchActivity(c.Param("code"), user.ID)
	sess, err := s.orch.Join(c.Request().Context(), c.Param("code"), req.Role, user)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// configureSessionHandler handles POST /api/v1/sessions/:code/configure.
func (s *Server) configureSessionHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var req ConfigureSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	s.orch.TouchActivity(c.Param("code"), user.ID)
	sess, err := s.orch.Configure(c.Request().Context(), c.Param("code"), req.Config.toModel(), user)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// startSessionHandler handles POST /api/v1/sessions/:code/start.
func (s *Server) startSessionHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	s.orch.TouchActivity(c.Param("code"), user.ID)
	sess, err := s.orch.Start(c.Request().Context(), c.Param("code"), user)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// skipPhaseHandler handles POST /api/v1/sessions/:code/skip.
func (s *Server) skipPhaseHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	s.orch.TouchActivity(c.Param("code"), user.ID)
	sess, err := s.orch.SkipPhase(c.Request().Context(), c.Param("code"), user)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// leaveSessionHandler handles POST /api/v1/sessions/:code/leave.
func (s *Server) leaveSessionHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	if err := s.orch.Leave(c.Request().Context(), c.Param("code"), user); err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "left"})
}

// newCaseHandler handles POST /api/v1/sessions/:code/new-case.
func (s *Server) newCaseHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	s.orch.TouchActivity(c.Param("code"), user.ID)
	sess, err := s.orch.NewCase(c.Request().Context(), c.Param("code"), user)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// changeRoleHandler handles POST /api/v1/sessions/:code/change-role.
func (s *Server) changeRoleHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	s.orch.TouchActivity(c.Param("code"), user.ID)
	sess, err := s.orch.ChangeRole(c.Request().Context(), c.Param("code"), user)
	if err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// endSessionHandler handles POST /api/v1/sessions/:code/end.
func (s *Server) endSessionHandler(c *echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	if err := s.orch.End(c.Request().Context(), c.Param("code"), user); err != nil {
		return mapOrchestratorError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ended"})
}
