package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zhiwei/internal/api/auth"
	"github.com/zhiwei/internal/instructions"
)

type instructionRequest struct {
	Content string `json:"content"`
}

func (s *Server) listInstructions(c echo.Context) error {
	list, err := s.instructions.List(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list instructions")
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) createInstruction(c echo.Context) error {
	var req instructionRequest
	if err := c.Bind(&req); err != nil || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	ins, err := s.instructions.Create(c.Request().Context(), auth.UserID(c), req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create instruction")
	}
	return c.JSON(http.StatusCreated, ins)
}

func (s *Server) updateInstruction(c echo.Context) error {
	var req instructionRequest
	if err := c.Bind(&req); err != nil || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	err := s.instructions.Update(c.Request().Context(), auth.UserID(c), c.Param("id"), req.Content)
	if errors.Is(err, instructions.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "instruction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update instruction")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteInstruction(c echo.Context) error {
	err := s.instructions.Delete(c.Request().Context(), auth.UserID(c), c.Param("id"))
	if errors.Is(err, instructions.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "instruction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete instruction")
	}
	return c.NoContent(http.StatusNoContent)
}
