package delivery

import (
	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	sessions := s.wsManager.GetActiveConnections()
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Active sessions retrieved successfully",
		"data": fiber.Map{
			"node":     s.config.NodeID,
			"total":    len(sessions),
			"sessions": sessions,
		},
	})
}

func (s *Server) handleGetSessionStatus(c *fiber.Ctx) error {
	sessionID := c.Params("session_id")
	if err := validateSessionID(sessionID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid session ID",
			"error":   err.Error(),
		})
	}

	presence, err := s.presence.GetPresence(c.UserContext(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to get session status",
			"error":   err.Error(),
		})
	}

	local := ""
	if state, ok := s.wsManager.GetActiveConnections()[sessionID]; ok {
		local = state
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Session status retrieved successfully",
		"data": fiber.Map{
			"presence":    presence,
			"local_state": local,
		},
	})
}
