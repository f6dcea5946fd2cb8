package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/balancehold/balancehold/internal/balance"
)

// RegisterBalanceRoutes wires the balance and reservation endpoints.
func RegisterBalanceRoutes(r fiber.Router, h *balance.Handler) {
	g := r.Group("/balance")
	g.Get("/:userId", h.Balance)
	g.Post("/:userId/limits", h.AdjustLimits)
	g.Post("/:userId/current", h.AdjustCurrent)
	g.Post("/:userId/repair", h.Repair)

	g.Post("/:userId/reservations", h.OpenReservation)
	g.Get("/:userId/reservations/:externalTxId", h.Reservation)
	g.Post("/:userId/reservations/:externalTxId/confirm", h.ConfirmReservation)
	g.Post("/:userId/reservations/:externalTxId/cancel", h.CancelReservation)
}
