package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/reklamai/api/internal/ledger"
	"github.com/reklamai/api/internal/middleware"
	"github.com/reklamai/api/internal/model"
	"github.com/reklamai/api/pkg/response"
)

type CreditsHandler struct {
	ledger *ledger.Ledger
}

func NewCreditsHandler(l *ledger.Ledger) *CreditsHandler {
	return &CreditsHandler{ledger: l}
}

// Balance handles GET /api/credits
// @Summary      Get credit balance
// @Description  Return the caller's current credit balance
// @Tags         Credits
// @Produce      json
// @Success      200 {object} model.CreditBalanceResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/credits [get]
func (h *CreditsHandler) Balance(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}

	balance, err := h.ledger.Balance(c.Context(), userID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, model.CreditBalanceResponse{Balance: balance})
}

// Entries handles GET /api/credits/entries
// @Summary      List ledger entries
// @Description  Return the caller's most recent credit ledger entries
// @Tags         Credits
// @Produce      json
// @Param        limit query int false "Max entries (default 50, max 200)"
// @Success      200 {object} []model.LedgerEntry
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/credits/entries [get]
func (h *CreditsHandler) Entries(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	entries, err := h.ledger.Entries(c.Context(), userID, int64(limit))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, entries)
}
