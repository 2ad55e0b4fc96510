package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/reklamai/api/internal/catalog"
	"github.com/reklamai/api/internal/client"
	"github.com/reklamai/api/internal/ledger"
	"github.com/reklamai/api/internal/middleware"
	"github.com/reklamai/api/internal/model"
	"github.com/reklamai/api/internal/service"
	"github.com/reklamai/api/internal/store"
	"github.com/reklamai/api/pkg/response"
)

type GenerateHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewGenerateHandler(svc *service.GenerationService, v *validator.Validate) *GenerateHandler {
	return &GenerateHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/generate
// @Summary      Start a generation
// @Description  Reserve credits and submit an asynchronous generation task to the provider
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body model.GenerateRequest true "Generation request"
// @Success      201 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      402 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Failure      504 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate [post]
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}

	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Generate(c.Context(), userID, &req)
	if err != nil {
		return mapGenerateError(c, err)
	}

	return response.Created(c, result)
}

// Status handles GET /api/generations/:id/status
// @Summary      Get generation status
// @Description  Return the current status, progress and outputs of a generation
// @Tags         Generation
// @Produce      json
// @Param        id path string true "Generation ID"
// @Success      200 {object} model.StatusResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations/{id}/status [get]
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}

	generationID := c.Params("id")
	if generationID == "" {
		return response.ValidationError(c, "Generation ID is required", nil)
	}

	result, err := h.service.Status(c.Context(), userID, generationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Generation not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/generations/:id/cancel
// @Summary      Cancel a generation
// @Description  Mark a live generation cancelled and return its credit hold
// @Tags         Generation
// @Produce      json
// @Param        id path string true "Generation ID"
// @Success      200 {object} model.CancelResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations/{id}/cancel [post]
func (h *GenerateHandler) Cancel(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}

	generationID := c.Params("id")
	if generationID == "" {
		return response.ValidationError(c, "Generation ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), userID, generationID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Generation not found")
		case errors.Is(err, service.ErrAlreadyTerminal):
			return response.ValidationError(c, "Generation already finished", nil)
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return response.OK(c, result)
}

// List handles GET /api/generations
// @Summary      List generations
// @Description  Return the caller's generations, newest first
// @Tags         Generation
// @Produce      json
// @Param        status query string false "Filter by status (queued|processing|succeeded|failed|cancelled)"
// @Param        limit  query int false "Page size (default 20, max 100)"
// @Param        offset query int false "Page offset"
// @Success      200 {object} model.GenerationListResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations [get]
func (h *GenerateHandler) List(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	status := model.GenerationStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return response.ValidationError(c, "Unknown status filter", nil)
	}

	result, err := h.service.List(c.Context(), userID, status, limit, offset)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

func mapGenerateError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, catalog.ErrPresetNotFound):
		return response.ValidationError(c, "Unknown preset", nil)
	case errors.Is(err, catalog.ErrModelNotFound):
		return response.ValidationError(c, "Unknown or unavailable model for this preset", nil)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return response.InsufficientCredits(c, "Not enough credits for this generation")
	}

	var sue *service.SubmitUnknownError
	if errors.As(err, &sue) {
		return response.Error(c, fiber.StatusGatewayTimeout, response.CodeProviderTimeout,
			"Provider did not confirm the submission; the generation is being verified", fiber.Map{
				"generationId": sue.GenerationID,
			})
	}

	var pe *client.ProviderError
	if errors.As(err, &pe) {
		details := fiber.Map{}
		if pe.ModelSent != "" {
			details["modelSent"] = pe.ModelSent
		}
		if pe.Hint != "" {
			details["hint"] = pe.Hint
		}
		return response.Error(c, pe.StatusCode, providerErrorCode(pe.Kind), pe.Message, details)
	}

	return response.ServiceError(c, err.Error())
}

func providerErrorCode(kind client.ProviderErrorKind) string {
	switch kind {
	case client.ErrorRejected:
		return response.CodeProviderRejected
	case client.ErrorTimeout:
		return response.CodeProviderTimeout
	default:
		return response.CodeProviderError
	}
}

func formatValidationErrors(err error) map[string]string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
