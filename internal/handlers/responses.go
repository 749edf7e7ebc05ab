package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func SuccessResponse(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: getRequestID(c),
	})
}

func CreatedResponse(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: getRequestID(c),
	})
}

func errorResponse(c *fiber.Ctx, status int, code, message string, details map[string]interface{}) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
		RequestID: getRequestID(c),
	})
}

func BadRequestResponse(c *fiber.Ctx, message string, details map[string]interface{}) error {
	return errorResponse(c, fiber.StatusBadRequest, "BAD_REQUEST", message, details)
}

func NotFoundResponse(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusNotFound, "NOT_FOUND", message, nil)
}

func ConflictResponse(c *fiber.Ctx, code, message string, details map[string]interface{}) error {
	return errorResponse(c, fiber.StatusConflict, code, message, details)
}

func InternalServerErrorResponse(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusInternalServerError, "INTERNAL_SERVER_ERROR", message, nil)
}

// ErrorResponse maps engine errors onto status codes. Conflicts carry a
// specific code so clients can tell a shortage from a stale transition.
func ErrorResponse(c *fiber.Ctx, err error) error {
	var (
		inv   *domain.InsufficientInventoryError
		rel   *domain.AlreadyReleasedError
		tr    *domain.InvalidTransitionError
		stock *domain.InsufficientStockError
		imb   *domain.LedgerImbalanceError
		nf    *domain.NotFoundError
		val   *domain.ValidationError
		quote *domain.InvalidQuotationError
	)

	switch {
	case errors.As(err, &inv):
		details := map[string]interface{}{
			"item_id":   inv.ItemID,
			"available": inv.Available,
			"requested": inv.Requested,
		}
		if inv.Line > 0 {
			details["line"] = inv.Line
		}
		if len(inv.Shortages) > 0 {
			details["shortages"] = inv.Shortages
		}
		return ConflictResponse(c, "INSUFFICIENT_INVENTORY", inv.Error(), details)
	case errors.As(err, &rel):
		return ConflictResponse(c, "ALREADY_RELEASED", rel.Error(), map[string]interface{}{"status": rel.Status})
	case errors.As(err, &tr):
		return ConflictResponse(c, "INVALID_TRANSITION", tr.Error(), map[string]interface{}{"from": tr.From, "to": tr.To})
	case errors.As(err, &stock):
		return ConflictResponse(c, "INSUFFICIENT_STOCK", stock.Error(), nil)
	case errors.As(err, &imb):
		return ConflictResponse(c, "LEDGER_IMBALANCE", imb.Error(), nil)
	case errors.As(err, &nf):
		return NotFoundResponse(c, nf.Error())
	case errors.As(err, &val):
		return BadRequestResponse(c, val.Error(), map[string]interface{}{"field": val.Field})
	case errors.As(err, &quote):
		return BadRequestResponse(c, quote.Error(), map[string]interface{}{"quotation_id": quote.QuotationID})
	case domain.IsTransient(err):
		return errorResponse(c, fiber.StatusServiceUnavailable, "RETRY_LATER", "transaction conflict, retry the request", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return errorResponse(c, fiber.StatusGatewayTimeout, "TIMEOUT", "request timed out", nil)
	default:
		return InternalServerErrorResponse(c, "internal error")
	}
}

func getRequestID(c *fiber.Ctx) string {
	requestID := c.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
		c.Set("X-Request-ID", requestID)
	}
	return requestID
}
