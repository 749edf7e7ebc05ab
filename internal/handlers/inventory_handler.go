package handlers

import (
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const actorHeader = "X-Actor-ID"

type InventoryHandler struct {
	ledger        *service.StockLedger
	availability  *service.AvailabilityCalculator
	reservations  *service.ReservationManager
	checkout      *service.CheckoutService
	cancellations *service.CancellationService
	logger        *zap.Logger
}

type Services struct {
	Ledger        *service.StockLedger
	Availability  *service.AvailabilityCalculator
	Reservations  *service.ReservationManager
	Checkout      *service.CheckoutService
	Cancellations *service.CancellationService
}

func NewInventoryHandler(s Services, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		ledger:        s.Ledger,
		availability:  s.Availability,
		reservations:  s.Reservations,
		checkout:      s.Checkout,
		cancellations: s.Cancellations,
		logger:        logger.Named("http"),
	}
}

type createItemRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	InitialStock int    `json:"initial_stock"`
	ActorID      string `json:"actor_id"`
}

type stockMovementRequest struct {
	MovementType  domain.MovementType `json:"movement_type"`
	QuantityDelta int                 `json:"quantity_delta"`
	ReferenceID   uuid.NullUUID       `json:"reference_id"`
	ActorID       string              `json:"actor_id"`
	Note          string              `json:"note"`
}

type checkoutRequest struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	QuotationID uuid.UUID `json:"quotation_id"`
}

type transitionRequest struct {
	ActorID    string     `json:"actor_id"`
	Reason     string     `json:"reason"`
	ReturnedAt *time.Time `json:"returned_at"`
}

type availabilityResponse struct {
	ItemID    uuid.UUID      `json:"item_id"`
	Window    *domain.Window `json:"window,omitempty"`
	Available int            `json:"available"`
	Advisory  bool           `json:"advisory"`
}

func (h *InventoryHandler) HealthCheck(c *fiber.Ctx) error {
	return SuccessResponse(c, "Rental inventory service is healthy", map[string]interface{}{
		"service": "rental-inventory",
		"status":  "healthy",
	})
}

func (h *InventoryHandler) CreateItem(c *fiber.Ctx) error {
	var req createItemRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
	}

	item, err := h.ledger.CreateItem(c.UserContext(), req.SKU, req.Name, req.InitialStock, actor(c, req.ActorID))
	if err != nil {
		return h.fail(c, err)
	}
	return CreatedResponse(c, "Item created", item)
}

func (h *InventoryHandler) GetAvailability(c *fiber.Ctx) error {
	itemID, err := pathID(c, "id")
	if err != nil {
		return ErrorResponse(c, err)
	}

	window, err := queryWindow(c)
	if err != nil {
		return ErrorResponse(c, err)
	}

	qty, err := h.availability.AdvisoryQuantity(c.UserContext(), itemID, window)
	if err != nil {
		return h.fail(c, err)
	}
	return SuccessResponse(c, "Availability computed", availabilityResponse{
		ItemID:    itemID,
		Window:    window,
		Available: qty,
		Advisory:  true,
	})
}

func (h *InventoryHandler) RecordStockMovement(c *fiber.Ctx) error {
	itemID, err := pathID(c, "id")
	if err != nil {
		return ErrorResponse(c, err)
	}

	var req stockMovementRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
	}

	movement, err := h.ledger.RecordStockMovement(c.UserContext(), domain.MovementRequest{
		ItemID:        itemID,
		MovementType:  req.MovementType,
		QuantityDelta: req.QuantityDelta,
		ReferenceID:   req.ReferenceID,
		ActorID:       actor(c, req.ActorID),
		Note:          req.Note,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return CreatedResponse(c, "Stock movement recorded", movement)
}

func (h *InventoryHandler) MovementHistory(c *fiber.Ctx) error {
	itemID, err := pathID(c, "id")
	if err != nil {
		return ErrorResponse(c, err)
	}

	movements, err := h.ledger.History(c.UserContext(), itemID)
	if err != nil {
		return h.fail(c, err)
	}
	return SuccessResponse(c, "Movement history", movements)
}

func (h *InventoryHandler) Checkout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
	}
	if req.CustomerID == uuid.Nil || req.QuotationID == uuid.Nil {
		return BadRequestResponse(c, "customer_id and quotation_id are required", nil)
	}

	order, err := h.checkout.Checkout(c.UserContext(), req.CustomerID, req.QuotationID)
	if err != nil {
		return h.fail(c, err)
	}
	return CreatedResponse(c, "Order confirmed", order)
}

func (h *InventoryHandler) CreateReservation(c *fiber.Ctx) error {
	var req service.CreateReservationRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
	}
	req.ActorID = actor(c, req.ActorID)

	reservation, err := h.reservations.CreateReservation(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return CreatedResponse(c, "Reservation created", reservation)
}

func (h *InventoryHandler) ReleaseReservation(c *fiber.Ctx) error {
	return h.transition(c, "Reservation released", func(id uuid.UUID, req transitionRequest) (*domain.Reservation, error) {
		return h.reservations.ReleaseReservation(c.UserContext(), id, actor(c, req.ActorID), req.Reason)
	})
}

func (h *InventoryHandler) MarkPickedUp(c *fiber.Ctx) error {
	return h.transition(c, "Reservation picked up", func(id uuid.UUID, req transitionRequest) (*domain.Reservation, error) {
		return h.reservations.MarkPickedUp(c.UserContext(), id, actor(c, req.ActorID))
	})
}

func (h *InventoryHandler) MarkReturned(c *fiber.Ctx) error {
	return h.transition(c, "Reservation returned", func(id uuid.UUID, req transitionRequest) (*domain.Reservation, error) {
		returnedAt := time.Now().UTC()
		if req.ReturnedAt != nil {
			returnedAt = req.ReturnedAt.UTC()
		}
		return h.reservations.MarkReturned(c.UserContext(), id, actor(c, req.ActorID), returnedAt)
	})
}

func (h *InventoryHandler) CancelOrder(c *fiber.Ctx) error {
	orderID, err := pathID(c, "id")
	if err != nil {
		return ErrorResponse(c, err)
	}

	var req transitionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		}
	}

	result, err := h.cancellations.CancelOrder(c.UserContext(), orderID, actor(c, req.ActorID), req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	if result.AlreadyCancelled {
		return SuccessResponse(c, "Order already cancelled", result)
	}
	return SuccessResponse(c, "Order cancelled", result)
}

func (h *InventoryHandler) transition(c *fiber.Ctx, message string,
	fn func(id uuid.UUID, req transitionRequest) (*domain.Reservation, error)) error {
	id, err := pathID(c, "id")
	if err != nil {
		return ErrorResponse(c, err)
	}

	var req transitionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		}
	}

	reservation, err := fn(id, req)
	if err != nil {
		return h.fail(c, err)
	}
	return SuccessResponse(c, message, reservation)
}

// fail logs infrastructure errors; business outcomes are the caller's
// concern and only surface in the response.
func (h *InventoryHandler) fail(c *fiber.Ctx, err error) error {
	if !domain.IsDomainError(err) {
		h.logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	return ErrorResponse(c, err)
}

func actor(c *fiber.Ctx, fromBody string) string {
	if id := c.Get(actorHeader); id != "" {
		return utils.CopyString(id)
	}
	return fromBody
}

func pathID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, &domain.ValidationError{Field: name, Reason: "must be a UUID"}
	}
	return id, nil
}

// queryWindow reads an optional [start, end) window in RFC 3339. Both
// bounds or neither.
func queryWindow(c *fiber.Ctx) (*domain.Window, error) {
	startRaw, endRaw := c.Query("start"), c.Query("end")
	if startRaw == "" && endRaw == "" {
		return nil, nil
	}
	if startRaw == "" || endRaw == "" {
		return nil, &domain.ValidationError{Field: "window", Reason: "start and end must be given together"}
	}
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return nil, &domain.ValidationError{Field: "start", Reason: "must be RFC 3339"}
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return nil, &domain.ValidationError{Field: "end", Reason: "must be RFC 3339"}
	}
	w, err := domain.NewWindow(start, end)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
