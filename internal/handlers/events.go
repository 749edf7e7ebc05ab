package handlers

import (
	"context"
	"encoding/json"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/messaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type cancelCommand struct {
	OrderID uuid.UUID `json:"order_id"`
	ActorID string    `json:"actor_id"`
	Reason  string    `json:"reason"`
}

// HandleCommand is the consumer entry point for commands from other
// services. Unknown event types are acknowledged and ignored.
func (h *InventoryHandler) HandleCommand(ctx context.Context, n messaging.Notification) error {
	switch n.EventType {
	case domain.EventOrderCancelled:
		return h.handleOrderCancelled(ctx, n)
	default:
		h.logger.Debug("unhandled event type", zap.String("event_type", string(n.EventType)), zap.String("from", n.Service))
		return nil
	}
}

func (h *InventoryHandler) handleOrderCancelled(ctx context.Context, n messaging.Notification) error {
	var cmd cancelCommand
	if err := json.Unmarshal(n.Payload, &cmd); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if cmd.OrderID == uuid.Nil {
		return &domain.ValidationError{Field: "order_id", Reason: "required"}
	}
	if cmd.ActorID == "" {
		cmd.ActorID = n.Service
	}

	result, err := h.cancellations.CancelOrder(ctx, cmd.OrderID, cmd.ActorID, cmd.Reason)
	if err != nil {
		return err
	}
	h.logger.Info("order cancelled by command",
		zap.String("order_id", cmd.OrderID.String()),
		zap.String("from", n.Service),
		zap.Int("released", len(result.Released)),
		zap.Int("failed", result.Failed),
		zap.Bool("already_cancelled", result.AlreadyCancelled))
	return nil
}
