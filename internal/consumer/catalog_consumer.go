package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys on the catalog exchange.
const (
	SlotCreated = "slot.created"
	SlotUpdated = "slot.updated"
)

type SlotDefiner interface {
	DefineSlot(ctx context.Context, slot *models.AvailabilitySlot) error
}

// CatalogConsumer keeps availability slots in sync with the catalog service.
type CatalogConsumer struct {
	catalog SlotDefiner
	logger  *slog.Logger
}

func NewCatalogConsumer(catalog SlotDefiner, logger *slog.Logger) *CatalogConsumer {
	return &CatalogConsumer{catalog: catalog, logger: logger.With("component", "catalog_consumer")}
}

// Run handles deliveries until ctx is done or msgs is closed.
func (cc *CatalogConsumer) Run(ctx context.Context, msgs <-chan amqp.Delivery) error {
	cc.logger.Info("catalog consumer started")
	for {
		select {
		case <-ctx.Done():
			cc.logger.Info("catalog consumer stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				cc.logger.Warn("delivery channel closed, catalog sync stopped")
				return nil
			}
			cc.handleMessage(ctx, msg)
		}
	}
}

func (cc *CatalogConsumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	log := cc.logger.With("routing_key", msg.RoutingKey, "delivery_tag", msg.DeliveryTag)

	if msg.RoutingKey != SlotCreated && msg.RoutingKey != SlotUpdated {
		log.Debug("skipping unrelated catalog message")
		_ = msg.Ack(false)
		return
	}

	var req dto.CreateSlotRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		log.Error("failed to unmarshal slot message", "error", err)
		_ = msg.Nack(false, false)
		return
	}
	date, err := req.Validate()
	if err != nil {
		log.Error("invalid slot message", "error", err)
		_ = msg.Nack(false, false)
		return
	}

	slot := &models.AvailabilitySlot{
		ResourceID:    req.ResourceID,
		SlotID:        req.SlotID,
		Date:          date,
		Timeslot:      req.Timeslot,
		TotalCapacity: req.TotalCapacity,
		UnitAmount:    req.UnitAmount,
		Currency:      req.Currency,
	}
	if err := cc.catalog.DefineSlot(ctx, slot); err != nil {
		if errors.Is(err, ledger.ErrCapacityBelowCommitted) || errors.Is(err, ledger.ErrInvalidQuantity) {
			log.Error("rejected slot update", "slot", slot.Ref().String(), "error", err)
			_ = msg.Nack(false, false)
			return
		}
		log.Error("failed to upsert slot", "slot", slot.Ref().String(), "error", err)
		_ = msg.Nack(false, true)
		return
	}

	log.Info("synced slot", "slot", slot.Ref().String(), "capacity", slot.TotalCapacity)
	_ = msg.Ack(false)
}
