package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func bookingKey(id uuid.UUID) string {
	return fmt.Sprintf("booking-%s", id)
}

// PublishBookingReserved publishes BookingReserved event
func (ep *EventPublisher) PublishBookingReserved(ctx context.Context, event *models.BookingReservedEvent) error {
	return ep.producer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishBookingConfirmed publishes BookingConfirmed event
func (ep *EventPublisher) PublishBookingConfirmed(ctx context.Context, event *models.BookingConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishBookingCancelled publishes BookingCancelled event
func (ep *EventPublisher) PublishBookingCancelled(ctx context.Context, event *models.BookingCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishBookingFlagged publishes BookingFlagged event
func (ep *EventPublisher) PublishBookingFlagged(ctx context.Context, event *models.BookingFlaggedEvent) error {
	return ep.producer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onBookingFlagged func(context.Context, *models.BookingFlaggedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnBookingFlagged registers a handler for BookingFlagged events
func (eh *EventHandler) OnBookingFlagged(handler func(context.Context, *models.BookingFlaggedEvent) error) {
	eh.onBookingFlagged = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	util.GetLogger().Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeBookingFlagged:
		if eh.onBookingFlagged != nil {
			var event models.BookingFlaggedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal BookingFlagged event: %w", err)
			}
			return eh.onBookingFlagged(ctx, &event)
		}

	case models.EventTypeBookingReserved, models.EventTypeBookingConfirmed, models.EventTypeBookingCancelled:
		// consumed by other services

	default:
		util.GetLogger().Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
