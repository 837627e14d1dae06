package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeBookingReserved  = "BOOKING_RESERVED"
	EventTypeBookingConfirmed = "BOOKING_CONFIRMED"
	EventTypeBookingCancelled = "BOOKING_CANCELLED"
	EventTypeBookingFlagged   = "BOOKING_FLAGGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and the current time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// BookingReservedEvent published when a pending booking and its checkout are created
type BookingReservedEvent struct {
	BaseEvent
	BookingID  uuid.UUID     `json:"booking_id"`
	ListingID  uuid.UUID     `json:"listing_id"`
	UserID     uuid.UUID     `json:"user_id"`
	CheckIn    string        `json:"check_in"`
	CheckOut   string        `json:"check_out"`
	Amount     string        `json:"amount"`
	Currency   string        `json:"currency"`
	Method     PaymentMethod `json:"method"`
	ExternalID string        `json:"external_id"`
}

// BookingConfirmedEvent published when the payment is applied and the nights are held
type BookingConfirmedEvent struct {
	BaseEvent
	BookingID uuid.UUID `json:"booking_id"`
	ListingID uuid.UUID `json:"listing_id"`
	UserID    uuid.UUID `json:"user_id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
}

// BookingCancelledEvent published when a renter abandons a pending booking
type BookingCancelledEvent struct {
	BaseEvent
	BookingID uuid.UUID `json:"booking_id"`
	UserID    uuid.UUID `json:"user_id"`
}

// BookingFlaggedEvent published when a captured payment needs manual reconciliation
type BookingFlaggedEvent struct {
	BaseEvent
	BookingID uuid.UUID `json:"booking_id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Reason    string    `json:"reason"`
	Details   Metadata  `json:"details,omitempty"`
}
