package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Listing is the rentable property. The booking service only reads it.
type Listing struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	HostID       uuid.UUID       `db:"host_id" json:"host_id"`
	Title        string          `db:"title" json:"title"`
	NightlyPrice decimal.Decimal `db:"nightly_price" json:"nightly_price"`
	Currency     string          `db:"currency" json:"currency"`
}

// BookingStatus is the lifecycle state of a booking
type BookingStatus string

// Booking statuses
const (
	BookingStatusPending   BookingStatus = "PENDING"
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusCancelled BookingStatus = "CANCELLED"
)

// Booking represents a renter's hold on a date range of a listing.
// CheckOut is exclusive.
type Booking struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	ListingID  uuid.UUID       `db:"listing_id" json:"listing_id"`
	UserID     uuid.UUID       `db:"user_id" json:"user_id"`
	CheckIn    time.Time       `db:"check_in" json:"check_in"`
	CheckOut   time.Time       `db:"check_out" json:"check_out"`
	Status     BookingStatus   `db:"status" json:"status"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Nights returns the number of occupied nights
func (b *Booking) Nights() int {
	return int(b.CheckOut.Sub(b.CheckIn).Hours() / 24)
}

// PaymentStatus is the lifecycle state of a payment
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// PaymentMethod tags the gateway adapter that created a payment
type PaymentMethod string

// Payment methods
const (
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodOmise  PaymentMethod = "omise"
)

// Payment is the money side of a booking, 1:1 with it.
type Payment struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	BookingID  uuid.UUID       `db:"booking_id" json:"booking_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Currency   string          `db:"currency" json:"currency"`
	Status     PaymentStatus   `db:"status" json:"status"`
	Method     PaymentMethod   `db:"method" json:"method"`
	ExternalID string          `db:"external_id" json:"external_id"`
	Metadata   Metadata        `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// CalendarItem is the per-night occupancy flag of a listing
type CalendarItem struct {
	ListingID uuid.UUID  `db:"listing_id" json:"listing_id"`
	Date      time.Time  `db:"date" json:"date"`
	IsBooked  bool       `db:"is_booked" json:"is_booked"`
	BookingID *uuid.UUID `db:"booking_id" json:"booking_id,omitempty"`
}

// Confirmation reasons
const (
	ReasonDateConflict     = "date conflict"
	ReasonBookingMissing   = "booking missing"
	ReasonBookingCancelled = "booking cancelled"
	ReasonAmountMismatch   = "amount mismatch"
)

// Confirmation is the outcome of applying a successful payment to its booking
type Confirmation struct {
	Confirmed bool      `json:"confirmed"`
	Replayed  bool      `json:"replayed,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	BookingID uuid.UUID `json:"booking_id"`
}

// ReconciliationCase flags a captured payment that could not be applied.
// Resolved out of band by an operator.
type ReconciliationCase struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PaymentID uuid.UUID `db:"payment_id" json:"payment_id"`
	BookingID uuid.UUID `db:"booking_id" json:"booking_id"`
	Reason    string    `db:"reason" json:"reason"`
	Details   Metadata  `db:"details" json:"details,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Metadata is a string map stored as JSONB
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	*m = out
	return nil
}

// Merge copies every entry of other into m and returns m
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		m = Metadata{}
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}
