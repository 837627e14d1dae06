package store

import (
	"context"
	"database/sql"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/pricing"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	bookingColumns = "id, listing_id, user_id, check_in, check_out, status, total_price, created_at, updated_at"
	paymentColumns = "id, booking_id, amount, currency, status, method, external_id, metadata, created_at, updated_at"
)

// CreatePendingBooking inserts a booking in PENDING state. Dates are not
// checked for conflicts: competing holds are allowed until payment.
func (s *Store) CreatePendingBooking(ctx context.Context, booking *models.Booking) error {
	return createPendingBooking(ctx, s.db, booking)
}

// AttachPayment inserts the PENDING payment of a booking
func (s *Store) AttachPayment(ctx context.Context, payment *models.Payment) error {
	return attachPayment(ctx, s.db, payment)
}

// SavePendingReservation inserts a booking and its payment atomically
func (s *Store) SavePendingReservation(ctx context.Context, booking *models.Booking, payment *models.Payment) error {
	ctx, span := util.StartSpan(ctx, "Store.SavePendingReservation")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := createPendingBooking(ctx, tx, booking); err != nil {
		return err
	}
	if err := attachPayment(ctx, tx, payment); err != nil {
		return err
	}

	return tx.Commit()
}

func createPendingBooking(ctx context.Context, q sqlx.QueryerContext, booking *models.Booking) error {
	booking.Status = models.BookingStatusPending
	query := `
		INSERT INTO bookings (id, listing_id, user_id, check_in, check_out, status, total_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := sqlx.GetContext(ctx, q, booking, query,
		booking.ID, booking.ListingID, booking.UserID,
		booking.CheckIn.Format(pricing.DateLayout), booking.CheckOut.Format(pricing.DateLayout),
		booking.Status, booking.TotalPrice)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func attachPayment(ctx context.Context, q sqlx.QueryerContext, payment *models.Payment) error {
	payment.Status = models.PaymentStatusPending
	if payment.Metadata == nil {
		payment.Metadata = models.Metadata{}
	}
	query := `
		INSERT INTO payments (id, booking_id, amount, currency, status, method, external_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := sqlx.GetContext(ctx, q, payment, query,
		payment.ID, payment.BookingID, payment.Amount, payment.Currency,
		payment.Status, payment.Method, payment.ExternalID, payment.Metadata)
	if err != nil {
		return fmt.Errorf("failed to attach payment: %w", err)
	}
	return nil
}

// GetBooking retrieves a booking by ID
func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking,
		"SELECT "+bookingColumns+" FROM bookings WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetPaymentByBookingID retrieves the payment of a booking
func (s *Store) GetPaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE booking_id = $1", bookingID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment for booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindPaymentByExternalID returns nil when no payment carries the provider id
func (s *Store) FindPaymentByExternalID(ctx context.Context, method models.PaymentMethod, externalID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE method = $1 AND external_id = $2", method, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ConfirmRequest carries the payment to apply and provider metadata to keep
type ConfirmRequest struct {
	PaymentID uuid.UUID
	Metadata  models.Metadata
}

// ConfirmIfUnbooked applies a successful payment: it marks every night of the
// booking as booked, confirms the booking and settles the payment, or changes
// nothing when any night is already held. Confirmations for the same listing
// serialize on the listing row; the guarded upsert also refuses a night that
// another transaction booked after the conflict check.
func (s *Store) ConfirmIfUnbooked(ctx context.Context, req ConfirmRequest) (*models.Confirmation, error) {
	ctx, span := util.StartSpan(ctx, "Store.ConfirmIfUnbooked")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var payment models.Payment
	err = tx.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", req.PaymentID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %s: %w", req.PaymentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}

	if payment.Status == models.PaymentStatusSucceeded {
		return &models.Confirmation{Confirmed: true, Replayed: true, BookingID: payment.BookingID}, tx.Commit()
	}

	var booking models.Booking
	err = tx.GetContext(ctx, &booking,
		"SELECT "+bookingColumns+" FROM bookings WHERE id = $1 FOR UPDATE", payment.BookingID)
	if err == sql.ErrNoRows {
		return &models.Confirmation{Reason: models.ReasonBookingMissing, BookingID: payment.BookingID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock booking: %w", err)
	}
	if booking.Status == models.BookingStatusCancelled {
		return &models.Confirmation{Reason: models.ReasonBookingCancelled, BookingID: booking.ID}, nil
	}

	if _, err := tx.ExecContext(ctx, "SELECT id FROM listings WHERE id = $1 FOR UPDATE", booking.ListingID); err != nil {
		return nil, fmt.Errorf("failed to lock listing: %w", err)
	}

	nights := pricing.ExpandNights(booking.CheckIn, booking.Nights())
	days := make([]string, len(nights))
	for i, n := range nights {
		days[i] = n.Format(pricing.DateLayout)
	}

	var booked int
	err = tx.GetContext(ctx, &booked, `
		SELECT COUNT(*) FROM calendar_items
		WHERE listing_id = $1 AND date = ANY($2::date[]) AND is_booked = TRUE`,
		booking.ListingID, pq.Array(days))
	if err != nil {
		return nil, fmt.Errorf("failed to check calendar: %w", err)
	}
	if booked > 0 {
		return &models.Confirmation{Reason: models.ReasonDateConflict, BookingID: booking.ID}, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO calendar_items (listing_id, date, is_booked, booking_id)
		SELECT $1, d, TRUE, $2 FROM unnest($3::date[]) AS d
		ON CONFLICT (listing_id, date) DO UPDATE
		SET is_booked = TRUE, booking_id = EXCLUDED.booking_id
		WHERE calendar_items.is_booked = FALSE`,
		booking.ListingID, booking.ID, pq.Array(days))
	if err != nil {
		return nil, fmt.Errorf("failed to book calendar: %w", err)
	}
	written, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if written != int64(len(days)) {
		return &models.Confirmation{Reason: models.ReasonDateConflict, BookingID: booking.ID}, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE bookings SET status = $1, updated_at = NOW() WHERE id = $2",
		models.BookingStatusConfirmed, booking.ID); err != nil {
		return nil, fmt.Errorf("failed to confirm booking: %w", err)
	}

	metadata := payment.Metadata.Merge(req.Metadata)
	if _, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, metadata = $2, updated_at = NOW() WHERE id = $3",
		models.PaymentStatusSucceeded, metadata, payment.ID); err != nil {
		return nil, fmt.Errorf("failed to settle payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &models.Confirmation{Confirmed: true, BookingID: booking.ID}, nil
}

// CancelPendingBooking cancels a PENDING booking and fails its payment.
// The payment row is locked first, in the same order ConfirmIfUnbooked uses.
func (s *Store) CancelPendingBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "Store.CancelPendingBooking")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var paymentID uuid.UUID
	err = tx.GetContext(ctx, &paymentID,
		"SELECT id FROM payments WHERE booking_id = $1 FOR UPDATE", bookingID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}

	var booking models.Booking
	err = tx.GetContext(ctx, &booking,
		"SELECT "+bookingColumns+" FROM bookings WHERE id = $1 FOR UPDATE", bookingID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock booking: %w", err)
	}
	if booking.Status != models.BookingStatusPending {
		return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, ErrNotPending)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE bookings SET status = $1, updated_at = NOW() WHERE id = $2",
		models.BookingStatusCancelled, bookingID); err != nil {
		return nil, fmt.Errorf("failed to cancel booking: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE booking_id = $2 AND status = $3",
		models.PaymentStatusFailed, bookingID, models.PaymentStatusPending); err != nil {
		return nil, fmt.Errorf("failed to fail payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	booking.Status = models.BookingStatusCancelled
	return &booking, nil
}

// GetCalendar returns the calendar rows of a listing in [from, to)
func (s *Store) GetCalendar(ctx context.Context, listingID uuid.UUID, from, to string) ([]models.CalendarItem, error) {
	var items []models.CalendarItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT listing_id, date, is_booked, booking_id FROM calendar_items
		WHERE listing_id = $1 AND date >= $2 AND date < $3
		ORDER BY date`, listingID, from, to)
	return items, err
}
