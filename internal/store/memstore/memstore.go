// Package memstore is an in-process ledger with the same semantics as the
// Postgres store. Every operation runs under one mutex, so confirmations are
// trivially serialized.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/pricing"
	"booking-service/internal/store"

	"github.com/google/uuid"
)

type nightKey struct {
	listingID uuid.UUID
	date      string
}

type externalKey struct {
	method     models.PaymentMethod
	externalID string
}

type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	listings  map[uuid.UUID]models.Listing
	bookings  map[uuid.UUID]models.Booking
	payments  map[uuid.UUID]models.Payment
	byBooking map[uuid.UUID]uuid.UUID
	byExtID   map[externalKey]uuid.UUID
	calendar  map[nightKey]models.CalendarItem
	cases     []models.ReconciliationCase
	caseKeys  map[string]struct{}
	processed map[string]string
}

func New() *Store {
	return &Store{
		now:       time.Now,
		listings:  make(map[uuid.UUID]models.Listing),
		bookings:  make(map[uuid.UUID]models.Booking),
		payments:  make(map[uuid.UUID]models.Payment),
		byBooking: make(map[uuid.UUID]uuid.UUID),
		byExtID:   make(map[externalKey]uuid.UUID),
		calendar:  make(map[nightKey]models.CalendarItem),
		caseKeys:  make(map[string]struct{}),
		processed: make(map[string]string),
	}
}

// AddListing seeds a listing
func (s *Store) AddListing(l models.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}
	return &l, nil
}

// SavePendingReservation inserts a booking and its payment, or neither
func (s *Store) SavePendingReservation(ctx context.Context, booking *models.Booking, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[booking.ListingID]; !ok {
		return fmt.Errorf("failed to create booking: listing %s: %w", booking.ListingID, store.ErrNotFound)
	}
	if _, ok := s.bookings[booking.ID]; ok {
		return fmt.Errorf("failed to create booking: duplicate id %s", booking.ID)
	}
	key := externalKey{payment.Method, payment.ExternalID}
	if _, ok := s.byExtID[key]; ok {
		return fmt.Errorf("failed to attach payment: duplicate external id %s", payment.ExternalID)
	}

	now := s.now()
	booking.Status = models.BookingStatusPending
	booking.CreatedAt, booking.UpdatedAt = now, now
	payment.Status = models.PaymentStatusPending
	payment.CreatedAt, payment.UpdatedAt = now, now
	if payment.Metadata == nil {
		payment.Metadata = models.Metadata{}
	}

	s.bookings[booking.ID] = *booking
	p := *payment
	p.Metadata = models.Metadata{}.Merge(payment.Metadata)
	s.payments[payment.ID] = p
	s.byBooking[booking.ID] = payment.ID
	s.byExtID[key] = payment.ID
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, store.ErrNotFound)
	}
	return &b, nil
}

func (s *Store) GetPaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byBooking[bookingID]
	if !ok {
		return nil, fmt.Errorf("payment for booking %s: %w", bookingID, store.ErrNotFound)
	}
	return s.copyPayment(id), nil
}

// FindPaymentByExternalID returns nil when no payment carries the provider id
func (s *Store) FindPaymentByExternalID(ctx context.Context, method models.PaymentMethod, externalID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExtID[externalKey{method, externalID}]
	if !ok {
		return nil, nil
	}
	return s.copyPayment(id), nil
}

func (s *Store) copyPayment(id uuid.UUID) *models.Payment {
	p := s.payments[id]
	p.Metadata = models.Metadata{}.Merge(p.Metadata)
	return &p
}

// ConfirmIfUnbooked books every night of the payment's booking, or nothing
func (s *Store) ConfirmIfUnbooked(ctx context.Context, req store.ConfirmRequest) (*models.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[req.PaymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", req.PaymentID, store.ErrNotFound)
	}
	if payment.Status == models.PaymentStatusSucceeded {
		return &models.Confirmation{Confirmed: true, Replayed: true, BookingID: payment.BookingID}, nil
	}

	booking, ok := s.bookings[payment.BookingID]
	if !ok {
		return &models.Confirmation{Reason: models.ReasonBookingMissing, BookingID: payment.BookingID}, nil
	}
	if booking.Status == models.BookingStatusCancelled {
		return &models.Confirmation{Reason: models.ReasonBookingCancelled, BookingID: booking.ID}, nil
	}

	nights := pricing.ExpandNights(booking.CheckIn, booking.Nights())
	for _, n := range nights {
		if item, ok := s.calendar[nightKey{booking.ListingID, n.Format(pricing.DateLayout)}]; ok && item.IsBooked {
			return &models.Confirmation{Reason: models.ReasonDateConflict, BookingID: booking.ID}, nil
		}
	}

	bookingID := booking.ID
	for _, n := range nights {
		s.calendar[nightKey{booking.ListingID, n.Format(pricing.DateLayout)}] = models.CalendarItem{
			ListingID: booking.ListingID,
			Date:      n,
			IsBooked:  true,
			BookingID: &bookingID,
		}
	}

	now := s.now()
	booking.Status = models.BookingStatusConfirmed
	booking.UpdatedAt = now
	s.bookings[booking.ID] = booking

	payment.Status = models.PaymentStatusSucceeded
	payment.Metadata = models.Metadata{}.Merge(payment.Metadata).Merge(req.Metadata)
	payment.UpdatedAt = now
	s.payments[payment.ID] = payment

	return &models.Confirmation{Confirmed: true, BookingID: booking.ID}, nil
}

// CancelPendingBooking cancels a PENDING booking and fails its payment
func (s *Store) CancelPendingBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	booking, ok := s.bookings[bookingID]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", bookingID, store.ErrNotFound)
	}
	if booking.Status != models.BookingStatusPending {
		return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, store.ErrNotPending)
	}

	now := s.now()
	booking.Status = models.BookingStatusCancelled
	booking.UpdatedAt = now
	s.bookings[bookingID] = booking

	if id, ok := s.byBooking[bookingID]; ok {
		p := s.payments[id]
		if p.Status == models.PaymentStatusPending {
			p.Status = models.PaymentStatusFailed
			p.UpdatedAt = now
			s.payments[id] = p
		}
	}
	return &booking, nil
}

// GetCalendar returns the calendar rows of a listing in [from, to)
func (s *Store) GetCalendar(ctx context.Context, listingID uuid.UUID, from, to string) ([]models.CalendarItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []models.CalendarItem
	for k, item := range s.calendar {
		// DateLayout sorts lexically
		if k.listingID == listingID && k.date >= from && k.date < to {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Date.Before(items[j].Date) })
	return items, nil
}

// FlagForReview records a case once per (payment, reason)
func (s *Store) FlagForReview(ctx context.Context, c *models.ReconciliationCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Details == nil {
		c.Details = models.Metadata{}
	}
	key := c.PaymentID.String() + "|" + c.Reason
	if _, ok := s.caseKeys[key]; ok {
		return nil
	}
	c.CreatedAt = s.now()
	s.caseKeys[key] = struct{}{}
	s.cases = append(s.cases, *c)
	return nil
}

// ListReconciliationCases returns the newest cases first
func (s *Store) ListReconciliationCases(ctx context.Context, limit int) ([]models.ReconciliationCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := make([]models.ReconciliationCase, 0, limit)
	for i := len(s.cases) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.cases[i])
	}
	return out, nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = eventType
	}
	return nil
}
