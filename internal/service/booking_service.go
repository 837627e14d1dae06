package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/pricing"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrForbidden       = errors.New("booking belongs to another user")
	ErrOwnListing      = errors.New("hosts cannot book their own listing")
	ErrRequestInFlight = errors.New("a request with this idempotency key is in progress")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Ledger is the persistence the orchestrator needs. Implemented by the
// PostgreSQL store and the in-memory store.
type Ledger interface {
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	SavePendingReservation(ctx context.Context, booking *models.Booking, payment *models.Payment) error
	GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetPaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error)
	FindPaymentByExternalID(ctx context.Context, method models.PaymentMethod, externalID string) (*models.Payment, error)
	ConfirmIfUnbooked(ctx context.Context, req store.ConfirmRequest) (*models.Confirmation, error)
	CancelPendingBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error)
	GetCalendar(ctx context.Context, listingID uuid.UUID, from, to string) ([]models.CalendarItem, error)
	FlagForReview(ctx context.Context, c *models.ReconciliationCase) error
	ListReconciliationCases(ctx context.Context, limit int) ([]models.ReconciliationCase, error)
}

// IdempotencyStore caches reserve responses per Idempotency-Key
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value []byte, ttl time.Duration) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// EventPublisher publishes booking lifecycle events
type EventPublisher interface {
	PublishBookingReserved(ctx context.Context, event *models.BookingReservedEvent) error
	PublishBookingConfirmed(ctx context.Context, event *models.BookingConfirmedEvent) error
	PublishBookingCancelled(ctx context.Context, event *models.BookingCancelledEvent) error
	PublishBookingFlagged(ctx context.Context, event *models.BookingFlaggedEvent) error
}

// Config holds the orchestrator settings. SuccessURL and CancelURL may
// contain a {booking_id} placeholder.
type Config struct {
	SuccessURL     string
	CancelURL      string
	GatewayTimeout time.Duration
	IdempotencyTTL time.Duration
	LockTTL        time.Duration
}

// BookingService handles booking business logic
type BookingService struct {
	ledger    Ledger
	gateways  *gateway.Registry
	cache     IdempotencyStore
	publisher EventPublisher
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// NewBookingService creates a new booking service. cache and publisher may be nil.
func NewBookingService(
	ledger Ledger,
	gateways *gateway.Registry,
	cache IdempotencyStore,
	publisher EventPublisher,
	cfg Config,
) *BookingService {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 60 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.GatewayTimeout + 10*time.Second
	}

	return &BookingService{
		ledger:    ledger,
		gateways:  gateways,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// SetClock replaces the clock used to reject past check-in dates
func (s *BookingService) SetClock(now func() time.Time) {
	s.now = now
}

// ReserveRequest represents a request to hold dates and open a checkout
type ReserveRequest struct {
	UserID         uuid.UUID `json:"-"`
	ListingID      uuid.UUID `json:"listing_id" binding:"required"`
	CheckIn        string    `json:"check_in" binding:"required"`
	CheckOut       string    `json:"check_out" binding:"required"`
	Provider       string    `json:"provider" binding:"required"`
	IdempotencyKey string    `json:"-"`
}

// ReserveResponse represents the response after reserving
type ReserveResponse struct {
	BookingID   uuid.UUID            `json:"booking_id"`
	RedirectURL string               `json:"redirect_url"`
	Status      models.BookingStatus `json:"status"`
	TotalPrice  decimal.Decimal      `json:"total_price"`
	Currency    string               `json:"currency"`
	Replayed    bool                 `json:"-"`
}

// Reserve validates the request, opens a provider checkout and persists the
// pending booking with its payment. Nothing is written if the gateway fails.
func (s *BookingService) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Reserve")
	defer span.End()

	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}

	gw, err := s.gateways.Get(req.Provider)
	if err != nil {
		util.ReservationsFailedTotal.WithLabelValues("unknown_provider").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" && s.cache != nil {
		key := fmt.Sprintf("reserve:%s:%s", req.UserID, req.IdempotencyKey)

		if cached := s.cachedReservation(ctx, key); cached != nil {
			s.logger.Info("Duplicate reserve request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("booking_id", cached.BookingID.String()))
			return cached, nil
		}

		token, ok, err := s.cache.AcquireLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			s.logger.Warn("Idempotency lock unavailable", zap.Error(err))
		} else if !ok {
			util.RecordError(span, ErrRequestInFlight)
			return nil, ErrRequestInFlight
		} else {
			defer func() {
				if err := s.cache.ReleaseLock(context.Background(), key, token); err != nil {
					s.logger.Warn("Failed to release idempotency lock", zap.Error(err))
				}
			}()

			// a request holding the lock before us may have finished already
			if cached := s.cachedReservation(ctx, key); cached != nil {
				s.logger.Info("Duplicate reserve request detected after lock",
					zap.String("idempotency_key", req.IdempotencyKey),
					zap.String("booking_id", cached.BookingID.String()))
				return cached, nil
			}
		}

		resp, err := s.reserve(ctx, gw, req)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		s.cacheReservation(ctx, key, resp)
		return resp, nil
	}

	resp, err := s.reserve(ctx, gw, req)
	if err != nil {
		util.RecordError(span, err)
	}
	return resp, err
}

func (s *BookingService) reserve(ctx context.Context, gw gateway.Gateway, req *ReserveRequest) (*ReserveResponse, error) {
	listing, err := s.ledger.GetListing(ctx, req.ListingID)
	if err != nil {
		util.ReservationsFailedTotal.WithLabelValues("listing").Inc()
		return nil, err
	}
	if listing.HostID == req.UserID {
		util.ReservationsFailedTotal.WithLabelValues("own_listing").Inc()
		return nil, ErrOwnListing
	}

	rng, err := pricing.ParseDateRange(req.CheckIn, req.CheckOut, s.now())
	if err != nil {
		util.ReservationsFailedTotal.WithLabelValues("invalid_dates").Inc()
		return nil, err
	}

	totalMinor, err := pricing.Total(listing.NightlyPrice, rng.Nights, listing.Currency)
	if err != nil {
		util.ReservationsFailedTotal.WithLabelValues("invalid_price").Inc()
		return nil, err
	}
	currency := strings.ToLower(listing.Currency)
	total := pricing.FromMinorUnits(totalMinor, currency)

	bookingID := uuid.New()
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	tx, err := gw.CreateTransaction(gctx, gateway.TransactionRequest{
		BookingID: bookingID.String(),
		Description: fmt.Sprintf("%s, %d night(s) from %s to %s",
			listing.Title, rng.Nights,
			rng.CheckIn.Format(pricing.DateLayout), rng.CheckOut.Format(pricing.DateLayout)),
		AmountMinor: totalMinor,
		Currency:    currency,
		SuccessURL:  bookingURL(s.cfg.SuccessURL, bookingID),
		CancelURL:   bookingURL(s.cfg.CancelURL, bookingID),
	})
	if err != nil {
		util.ReservationsFailedTotal.WithLabelValues("gateway").Inc()
		if !errors.Is(err, gateway.ErrGateway) {
			err = fmt.Errorf("%w: %v", gateway.ErrGateway, err)
		}
		s.logger.Error("Failed to open checkout",
			zap.String("provider", string(gw.Method())),
			zap.String("listing_id", listing.ID.String()),
			zap.Error(err))
		return nil, err
	}

	booking := &models.Booking{
		ID:         bookingID,
		ListingID:  listing.ID,
		UserID:     req.UserID,
		CheckIn:    rng.CheckIn,
		CheckOut:   rng.CheckOut,
		TotalPrice: total,
	}
	payment := &models.Payment{
		ID:         uuid.New(),
		BookingID:  bookingID,
		Amount:     total,
		Currency:   currency,
		Method:     gw.Method(),
		ExternalID: tx.ExternalID,
		Metadata:   models.Metadata{"redirect_url": tx.RedirectURL},
	}

	if err := s.ledger.SavePendingReservation(ctx, booking, payment); err != nil {
		util.ReservationsFailedTotal.WithLabelValues("db_error").Inc()
		s.logger.Error("Checkout opened but booking not saved",
			zap.String("provider", string(gw.Method())),
			zap.String("external_id", tx.ExternalID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to save reservation: %w", err)
	}

	util.ReservationsCreatedTotal.WithLabelValues(string(gw.Method())).Inc()
	s.logger.Info("Booking reserved",
		zap.String("booking_id", bookingID.String()),
		zap.String("listing_id", listing.ID.String()),
		zap.String("external_id", tx.ExternalID),
		zap.Int("nights", rng.Nights))

	if s.publisher != nil {
		event := &models.BookingReservedEvent{
			BaseEvent:  models.NewBaseEvent(models.EventTypeBookingReserved),
			BookingID:  bookingID,
			ListingID:  listing.ID,
			UserID:     req.UserID,
			CheckIn:    rng.CheckIn.Format(pricing.DateLayout),
			CheckOut:   rng.CheckOut.Format(pricing.DateLayout),
			Amount:     total.StringFixed(pricing.CurrencyExponent(currency)),
			Currency:   currency,
			Method:     gw.Method(),
			ExternalID: tx.ExternalID,
		}
		if err := s.publisher.PublishBookingReserved(ctx, event); err != nil {
			s.logger.Error("Failed to publish BookingReserved event", zap.Error(err))
		}
	}

	return &ReserveResponse{
		BookingID:   bookingID,
		RedirectURL: tx.RedirectURL,
		Status:      booking.Status,
		TotalPrice:  total,
		Currency:    currency,
	}, nil
}

func (s *BookingService) cachedReservation(ctx context.Context, key string) *ReserveResponse {
	raw, found, err := s.cache.GetIdempotencyKey(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency cache unavailable", zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	var resp ReserveResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.logger.Warn("Discarding corrupt idempotency entry", zap.Error(err))
		return nil
	}
	resp.Replayed = true
	return &resp
}

func (s *BookingService) cacheReservation(ctx context.Context, key string, resp *ReserveResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.SetIdempotencyKey(ctx, key, raw, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn("Failed to cache reserve response", zap.Error(err))
	}
}

func bookingURL(tmpl string, bookingID uuid.UUID) string {
	return strings.ReplaceAll(tmpl, "{booking_id}", bookingID.String())
}

// BookingDetails is a booking with its payment
type BookingDetails struct {
	Booking *models.Booking `json:"booking"`
	Payment *models.Payment `json:"payment,omitempty"`
}

// GetBooking returns a booking of userID with its payment
func (s *BookingService) GetBooking(ctx context.Context, userID, bookingID uuid.UUID) (*BookingDetails, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.GetBooking")
	defer span.End()

	booking, err := s.ledger.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != userID {
		return nil, ErrForbidden
	}

	payment, err := s.ledger.GetPaymentByBookingID(ctx, bookingID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return &BookingDetails{Booking: booking, Payment: payment}, nil
}

// CancelBooking abandons a PENDING booking of userID
func (s *BookingService) CancelBooking(ctx context.Context, userID, bookingID uuid.UUID) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CancelBooking")
	defer span.End()

	booking, err := s.ledger.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != userID {
		return nil, ErrForbidden
	}

	cancelled, err := s.ledger.CancelPendingBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	util.BookingsCancelledTotal.Inc()
	s.logger.Info("Booking cancelled", zap.String("booking_id", bookingID.String()))

	if s.publisher != nil {
		event := &models.BookingCancelledEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeBookingCancelled),
			BookingID: bookingID,
			UserID:    userID,
		}
		if err := s.publisher.PublishBookingCancelled(ctx, event); err != nil {
			s.logger.Error("Failed to publish BookingCancelled event", zap.Error(err))
		}
	}

	return cancelled, nil
}

// GetCalendar returns the booked nights of a listing in [from, to)
func (s *BookingService) GetCalendar(ctx context.Context, listingID uuid.UUID, from, to string) ([]models.CalendarItem, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.GetCalendar")
	defer span.End()

	start, err := pricing.ParseDate(from)
	if err != nil {
		return nil, err
	}
	end, err := pricing.ParseDate(to)
	if err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: to must be after from", pricing.ErrInvalidRange)
	}

	if _, err := s.ledger.GetListing(ctx, listingID); err != nil {
		return nil, err
	}

	items, err := s.ledger.GetCalendar(ctx, listingID,
		start.Format(pricing.DateLayout), end.Format(pricing.DateLayout))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.CalendarItem{}
	}
	return items, nil
}

// ListReconciliationCases returns the newest cases awaiting an operator
func (s *BookingService) ListReconciliationCases(ctx context.Context, limit int) ([]models.ReconciliationCase, error) {
	cases, err := s.ledger.ListReconciliationCases(ctx, limit)
	if err != nil {
		return nil, err
	}
	if cases == nil {
		cases = []models.ReconciliationCase{}
	}
	return cases, nil
}

// Ready reports whether the ledger is reachable
func (s *BookingService) Ready(ctx context.Context) error {
	if p, ok := s.ledger.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
