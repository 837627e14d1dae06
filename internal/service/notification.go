package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/pricing"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification outcomes
const (
	OutcomeConfirmed      = "confirmed"
	OutcomeReplayed       = "replayed"
	OutcomeIgnored        = "ignored"
	OutcomeUnknownPayment = "unknown_payment"
	OutcomeFlagged        = "flagged"
	OutcomeRejected       = "rejected"
)

// NotificationResult is returned for every notification the provider should
// stop retrying
type NotificationResult struct {
	Acknowledged bool      `json:"acknowledged"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	BookingID    uuid.UUID `json:"booking_id,omitempty"`
}

// HandleNotification verifies a provider notification and applies a completed
// payment to its booking. Only verification failures return an error; every
// verified notification is acknowledged, including ones that end up flagged.
func (s *BookingService) HandleNotification(ctx context.Context, provider string, body []byte, headers http.Header) (*NotificationResult, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.HandleNotification")
	defer span.End()

	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	method := string(gw.Method())

	vctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	event, err := gw.VerifyNotification(vctx, body, headers)
	cancel()
	if err != nil {
		util.WebhooksTotal.WithLabelValues(method, OutcomeRejected).Inc()
		util.RecordError(span, err)
		s.logger.Warn("Rejected payment notification", zap.String("provider", method), zap.Error(err))
		return nil, err
	}

	logger := s.logger.With(
		zap.String("provider", method),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("external_id", event.ExternalID))

	result, err := s.applyEvent(ctx, gw, event, logger)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	util.WebhooksTotal.WithLabelValues(method, result.Outcome).Inc()
	return result, nil
}

func (s *BookingService) applyEvent(ctx context.Context, gw gateway.Gateway, event *gateway.Event, logger *zap.Logger) (*NotificationResult, error) {
	if event.Kind != gateway.EventPaymentCompleted {
		logger.Debug("Ignoring notification", zap.String("type", event.Type))
		return &NotificationResult{Acknowledged: true, Outcome: OutcomeIgnored}, nil
	}

	payment, err := s.ledger.FindPaymentByExternalID(ctx, gw.Method(), event.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}
	if payment == nil {
		logger.Warn("Notification for unknown payment")
		return &NotificationResult{Acknowledged: true, Outcome: OutcomeUnknownPayment}, nil
	}
	logger = logger.With(zap.String("booking_id", payment.BookingID.String()))

	if details, ok := amountMismatch(payment, event); !ok {
		s.flag(ctx, payment, models.ReasonAmountMismatch, details, logger)
		return &NotificationResult{
			Acknowledged: true,
			Outcome:      OutcomeFlagged,
			Reason:       models.ReasonAmountMismatch,
			BookingID:    payment.BookingID,
		}, nil
	}

	start := time.Now()
	confirmation, err := s.ledger.ConfirmIfUnbooked(ctx, store.ConfirmRequest{
		PaymentID: payment.ID,
		Metadata: models.Metadata{
			"provider_event_id":   event.ProviderEventID,
			"provider_event_type": event.Type,
		},
	})
	util.ConfirmLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to confirm booking: %w", err)
	}

	if !confirmation.Confirmed {
		s.flag(ctx, payment, confirmation.Reason, models.Metadata{
			"provider_event_id": event.ProviderEventID,
		}, logger)
		return &NotificationResult{
			Acknowledged: true,
			Outcome:      OutcomeFlagged,
			Reason:       confirmation.Reason,
			BookingID:    confirmation.BookingID,
		}, nil
	}

	if confirmation.Replayed {
		logger.Info("Duplicate payment notification")
		return &NotificationResult{Acknowledged: true, Outcome: OutcomeReplayed, BookingID: confirmation.BookingID}, nil
	}

	util.BookingsConfirmedTotal.WithLabelValues(string(gw.Method())).Inc()
	logger.Info("Booking confirmed")
	s.publishConfirmed(ctx, payment, logger)

	return &NotificationResult{Acknowledged: true, Outcome: OutcomeConfirmed, BookingID: confirmation.BookingID}, nil
}

// amountMismatch compares the reported amount with the stored payment
func amountMismatch(payment *models.Payment, event *gateway.Event) (models.Metadata, bool) {
	expected, err := pricing.ToMinorUnits(payment.Amount, payment.Currency)
	if err == nil && expected == event.AmountMinor && strings.EqualFold(payment.Currency, event.Currency) {
		return nil, true
	}
	return models.Metadata{
		"expected_amount_minor": strconv.FormatInt(expected, 10),
		"expected_currency":     payment.Currency,
		"reported_amount_minor": strconv.FormatInt(event.AmountMinor, 10),
		"reported_currency":     event.Currency,
		"provider_event_id":     event.ProviderEventID,
	}, false
}

// flag hands a captured payment to the reconciliation path. The event is
// published for the reconciliation worker; without a broker the case is
// written to the ledger directly.
func (s *BookingService) flag(ctx context.Context, payment *models.Payment, reason string, details models.Metadata, logger *zap.Logger) {
	util.BookingsFlaggedTotal.WithLabelValues(reason).Inc()
	logger.Warn("Captured payment flagged for manual reconciliation", zap.String("reason", reason))

	details = models.Metadata{"provider": string(payment.Method)}.Merge(details)

	if s.publisher != nil {
		event := &models.BookingFlaggedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeBookingFlagged),
			BookingID: payment.BookingID,
			PaymentID: payment.ID,
			Reason:    reason,
			Details:   details,
		}
		err := s.publisher.PublishBookingFlagged(ctx, event)
		if err == nil {
			return
		}
		logger.Error("Failed to publish BookingFlagged event, recording case directly", zap.Error(err))
	}

	err := s.ledger.FlagForReview(ctx, &models.ReconciliationCase{
		PaymentID: payment.ID,
		BookingID: payment.BookingID,
		Reason:    reason,
		Details:   details,
	})
	if err != nil {
		logger.Error("Failed to record reconciliation case", zap.Error(err))
	}
}

func (s *BookingService) publishConfirmed(ctx context.Context, payment *models.Payment, logger *zap.Logger) {
	if s.publisher == nil {
		return
	}

	booking, err := s.ledger.GetBooking(ctx, payment.BookingID)
	if err != nil {
		logger.Error("Failed to load confirmed booking", zap.Error(err))
		return
	}

	event := &models.BookingConfirmedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeBookingConfirmed),
		BookingID: booking.ID,
		ListingID: booking.ListingID,
		UserID:    booking.UserID,
		PaymentID: payment.ID,
		Amount:    payment.Amount.StringFixed(pricing.CurrencyExponent(payment.Currency)),
		Currency:  payment.Currency,
	}
	if err := s.publisher.PublishBookingConfirmed(ctx, event); err != nil {
		logger.Error("Failed to publish BookingConfirmed event", zap.Error(err))
	}
}
