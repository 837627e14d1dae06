package worker

import (
	"context"
	"fmt"

	"booking-service/internal/broker"
	"booking-service/internal/models"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// CaseLedger is the part of the ledger the reconciliation worker writes to
type CaseLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	FlagForReview(ctx context.Context, c *models.ReconciliationCase) error
}

// ReconciliationWorker turns BookingFlagged events into reconciliation cases
// and raises an operator alert for each one.
type ReconciliationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	ledger       CaseLedger
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(consumer *broker.Consumer, ledger CaseLedger) *ReconciliationWorker {
	w := &ReconciliationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		ledger:       ledger,
	}
	w.eventHandler.OnBookingFlagged(w.HandleBookingFlagged)
	return w
}

// Start starts the worker
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting reconciliation worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ReconciliationWorker) Stop() error {
	util.GetLogger().Info("Stopping reconciliation worker")
	return w.consumer.Close()
}

// HandleBookingFlagged records the case once per event id
func (w *ReconciliationWorker) HandleBookingFlagged(ctx context.Context, event *models.BookingFlaggedEvent) error {
	ctx, span := util.StartSpan(ctx, "ReconciliationWorker.HandleBookingFlagged")
	defer span.End()

	logger := util.GetLogger().With(
		zap.String("event_id", event.EventID),
		zap.String("booking_id", event.BookingID.String()),
		zap.String("payment_id", event.PaymentID.String()),
	)

	processed, err := w.ledger.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if processed {
		logger.Debug("Event already processed")
		return nil
	}

	c := &models.ReconciliationCase{
		PaymentID: event.PaymentID,
		BookingID: event.BookingID,
		Reason:    event.Reason,
		Details:   event.Details,
	}
	if err := w.ledger.FlagForReview(ctx, c); err != nil {
		util.RecordError(span, err)
		return err
	}

	if err := w.ledger.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	logger.Warn("Operator alert: captured payment needs manual reconciliation",
		zap.String("reason", event.Reason),
		zap.String("case_id", c.ID.String()),
		zap.String("host", util.Hostname()))
	return nil
}
