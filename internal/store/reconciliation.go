package store

import (
	"context"
	"fmt"

	"booking-service/internal/models"

	"github.com/google/uuid"
)

// FlagForReview records a captured payment that needs an operator.
// Flagging the same payment twice for the same reason is a no-op.
func (s *Store) FlagForReview(ctx context.Context, c *models.ReconciliationCase) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Details == nil {
		c.Details = models.Metadata{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_cases (id, payment_id, booking_id, reason, details)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id, reason) DO NOTHING`,
		c.ID, c.PaymentID, c.BookingID, c.Reason, c.Details)
	if err != nil {
		return fmt.Errorf("failed to flag payment %s: %w", c.PaymentID, err)
	}
	return nil
}

// ListReconciliationCases returns the newest cases first
func (s *Store) ListReconciliationCases(ctx context.Context, limit int) ([]models.ReconciliationCase, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var cases []models.ReconciliationCase
	err := s.db.SelectContext(ctx, &cases, `
		SELECT id, payment_id, booking_id, reason, details, created_at
		FROM reconciliation_cases ORDER BY created_at DESC LIMIT $1`, limit)
	return cases, err
}
