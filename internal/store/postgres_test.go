package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"booking-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live PostgreSQL when BOOKING_TEST_DATABASE_URL is set
func TestConcurrentConfirmationsPostgres(t *testing.T) {
	url := os.Getenv("BOOKING_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BOOKING_TEST_DATABASE_URL not set")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	listingID := uuid.New()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO listings (id, host_id, title, nightly_price, currency) VALUES ($1, $2, $3, $4, $5)",
		listingID, uuid.New(), "Concurrency loft", decimal.NewFromInt(100), "usd")
	require.NoError(t, err)

	ranges := [][2]string{{"2027-05-01", "2027-05-04"}, {"2027-05-03", "2027-05-06"}}
	var payments []uuid.UUID
	for i, r := range ranges {
		b := &models.Booking{ID: uuid.New(), ListingID: listingID, UserID: uuid.New(), CheckIn: day(r[0]), CheckOut: day(r[1]),
			TotalPrice: decimal.NewFromInt(300)}
		p := &models.Payment{ID: uuid.New(), BookingID: b.ID, Amount: decimal.NewFromInt(300), Currency: "usd",
			Method: models.PaymentMethodStripe, ExternalID: fmt.Sprintf("tx_%s_%d", listingID, i)}
		require.NoError(t, s.SavePendingReservation(ctx, b, p))
		payments = append(payments, p.ID)
	}

	var wg sync.WaitGroup
	results := make(chan *models.Confirmation, 8)
	for i := 0; i < 4; i++ {
		for _, pid := range payments {
			wg.Add(1)
			go func(pid uuid.UUID) {
				defer wg.Done()
				c, err := s.ConfirmIfUnbooked(ctx, ConfirmRequest{PaymentID: pid})
				if assert.NoError(t, err) {
					results <- c
				}
			}(pid)
		}
	}
	wg.Wait()
	close(results)

	winners := map[uuid.UUID]bool{}
	for c := range results {
		if c.Confirmed {
			winners[c.BookingID] = true
		} else {
			assert.Equal(t, models.ReasonDateConflict, c.Reason)
		}
	}
	assert.Len(t, winners, 1)

	items, err := s.GetCalendar(ctx, listingID, "2027-05-01", "2027-05-07")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}
