package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"booking-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	paymentCols = []string{"id", "booking_id", "amount", "currency", "status", "method", "external_id", "metadata", "created_at", "updated_at"}
	bookingCols = []string{"id", "listing_id", "user_id", "check_in", "check_out", "status", "total_price", "created_at", "updated_at"}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

type fixture struct {
	listingID uuid.UUID
	bookingID uuid.UUID
	paymentID uuid.UUID
	userID    uuid.UUID
}

func newFixture() fixture {
	return fixture{listingID: uuid.New(), bookingID: uuid.New(), paymentID: uuid.New(), userID: uuid.New()}
}

func (f fixture) paymentRow(status models.PaymentStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(paymentCols).AddRow(
		f.paymentID.String(), f.bookingID.String(), "200.00", "usd", string(status), "stripe", "tx_1",
		[]byte(`{"session":"cs_1"}`), now, now)
}

func (f fixture) bookingRow(status models.BookingStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(bookingCols).AddRow(
		f.bookingID.String(), f.listingID.String(), f.userID.String(),
		day("2026-01-10"), day("2026-01-12"), string(status), "200.00", now, now)
}

func TestSavePendingReservation(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bookings").
		WithArgs(f.bookingID, f.listingID, f.userID, "2026-01-10", "2026-01-12", models.BookingStatusPending, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("INSERT INTO payments").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	booking := &models.Booking{
		ID: f.bookingID, ListingID: f.listingID, UserID: f.userID,
		CheckIn: day("2026-01-10"), CheckOut: day("2026-01-12"),
		TotalPrice: decimal.RequireFromString("200.00"),
	}
	payment := &models.Payment{
		ID: f.paymentID, BookingID: f.bookingID, Amount: decimal.RequireFromString("200.00"),
		Currency: "usd", Method: models.PaymentMethodStripe, ExternalID: "tx_1",
	}

	err := s.SavePendingReservation(context.Background(), booking, payment)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPending, booking.Status)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.False(t, booking.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePendingReservationRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bookings").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("INSERT INTO payments").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := s.SavePendingReservation(context.Background(),
		&models.Booking{ID: f.bookingID, CheckIn: day("2026-01-10"), CheckOut: day("2026-01-11")},
		&models.Payment{ID: f.paymentID, BookingID: f.bookingID})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetListingNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM listings WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := s.GetListing(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetListing(t *testing.T) {
	s, mock := newMockStore(t)
	id, host := uuid.New(), uuid.New()
	mock.ExpectQuery("FROM listings WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "host_id", "title", "nightly_price", "currency"}).
			AddRow(id.String(), host.String(), "Loft", "100.0000", "usd"))

	l, err := s.GetListing(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, host, l.HostID)
	assert.True(t, decimal.RequireFromString("100").Equal(l.NightlyPrice))
}

func TestFindPaymentByExternalID(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectQuery("FROM payments WHERE method").
		WithArgs(models.PaymentMethodStripe, "tx_1").
		WillReturnRows(f.paymentRow(models.PaymentStatusPending))
	mock.ExpectQuery("FROM payments WHERE method").
		WithArgs(models.PaymentMethodStripe, "tx_unknown").
		WillReturnError(sql.ErrNoRows)

	p, err := s.FindPaymentByExternalID(context.Background(), models.PaymentMethodStripe, "tx_1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, f.paymentID, p.ID)
	assert.Equal(t, "cs_1", p.Metadata["session"])

	p, err = s.FindPaymentByExternalID(context.Background(), models.PaymentMethodStripe, "tx_unknown")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestConfirmIfUnbooked(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).WithArgs(f.paymentID).
		WillReturnRows(f.paymentRow(models.PaymentStatusPending))
	mock.ExpectQuery(`FROM bookings WHERE id = \$1 FOR UPDATE`).WithArgs(f.bookingID).
		WillReturnRows(f.bookingRow(models.BookingStatusPending))
	mock.ExpectExec(`SELECT id FROM listings WHERE id = \$1 FOR UPDATE`).WithArgs(f.listingID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM calendar_items`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO calendar_items").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE bookings SET status").WithArgs(models.BookingStatusConfirmed, f.bookingID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments SET status").WithArgs(models.PaymentStatusSucceeded, sqlmock.AnyArg(), f.paymentID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := s.ConfirmIfUnbooked(context.Background(), ConfirmRequest{
		PaymentID: f.paymentID,
		Metadata:  models.Metadata{"provider_event_id": "evt_1"},
	})
	require.NoError(t, err)
	assert.True(t, c.Confirmed)
	assert.False(t, c.Replayed)
	assert.Equal(t, f.bookingID, c.BookingID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmIfUnbookedReplay(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.paymentRow(models.PaymentStatusSucceeded))
	mock.ExpectCommit()

	c, err := s.ConfirmIfUnbooked(context.Background(), ConfirmRequest{PaymentID: f.paymentID})
	require.NoError(t, err)
	assert.True(t, c.Confirmed)
	assert.True(t, c.Replayed)
	// no calendar statements were expected
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmIfUnbookedDateConflict(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.paymentRow(models.PaymentStatusPending))
	mock.ExpectQuery(`FROM bookings WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.bookingRow(models.BookingStatusPending))
	mock.ExpectExec(`SELECT id FROM listings`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM calendar_items`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	c, err := s.ConfirmIfUnbooked(context.Background(), ConfirmRequest{PaymentID: f.paymentID})
	require.NoError(t, err)
	assert.False(t, c.Confirmed)
	assert.Equal(t, models.ReasonDateConflict, c.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmIfUnbookedLostUpsertRace(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.paymentRow(models.PaymentStatusPending))
	mock.ExpectQuery(`FROM bookings WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.bookingRow(models.BookingStatusPending))
	mock.ExpectExec(`SELECT id FROM listings`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM calendar_items`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO calendar_items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	c, err := s.ConfirmIfUnbooked(context.Background(), ConfirmRequest{PaymentID: f.paymentID})
	require.NoError(t, err)
	assert.False(t, c.Confirmed)
	assert.Equal(t, models.ReasonDateConflict, c.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmIfUnbookedBookingMissingOrCancelled(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.paymentRow(models.PaymentStatusPending))
	mock.ExpectQuery(`FROM bookings WHERE id = \$1 FOR UPDATE`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	c, err := s.ConfirmIfUnbooked(context.Background(), ConfirmRequest{PaymentID: f.paymentID})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonBookingMissing, c.Reason)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.paymentRow(models.PaymentStatusPending))
	mock.ExpectQuery(`FROM bookings WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.bookingRow(models.BookingStatusCancelled))
	mock.ExpectRollback()

	c, err = s.ConfirmIfUnbooked(context.Background(), ConfirmRequest{PaymentID: f.paymentID})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonBookingCancelled, c.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmIfUnbookedUnknownPayment(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.ConfirmIfUnbooked(context.Background(), ConfirmRequest{PaymentID: uuid.New()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelPendingBooking(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM payments WHERE booking_id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(f.paymentID.String()))
	mock.ExpectQuery(`FROM bookings WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.bookingRow(models.BookingStatusPending))
	mock.ExpectExec("UPDATE bookings SET status").WithArgs(models.BookingStatusCancelled, f.bookingID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs(models.PaymentStatusFailed, f.bookingID, models.PaymentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, err := s.CancelPendingBooking(context.Background(), f.bookingID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCancelled, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelConfirmedBookingFails(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM payments WHERE booking_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(f.paymentID.String()))
	mock.ExpectQuery(`FROM bookings WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(f.bookingRow(models.BookingStatusConfirmed))
	mock.ExpectRollback()

	_, err := s.CancelPendingBooking(context.Background(), f.bookingID)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlagForReview(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()

	mock.ExpectExec("INSERT INTO reconciliation_cases").
		WithArgs(sqlmock.AnyArg(), f.paymentID, f.bookingID, models.ReasonDateConflict, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := &models.ReconciliationCase{PaymentID: f.paymentID, BookingID: f.bookingID, Reason: models.ReasonDateConflict}
	require.NoError(t, s.FlagForReview(context.Background(), c))
	assert.NotEqual(t, uuid.Nil, c.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedEvents(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO processed_events").WithArgs("evt-1", models.EventTypeBookingFlagged).
		WillReturnResult(sqlmock.NewResult(0, 1))

	done, err := s.IsEventProcessed(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, s.MarkEventProcessed(context.Background(), "evt-1", models.EventTypeBookingFlagged))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePendingBookingAndAttachPayment(t *testing.T) {
	s, mock := newMockStore(t)
	f := newFixture()
	now := time.Now()

	mock.ExpectQuery("INSERT INTO bookings").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("INSERT INTO payments").
		WithArgs(f.paymentID, f.bookingID, sqlmock.AnyArg(), "usd", models.PaymentStatusPending,
			models.PaymentMethodOmise, "chrg_1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	ctx := context.Background()
	require.NoError(t, s.CreatePendingBooking(ctx, &models.Booking{
		ID: f.bookingID, ListingID: f.listingID, UserID: f.userID,
		CheckIn: day("2026-01-10"), CheckOut: day("2026-01-11"),
	}))
	payment := &models.Payment{
		ID: f.paymentID, BookingID: f.bookingID, Currency: "usd",
		Method: models.PaymentMethodOmise, ExternalID: "chrg_1",
	}
	require.NoError(t, s.AttachPayment(ctx, payment))
	assert.NotNil(t, payment.Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}
