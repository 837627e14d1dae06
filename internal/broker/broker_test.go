package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"booking-service/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
	cancel    context.CancelFunc
	closeErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return r.closeErr }

func TestPublishBookingFlaggedKeysByBooking(t *testing.T) {
	w := &fakeWriter{}
	pub := NewEventPublisher(&Producer{writer: w})
	bookingID := uuid.New()

	event := &models.BookingFlaggedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeBookingFlagged),
		BookingID: bookingID,
		PaymentID: uuid.New(),
		Reason:    models.ReasonDateConflict,
	}
	require.NoError(t, pub.PublishBookingFlagged(context.Background(), event))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "booking-"+bookingID.String(), string(w.msgs[0].Key))

	var decoded models.BookingFlaggedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.EventTypeBookingFlagged, decoded.EventType)
	assert.Equal(t, models.ReasonDateConflict, decoded.Reason)
}

func TestPublishWrapsWriteError(t *testing.T) {
	pub := NewEventPublisher(&Producer{writer: &fakeWriter{err: errors.New("broker down")}})
	err := pub.PublishBookingCancelled(context.Background(), &models.BookingCancelledEvent{BookingID: uuid.New()})
	assert.ErrorContains(t, err, "broker down")
}

func TestConsumerCloseReturnsReaderError(t *testing.T) {
	c := &Consumer{reader: &fakeReader{closeErr: errors.New("group leave failed")}, topic: "booking-events"}
	assert.EqualError(t, c.Close(), "group leave failed")

	c = &Consumer{reader: &fakeReader{}, topic: "booking-events"}
	assert.NoError(t, c.Close())
}

func TestHandleMessageRoutesFlagged(t *testing.T) {
	h := NewEventHandler()
	var got *models.BookingFlaggedEvent
	h.OnBookingFlagged(func(ctx context.Context, e *models.BookingFlaggedEvent) error {
		got = e
		return nil
	})

	value, _ := json.Marshal(models.BookingFlaggedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeBookingFlagged),
		Reason:    models.ReasonAmountMismatch,
	})
	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, models.ReasonAmountMismatch, got.Reason)

	other, _ := json.Marshal(models.BookingConfirmedEvent{BaseEvent: models.NewBaseEvent(models.EventTypeBookingConfirmed)})
	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: other}))

	assert.Error(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
}

func TestStartConsumingCommitsOnlyHandled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeReader{
		msgs:   []kafka.Message{{Offset: 1, Value: []byte("ok")}, {Offset: 2, Value: []byte("bad")}},
		cancel: cancel,
	}
	c := &Consumer{reader: r, topic: "booking-events"}

	err := c.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		if string(msg.Value) == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, r.committed, 1)
	assert.Equal(t, int64(1), r.committed[0].Offset)
}
