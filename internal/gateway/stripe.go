package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"booking-service/internal/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds card-checkout provider settings
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// SignatureTolerance bounds the age of a signed webhook
	SignatureTolerance time.Duration
}

// checkoutSessions is the slice of the Stripe API the adapter needs
type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Stripe is the card-checkout adapter built on Stripe Checkout Sessions
type Stripe struct {
	sessions checkoutSessions
	cfg      StripeConfig
}

// NewStripe creates a Stripe adapter with its own API client
func NewStripe(cfg StripeConfig) *Stripe {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return newStripe(sc.CheckoutSessions, cfg)
}

func newStripe(sessions checkoutSessions, cfg StripeConfig) *Stripe {
	if cfg.SignatureTolerance == 0 {
		cfg.SignatureTolerance = webhook.DefaultTolerance
	}
	return &Stripe{sessions: sessions, cfg: cfg}
}

// Method implements Gateway
func (s *Stripe) Method() models.PaymentMethod {
	return models.PaymentMethodStripe
}

// CreateTransaction opens a Checkout Session with a single line item
func (s *Stripe) CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.BookingID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("booking_id", req.BookingID)

	sess, err := s.sessions.New(params)
	if err != nil {
		return nil, gatewayErr("stripe", "create checkout session", stripeCause(err))
	}

	return &Transaction{ExternalID: sess.ID, RedirectURL: sess.URL}, nil
}

// VerifyNotification checks the Stripe-Signature header and decodes the event
func (s *Stripe) VerifyNotification(_ context.Context, body []byte, headers http.Header) (*Event, error) {
	sig := headers.Get("Stripe-Signature")
	if sig == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.cfg.SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrInvalidHeader) || errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out := &Event{
		Kind:            EventIgnored,
		Type:            string(event.Type),
		ProviderEventID: event.ID,
	}

	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	default:
		return out, nil
	}

	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedPayload, event.ID)
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out.ExternalID = sess.ID
	out.AmountMinor = sess.AmountTotal
	out.Currency = strings.ToLower(string(sess.Currency))

	// A completed session paid with a delayed method settles through
	// async_payment_succeeded later.
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		out.Kind = EventPaymentCompleted
	}
	return out, nil
}

// stripeCause keeps the Stripe error code and drops everything else
func stripeCause(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code != "" {
			return string(se.Code)
		}
		return string(se.Type)
	}
	return ""
}
