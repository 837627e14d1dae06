// Package gateway adapts external payment providers to a single interface:
// open a checkout transaction, then verify the provider's asynchronous
// notification about it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"booking-service/internal/models"
)

var (
	ErrGateway          = errors.New("payment gateway error")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownProvider  = errors.New("unknown payment provider")
)

// EventKind classifies a verified notification
type EventKind string

const (
	EventPaymentCompleted EventKind = "payment_completed"
	EventIgnored          EventKind = "ignored"
)

// TransactionRequest describes the checkout to open for one booking attempt
type TransactionRequest struct {
	BookingID   string
	Description string
	AmountMinor int64
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// Transaction is the provider-side record created for a booking
type Transaction struct {
	ExternalID  string
	RedirectURL string
}

// Event is a verified provider notification
type Event struct {
	Kind            EventKind
	Type            string
	ProviderEventID string
	ExternalID      string
	AmountMinor     int64
	Currency        string
}

// Gateway is implemented once per payment provider
type Gateway interface {
	Method() models.PaymentMethod
	CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error)
	VerifyNotification(ctx context.Context, body []byte, headers http.Header) (*Event, error)
}

// Registry resolves provider names to configured gateways
type Registry struct {
	gateways map[models.PaymentMethod]Gateway
}

// NewRegistry creates a registry holding the given gateways
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.PaymentMethod]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

// Get returns the gateway registered for provider
func (r *Registry) Get(provider string) (Gateway, error) {
	g, ok := r.gateways[models.PaymentMethod(strings.ToLower(strings.TrimSpace(provider)))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return g, nil
}

// Methods lists the registered payment methods
func (r *Registry) Methods() []models.PaymentMethod {
	out := make([]models.PaymentMethod, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	return out
}

func gatewayErr(provider, op string, cause string) error {
	if cause == "" {
		return fmt.Errorf("%w: %s %s failed", ErrGateway, provider, op)
	}
	return fmt.Errorf("%w: %s %s failed: %s", ErrGateway, provider, op, cause)
}
