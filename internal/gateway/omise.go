package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"booking-service/internal/models"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseConfig holds redirect-order provider settings
type OmiseConfig struct {
	PublicKey string
	SecretKey string
	// SourceType is the offsite payment source, e.g. mobile_banking_kbank
	SourceType string
}

// omiseAPI is the slice of the Omise API the adapter needs
type omiseAPI interface {
	CreateSource(op *operations.CreateSource) (*omise.Source, error)
	CreateCharge(op *operations.CreateCharge) (*omise.Charge, error)
	RetrieveEvent(eventID string) (*omise.Event, error)
}

type omiseClient struct {
	c *omise.Client
}

func (o omiseClient) CreateSource(op *operations.CreateSource) (*omise.Source, error) {
	src := &omise.Source{}
	if err := o.c.Do(src, op); err != nil {
		return nil, err
	}
	return src, nil
}

func (o omiseClient) CreateCharge(op *operations.CreateCharge) (*omise.Charge, error) {
	ch := &omise.Charge{}
	if err := o.c.Do(ch, op); err != nil {
		return nil, err
	}
	return ch, nil
}

func (o omiseClient) RetrieveEvent(eventID string) (*omise.Event, error) {
	ev := &omise.Event{}
	if err := o.c.Do(ev, &operations.RetrieveEvent{EventID: eventID}); err != nil {
		return nil, err
	}
	return ev, nil
}

// Omise is the redirect-order adapter: the renter is sent to the bank's
// authorize page and the charge completes asynchronously.
type Omise struct {
	api omiseAPI
	cfg OmiseConfig
}

// NewOmise creates an Omise adapter
func NewOmise(cfg OmiseConfig) (*Omise, error) {
	c, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("create omise client: %w", err)
	}
	c.SetDebug(false)
	return newOmise(omiseClient{c: c}, cfg), nil
}

func newOmise(api omiseAPI, cfg OmiseConfig) *Omise {
	if cfg.SourceType == "" {
		cfg.SourceType = "mobile_banking_kbank"
	}
	return &Omise{api: api, cfg: cfg}
}

// Method implements Gateway
func (o *Omise) Method() models.PaymentMethod {
	return models.PaymentMethodOmise
}

// CreateTransaction creates an offsite source and a charge bound to it
func (o *Omise) CreateTransaction(_ context.Context, req TransactionRequest) (*Transaction, error) {
	currency := strings.ToLower(req.Currency)

	src, err := o.api.CreateSource(&operations.CreateSource{
		Type:     o.cfg.SourceType,
		Amount:   req.AmountMinor,
		Currency: currency,
	})
	if err != nil {
		return nil, gatewayErr("omise", "create source", "")
	}

	ch, err := o.api.CreateCharge(&operations.CreateCharge{
		Amount:      req.AmountMinor,
		Currency:    currency,
		Source:      src.ID,
		ReturnURI:   req.SuccessURL,
		Description: req.Description,
		Metadata: map[string]interface{}{
			"booking_id": req.BookingID,
			"cancel_uri": req.CancelURL,
		},
	})
	if err != nil {
		return nil, gatewayErr("omise", "create charge", "")
	}
	if ch.AuthorizeURI == "" {
		return nil, gatewayErr("omise", "create charge", "no authorize uri")
	}

	return &Transaction{ExternalID: ch.ID, RedirectURL: ch.AuthorizeURI}, nil
}

type omiseIncomingEvent struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// VerifyNotification trusts nothing in the body except the event id: the
// event is fetched again from Omise with the secret key.
func (o *Omise) VerifyNotification(_ context.Context, body []byte, _ http.Header) (*Event, error) {
	var inc omiseIncomingEvent
	if err := json.Unmarshal(body, &inc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if inc.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}

	ev, err := o.api.RetrieveEvent(inc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s could not be retrieved", ErrInvalidSignature, inc.ID)
	}

	out := &Event{Kind: EventIgnored, Type: ev.Key, ProviderEventID: ev.ID}
	if ev.Key != "charge.complete" {
		return out, nil
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out.ExternalID = ch.ID
	out.AmountMinor = ch.Amount
	out.Currency = strings.ToLower(ch.Currency)
	if string(ch.Status) == "successful" {
		out.Kind = EventPaymentCompleted
	}
	return out, nil
}
