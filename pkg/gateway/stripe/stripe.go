// Package stripe decodes signed Stripe Checkout webhooks.
package stripe

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

const gatewayName = string(ledger.GatewayStripe)

// Event types that may credit an account once the session is paid.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// Metadata keys set on the checkout session at creation time.
const (
	MetadataAccountID = "uid"
	MetadataPackage   = "packageId"
)

// Decoder verifies and decodes Stripe webhook payloads.
type Decoder struct {
	secret    string
	tolerance time.Duration
}

// NewDecoder creates a decoder for the given endpoint signing secret.
func NewDecoder(secret string) (*Decoder, error) {
	if secret == "" {
		return nil, gateway.ErrNotConfigured
	}
	return &Decoder{secret: secret, tolerance: webhook.DefaultTolerance}, nil
}

// Verify checks the Stripe-Signature header against payload.
func (d *Decoder) Verify(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, d.secret, webhook.ConstructEventOptions{
		Tolerance:                d.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, gateway.NewDecodeError(gatewayName, gateway.ErrInvalidSignature, "%v", err)
	}
	return event, nil
}

// Decode verifies payload and decodes it into a notification.
func (d *Decoder) Decode(payload []byte, signature string) (*gateway.Notification, error) {
	event, err := d.Verify(payload, signature)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(&event, payload)
}

// DecodeEvent decodes an already verified event. Only paid checkout
// sessions produce a notification; everything else is ErrUnknownEvent.
func DecodeEvent(event *stripe.Event, raw []byte) (*gateway.Notification, error) {
	eventType := string(event.Type)
	if eventType != EventCheckoutCompleted && eventType != EventAsyncPaymentSucceeded {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrUnknownEvent, "event type %q", eventType)
	}
	if event.Data == nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "event has no data")
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "checkout session: %v", err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrUnknownEvent, "session %s payment status %q", session.ID, session.PaymentStatus)
	}

	accountID := session.ClientReferenceID
	if accountID == "" {
		accountID = session.Metadata[MetadataAccountID]
	}
	packageCode := session.Metadata[MetadataPackage]
	switch {
	case session.ID == "":
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "session id missing")
	case accountID == "":
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "session %s has no account reference", session.ID)
	case packageCode == "":
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "session %s has no %s metadata", session.ID, MetadataPackage)
	case session.AmountTotal <= 0:
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "session %s amount %d", session.ID, session.AmountTotal)
	}

	return &gateway.Notification{
		Gateway:           ledger.GatewayStripe,
		EventType:         eventType,
		AccountID:         accountID,
		PackageCode:       packageCode,
		ExternalReference: "stripe:" + session.ID,
		Amount:            &gateway.Amount{Minor: session.AmountTotal, Currency: strings.ToUpper(string(session.Currency))},
		Raw:               raw,
	}, nil
}
