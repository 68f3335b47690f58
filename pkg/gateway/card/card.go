// Package card decodes card/wallet capture webhooks.
//
// The payer's account id and package code travel through the gateway as an
// opaque custom_id string attached when the payment was created, and come
// back unchanged on the capture notification.
package card

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

const gatewayName = string(ledger.GatewayCard)

// EventCaptureCompleted is the only event type that credits an account.
const EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"

type webhookPayload struct {
	EventType string           `json:"event_type"`
	Resource  *captureResource `json:"resource" validate:"required"`
}

type captureResource struct {
	ID       string `json:"id" validate:"required"`
	Amount   money  `json:"amount"`
	CustomID string `json:"custom_id" validate:"required"`
}

type money struct {
	Value        string `json:"value" validate:"required"`
	CurrencyCode string `json:"currency_code" validate:"required,len=3,alpha"`
}

type customID struct {
	UID       string `json:"uid" validate:"required"`
	PackageID string `json:"packageId" validate:"required"`
}

// zeroDecimal lists currencies without a minor unit.
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "VND": true}

// Decoder turns capture webhooks into notifications. It is safe for
// concurrent use.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder creates a card webhook decoder.
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New()}
}

// Decode parses payload. Event types other than EventCaptureCompleted
// return gateway.ErrUnknownEvent; anything structurally wrong returns
// gateway.ErrMalformedPayload.
func (d *Decoder) Decode(payload []byte) (*gateway.Notification, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "invalid json: %v", err)
	}
	if p.EventType != EventCaptureCompleted {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrUnknownEvent, "event type %q", p.EventType)
	}
	if err := d.validate.Struct(&p); err != nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "%v", err)
	}

	var ref customID
	if err := json.Unmarshal([]byte(p.Resource.CustomID), &ref); err != nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "custom_id is not json")
	}
	if err := d.validate.Struct(&ref); err != nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "custom_id: %v", err)
	}

	amount, err := ParseAmount(p.Resource.Amount.Value, p.Resource.Amount.CurrencyCode)
	if err != nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrMalformedPayload, "%v", err)
	}

	return &gateway.Notification{
		Gateway:           ledger.GatewayCard,
		EventType:         p.EventType,
		AccountID:         ref.UID,
		PackageCode:       ref.PackageID,
		ExternalReference: "card:" + p.Resource.ID,
		Amount:            amount,
		Raw:               payload,
	}, nil
}

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ParseAmount converts a decimal major-unit string such as "4.99" into
// minor units. Non-positive values and sub-minor precision are rejected.
func ParseAmount(value, currency string) (*gateway.Amount, error) {
	currency = strings.ToUpper(currency)
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", value, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("amount %q must be positive", value)
	}
	exp := int32(2)
	if zeroDecimal[currency] {
		exp = 0
	}
	minor := d.Shift(exp)
	if !minor.IsInteger() {
		return nil, fmt.Errorf("amount %q has more precision than %s allows", value, currency)
	}
	if minor.GreaterThan(maxMinor) {
		return nil, fmt.Errorf("amount %q is out of range", value)
	}
	return &gateway.Amount{Minor: minor.IntPart(), Currency: currency}, nil
}

// CustomID builds the opaque string attached to a payment at creation time.
func CustomID(accountID, packageCode string) string {
	b, _ := json.Marshal(customID{UID: accountID, PackageID: packageCode})
	return string(b)
}
