package card_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/card"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

func capture(eventType, id, value, currency, custom string) []byte {
	return []byte(fmt.Sprintf(`{"event_type":%q,"resource":{"id":%q,"amount":{"value":%q,"currency_code":%q},"custom_id":%q}}`,
		eventType, id, value, currency, custom))
}

func TestDecode_CaptureCompleted(t *testing.T) {
	payload := capture(card.EventCaptureCompleted, "CAP-1", "4.99", "USD", card.CustomID("user-1", "C100"))

	n, err := card.NewDecoder().Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, ledger.GatewayCard, n.Gateway)
	assert.Equal(t, "user-1", n.AccountID)
	assert.Equal(t, "C100", n.PackageCode)
	assert.Equal(t, "card:CAP-1", n.ExternalReference)
	assert.Equal(t, &gateway.Amount{Minor: 499, Currency: "USD"}, n.Amount)
	assert.Equal(t, payload, n.Raw)
}

func TestDecode_Errors(t *testing.T) {
	good := card.CustomID("user-1", "C100")
	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"not json", []byte(`{`), gateway.ErrMalformedPayload},
		{"other event", capture("PAYMENT.CAPTURE.REFUNDED", "CAP-1", "4.99", "USD", good), gateway.ErrUnknownEvent},
		{"missing event", []byte(`{"resource":{}}`), gateway.ErrUnknownEvent},
		{"missing resource", []byte(`{"event_type":"PAYMENT.CAPTURE.COMPLETED"}`), gateway.ErrMalformedPayload},
		{"custom_id not json", capture(card.EventCaptureCompleted, "CAP-1", "4.99", "USD", "user-1:C100"), gateway.ErrMalformedPayload},
		{"custom_id missing package", capture(card.EventCaptureCompleted, "CAP-1", "4.99", "USD", `{"uid":"user-1"}`), gateway.ErrMalformedPayload},
		{"missing id", capture(card.EventCaptureCompleted, "", "4.99", "USD", good), gateway.ErrMalformedPayload},
		{"bad amount", capture(card.EventCaptureCompleted, "CAP-1", "four", "USD", good), gateway.ErrMalformedPayload},
		{"zero amount", capture(card.EventCaptureCompleted, "CAP-1", "0.00", "USD", good), gateway.ErrMalformedPayload},
		{"bad currency", capture(card.EventCaptureCompleted, "CAP-1", "4.99", "US", good), gateway.ErrMalformedPayload},
	}
	d := card.NewDecoder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := d.Decode(tt.payload)
			assert.Nil(t, n)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, gateway.IsDecodeError(err))
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		value, currency string
		want            int64
		wantErr         bool
	}{
		{"4.99", "USD", 499, false},
		{"10", "usd", 1000, false},
		{"49000", "VND", 49000, false},
		{"4.999", "USD", 0, true},
		{"-1", "USD", 0, true},
		{"1.5", "JPY", 0, true},
		{"92233720368547758.07", "USD", 9223372036854775807, false},
		{"92233720368547758.08", "USD", 0, true},
		{"99999999999999999999", "JPY", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.value+tt.currency, func(t *testing.T) {
			got, err := card.ParseAmount(tt.value, tt.currency)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Minor)
		})
	}
}
