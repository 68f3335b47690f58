package reconcile_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/card"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/manual"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/reconcile"
	"github.com/kyokole/photo-tool-pro-sub000/storage/memory"
)

type recordingMetrics struct {
	mu     sync.Mutex
	events []string
	errors []string
}

func (m *recordingMetrics) RecordWebhookEvent(gw, eventType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, gw+"/"+status)
}

func (m *recordingMetrics) RecordWebhookProcessingDuration(string, string, time.Duration) {}

func (m *recordingMetrics) RecordWebhookError(gw, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, gw+"/"+errorType)
}

// unavailableStorage fails every read with a retryable error.
type unavailableStorage struct {
	ledger.Storage
}

func (unavailableStorage) GetAccount(context.Context, string) (*ledger.Account, error) {
	return nil, ledger.ErrStorageUnavailable
}

type fixture struct {
	engine  *ledger.Engine
	orch    *reconcile.Orchestrator
	metrics *recordingMetrics
}

func newFixture(t *testing.T, strict bool, wrap ...func(ledger.Storage) ledger.Storage) *fixture {
	t.Helper()
	var storage ledger.Storage = memory.New()
	for _, w := range wrap {
		storage = w(storage)
	}
	engine, err := ledger.NewEngine(storage, ledger.Config{})
	require.NoError(t, err)

	_, err = engine.CreateAccount(context.Background(), &ledger.Account{ID: "user-1", ShortCode: "AB12"})
	require.NoError(t, err)

	m := &recordingMetrics{}
	orch, err := reconcile.New(reconcile.Config{Engine: engine, StrictAmount: strict, Metrics: m})
	require.NoError(t, err)
	return &fixture{engine: engine, orch: orch, metrics: m}
}

func cardPayload(id, value, custom string) []byte {
	return []byte(`{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"` + id +
		`","amount":{"value":"` + value + `","currency_code":"USD"},"custom_id":` + strconv.Quote(custom) + `}}`)
}

func decodeCard(payload []byte) func() (*gateway.Notification, error) {
	d := card.NewDecoder()
	return func() (*gateway.Notification, error) { return d.Decode(payload) }
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := reconcile.New(reconcile.Config{})
	assert.Error(t, err)
}

func TestProcess_CardRedeliveryCreditsOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	payload := cardPayload("CAP-1", "4.99", card.CustomID("user-1", "C100"))

	first := f.orch.Process(ctx, ledger.GatewayCard, decodeCard(payload))
	require.Equal(t, reconcile.StateCommitted, first.State, first.Reason)
	assert.Equal(t, []reconcile.State{
		reconcile.StateReceived, reconcile.StateDecoded, reconcile.StateResolved, reconcile.StateCommitted,
	}, first.Trail)
	assert.Equal(t, int64(100), first.Account.Balance)

	second := f.orch.Process(ctx, ledger.GatewayCard, decodeCard(payload))
	assert.Equal(t, reconcile.StateIgnored, second.State)
	assert.True(t, second.Duplicate)
	assert.True(t, second.State.Terminal())

	acct, err := f.engine.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)

	entries, err := f.engine.ListLedgerEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "card:CAP-1", entries[0].ExternalReference)
	assert.Equal(t, int64(499), entries[0].PriceCharged)

	assert.Equal(t, []string{"card/committed", "card/duplicate"}, f.metrics.events)
}

func TestProcess_ConcurrentRedelivery(t *testing.T) {
	f := newFixture(t, false)
	payload := cardPayload("CAP-2", "19.99", card.CustomID("user-1", "C500"))

	var wg sync.WaitGroup
	outcomes := make([]*reconcile.Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.orch.Process(context.Background(), ledger.GatewayCard, decodeCard(payload))
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, out := range outcomes {
		if out.State == reconcile.StateCommitted {
			committed++
		} else {
			assert.True(t, out.Duplicate)
		}
	}
	assert.Equal(t, 1, committed)

	acct, err := f.engine.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
}

func TestProcess_ManualMemo(t *testing.T) {
	f := newFixture(t, false)
	parser := manual.NewParser(nil)

	out := f.orch.Process(context.Background(), ledger.GatewayManual, func() (*gateway.Notification, error) {
		return parser.Decode("PHOTO AB12 C100")
	})
	require.Equal(t, reconcile.StateCommitted, out.State, out.Reason)
	assert.Equal(t, int64(100), out.Account.Balance)
	assert.Equal(t, ledger.GatewayManual, out.Entry.Gateway)
	assert.Equal(t, int64(499), out.Entry.PriceCharged)
}

func TestProcess_ManualSyntaxErrorLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, false)
	parser := manual.NewParser(nil)

	out := f.orch.Process(context.Background(), ledger.GatewayManual, func() (*gateway.Notification, error) {
		return parser.Decode("PHOTO AB12")
	})
	assert.Equal(t, reconcile.StateRejected, out.State)
	assert.True(t, errors.Is(out.Err, gateway.ErrSyntax))
	assert.False(t, out.Retryable)

	acct, err := f.engine.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance)

	entries, err := f.engine.ListLedgerEntries(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcess_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		state   reconcile.State
		want    error
	}{
		{"unknown event", []byte(`{"event_type":"PAYMENT.CAPTURE.DENIED"}`), reconcile.StateIgnored, gateway.ErrUnknownEvent},
		{"malformed", []byte(`not json`), reconcile.StateRejected, gateway.ErrMalformedPayload},
		{"unknown account", cardPayload("CAP-3", "4.99", card.CustomID("ghost", "C100")), reconcile.StateRejected, ledger.ErrAccountNotFound},
		{"unknown package", cardPayload("CAP-4", "4.99", card.CustomID("user-1", "C7")), reconcile.StateRejected, gateway.ErrUnknownPackage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			out := f.orch.Process(context.Background(), ledger.GatewayCard, decodeCard(tt.payload))
			assert.Equal(t, tt.state, out.State)
			assert.True(t, errors.Is(out.Err, tt.want), "got %v", out.Err)
			assert.False(t, out.Retryable)
			assert.NotEmpty(t, out.Reason)
		})
	}
}

func TestProcess_AliasRecordsCanonicalCode(t *testing.T) {
	f := newFixture(t, false)
	out := f.orch.Process(context.Background(), ledger.GatewayCard,
		decodeCard(cardPayload("CAP-5", "9.99", card.CustomID("user-1", "vip_30_days"))))
	require.Equal(t, reconcile.StateCommitted, out.State, out.Reason)
	assert.Equal(t, "V30", out.Entry.PackageCode)
	assert.True(t, out.Account.IsEntitled(time.Now()))
	assert.Equal(t, ledger.RoleStandard, out.Account.Role)
}

func TestProcess_AmountMismatch(t *testing.T) {
	payload := cardPayload("CAP-6", "1.00", card.CustomID("user-1", "C100"))

	t.Run("lenient commits the paid amount", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.orch.Process(context.Background(), ledger.GatewayCard, decodeCard(payload))
		require.Equal(t, reconcile.StateCommitted, out.State)
		assert.Equal(t, int64(100), out.Entry.PriceCharged)
		assert.Contains(t, f.metrics.errors, "card/amount_mismatch")
	})

	t.Run("strict rejects underpayment", func(t *testing.T) {
		f := newFixture(t, true)
		out := f.orch.Process(context.Background(), ledger.GatewayCard, decodeCard(payload))
		assert.Equal(t, reconcile.StateRejected, out.State)
		assert.True(t, errors.Is(out.Err, reconcile.ErrAmountMismatch))
		assert.False(t, out.Retryable)
	})

	t.Run("strict accepts overpayment", func(t *testing.T) {
		f := newFixture(t, true)
		out := f.orch.Process(context.Background(), ledger.GatewayCard,
			decodeCard(cardPayload("CAP-7", "5.00", card.CustomID("user-1", "C100"))))
		assert.Equal(t, reconcile.StateCommitted, out.State)
	})
}

func TestProcess_StoreFailureIsRetryable(t *testing.T) {
	f := newFixture(t, false, func(s ledger.Storage) ledger.Storage { return unavailableStorage{s} })
	out := f.orch.Process(context.Background(), ledger.GatewayCard,
		decodeCard(cardPayload("CAP-8", "4.99", card.CustomID("user-1", "C100"))))
	assert.Equal(t, reconcile.StateRejected, out.State)
	assert.True(t, out.Retryable)
	assert.Equal(t, []string{"card/error"}, f.metrics.events)
}
