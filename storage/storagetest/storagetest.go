// Package storagetest holds the behavioural contract every ledger.Storage
// backend must satisfy. Backend test files call Run with a factory that
// returns an empty store.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// Factory returns a fresh, empty storage for one subtest.
type Factory func(t *testing.T) ledger.Storage

var (
	credit100 = ledger.PackageDefinition{Code: "C100", Kind: ledger.KindCredit, Quantity: 100, Price: 499, Currency: "USD"}
	vip30     = ledger.PackageDefinition{Code: "V30", Kind: ledger.KindEntitlement, Quantity: 30, Price: 999, Currency: "USD"}
)

// Run executes the full contract against the storage returned by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStorage(t)) })
	t.Run("GrantCredit", func(t *testing.T) { testGrantCredit(t, newStorage(t)) })
	t.Run("GrantIsIdempotent", func(t *testing.T) { testGrantIdempotent(t, newStorage(t)) })
	t.Run("GrantUnknownAccount", func(t *testing.T) { testGrantUnknownAccount(t, newStorage(t)) })
	t.Run("GrantEntitlementExtendsFuture", func(t *testing.T) { testEntitlementFuture(t, newStorage(t)) })
	t.Run("GrantEntitlementExtendsFromNow", func(t *testing.T) { testEntitlementPast(t, newStorage(t)) })
	t.Run("Deduct", func(t *testing.T) { testDeduct(t, newStorage(t)) })
	t.Run("DeductEntitled", func(t *testing.T) { testDeductEntitled(t, newStorage(t)) })
	t.Run("Refund", func(t *testing.T) { testRefund(t, newStorage(t)) })
	t.Run("ListLedgerEntries", func(t *testing.T) { testListEntries(t, newStorage(t)) })
	t.Run("ConcurrentDeductNeverOverdraws", func(t *testing.T) { testConcurrentDeduct(t, newStorage(t)) })
	t.Run("ConcurrentDeductPair", func(t *testing.T) { testConcurrentDeductPair(t, newStorage) })
	t.Run("ConcurrentGrantSameReference", func(t *testing.T) { testConcurrentGrant(t, newStorage(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func seed(t *testing.T, s ledger.Storage, id, shortCode string, balance int64, mutate ...func(*ledger.Account)) *ledger.Account {
	t.Helper()
	acct := &ledger.Account{
		ID:        id,
		ShortCode: shortCode,
		Balance:   balance,
		Role:      ledger.RoleStandard,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	for _, m := range mutate {
		m(acct)
	}
	require.NoError(t, s.CreateAccount(context.Background(), acct))
	return acct
}

func grant(id, ref string, pkg ledger.PackageDefinition, at time.Time) *ledger.GrantRequest {
	return &ledger.GrantRequest{
		EntryID:           "entry-" + ref,
		AccountID:         id,
		Package:           pkg,
		ExternalReference: ref,
		PriceCharged:      pkg.Price,
		Currency:          pkg.Currency,
		Gateway:           ledger.GatewayCard,
		RawPayload:        []byte(`{"id":"` + ref + `"}`),
		Now:               at,
	}
}

func testAccounts(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	seed(t, s, "user-1", "AB12", 5)

	got, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "AB12", got.ShortCode)
	assert.Equal(t, int64(5), got.Balance)
	assert.Equal(t, ledger.RoleStandard, got.Role)

	got, err = s.GetAccountByShortCode(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.ID)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = s.GetAccountByShortCode(ctx, "ZZ99")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	err = s.CreateAccount(ctx, &ledger.Account{ID: "user-1", ShortCode: "CD34", Role: ledger.RoleStandard, CreatedAt: now(), UpdatedAt: now()})
	assert.ErrorIs(t, err, ledger.ErrAccountExists, "duplicate id")
	err = s.CreateAccount(ctx, &ledger.Account{ID: "user-2", ShortCode: "AB12", Role: ledger.RoleStandard, CreatedAt: now(), UpdatedAt: now()})
	assert.ErrorIs(t, err, ledger.ErrAccountExists, "duplicate short code")
}

func testGrantCredit(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	seed(t, s, "user-1", "AB12", 0)

	acct, entry, err := s.Grant(ctx, grant("user-1", "CAP-1", credit100, now()))
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.StatusCommitted, entry.Status)
	assert.Equal(t, "C100", entry.PackageCode)
	assert.Equal(t, ledger.GatewayCard, entry.Gateway)

	stored, err := s.GetLedgerEntry(ctx, "CAP-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "entry-CAP-1", stored.ID)
	assert.Equal(t, "user-1", stored.AccountID)
	assert.Equal(t, int64(100), stored.Quantity)
	assert.Equal(t, int64(499), stored.PriceCharged)
	assert.Equal(t, "USD", stored.Currency)
	assert.Equal(t, ledger.KindCredit, stored.Kind)
	assert.JSONEq(t, `{"id":"CAP-1"}`, string(stored.RawPayload))

	missing, err := s.GetLedgerEntry(ctx, "CAP-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testGrantIdempotent(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	seed(t, s, "user-1", "AB12", 0)

	processed, err := s.HasBeenProcessed(ctx, "CAP-1")
	require.NoError(t, err)
	assert.False(t, processed)

	_, _, err = s.Grant(ctx, grant("user-1", "CAP-1", credit100, now()))
	require.NoError(t, err)

	_, _, err = s.Grant(ctx, grant("user-1", "CAP-1", credit100, now()))
	assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

	processed, err = s.HasBeenProcessed(ctx, "CAP-1")
	require.NoError(t, err)
	assert.True(t, processed)

	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance, "replay must not credit twice")

	entries, err := s.ListLedgerEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testGrantUnknownAccount(t *testing.T, s ledger.Storage) {
	ctx := context.Background()

	_, _, err := s.Grant(ctx, grant("ghost", "CAP-1", credit100, now()))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	processed, err := s.HasBeenProcessed(ctx, "CAP-1")
	require.NoError(t, err)
	assert.False(t, processed, "a rejected grant must not consume the reference")
}

func testEntitlementFuture(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	at := now()
	seed(t, s, "user-1", "AB12", 0, func(a *ledger.Account) {
		a.EntitlementExpiry = at.Add(10 * 24 * time.Hour)
	})

	acct, _, err := s.Grant(ctx, grant("user-1", "VIP-1", vip30, at))
	require.NoError(t, err)
	assert.WithinDuration(t, at.Add(40*24*time.Hour), acct.EntitlementExpiry, time.Second)
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, ledger.RoleStandard, acct.Role, "entitlement grants do not change role")
}

func testEntitlementPast(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	at := now()
	seed(t, s, "user-1", "AB12", 0, func(a *ledger.Account) {
		a.EntitlementExpiry = at.Add(-5 * 24 * time.Hour)
	})

	acct, _, err := s.Grant(ctx, grant("user-1", "VIP-1", vip30, at))
	require.NoError(t, err)
	assert.WithinDuration(t, at.Add(30*24*time.Hour), acct.EntitlementExpiry, time.Second)

	stored, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, at.Add(30*24*time.Hour), stored.EntitlementExpiry, time.Second)
}

func testDeduct(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	seed(t, s, "user-1", "AB12", 10)

	res, err := s.Deduct(ctx, &ledger.DeductRequest{AccountID: "user-1", Cost: 4, Now: now()})
	require.NoError(t, err)
	assert.False(t, res.Bypassed)
	assert.Equal(t, int64(6), res.Account.Balance)

	_, err = s.Deduct(ctx, &ledger.DeductRequest{AccountID: "user-1", Cost: 7, Now: now()})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	var insufficient *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(6), insufficient.Balance)
	assert.Equal(t, int64(7), insufficient.Cost)

	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), acct.Balance, "failed deduct must not partially apply")

	res, err = s.Deduct(ctx, &ledger.DeductRequest{AccountID: "user-1", Cost: 6, Now: now()})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Account.Balance)

	_, err = s.Deduct(ctx, &ledger.DeductRequest{AccountID: "ghost", Cost: 1, Now: now()})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testDeductEntitled(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	at := now()
	seed(t, s, "staff", "ST01", 3, func(a *ledger.Account) { a.Role = ledger.RoleEntitled })
	seed(t, s, "vip", "VP01", 3, func(a *ledger.Account) { a.EntitlementExpiry = at.Add(time.Hour) })

	for _, id := range []string{"staff", "vip"} {
		res, err := s.Deduct(ctx, &ledger.DeductRequest{AccountID: id, Cost: 1000, Now: at})
		require.NoError(t, err, id)
		assert.True(t, res.Bypassed, id)
		assert.Equal(t, int64(3), res.Account.Balance, id)

		acct, err := s.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), acct.Balance, id)
	}
}

func testRefund(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	seed(t, s, "user-1", "AB12", 10)
	seed(t, s, "staff", "ST01", 10, func(a *ledger.Account) { a.Role = ledger.RoleEntitled })

	_, err := s.Deduct(ctx, &ledger.DeductRequest{AccountID: "user-1", Cost: 7, Now: now()})
	require.NoError(t, err)
	acct, err := s.Refund(ctx, &ledger.RefundRequest{AccountID: "user-1", Amount: 7, Now: now()})
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	acct, err = s.Refund(ctx, &ledger.RefundRequest{AccountID: "staff", Amount: 7, Now: now()})
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance, "entitled refunds are no-ops")

	// A standard account charged before its entitlement began gets the
	// credits back.
	seed(t, s, "late-vip", "LV01", 10)
	_, err = s.Deduct(ctx, &ledger.DeductRequest{AccountID: "late-vip", Cost: 4, Now: now()})
	require.NoError(t, err)
	_, _, err = s.Grant(ctx, grant("late-vip", "CAP-LATE", vip30, now()))
	require.NoError(t, err)
	acct, err = s.Refund(ctx, &ledger.RefundRequest{AccountID: "late-vip", Amount: 4, Now: now()})
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	_, err = s.Refund(ctx, &ledger.RefundRequest{AccountID: "ghost", Amount: 1, Now: now()})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testListEntries(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	seed(t, s, "user-1", "AB12", 0)
	seed(t, s, "user-2", "CD34", 0)

	base := now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, _, err := s.Grant(ctx, grant("user-1", fmt.Sprintf("CAP-%d", i), credit100, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, _, err := s.Grant(ctx, grant("user-2", "OTHER", credit100, base))
	require.NoError(t, err)

	entries, err := s.ListLedgerEntries(ctx, "user-1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "CAP-4", entries[0].ExternalReference)
	assert.Equal(t, "CAP-3", entries[1].ExternalReference)
	assert.Equal(t, "CAP-2", entries[2].ExternalReference)

	empty, err := s.ListLedgerEntries(ctx, "nobody", 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentDeduct(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	const (
		balance    = 20
		goroutines = 50
	)
	seed(t, s, "user-1", "AB12", balance)

	var (
		mu        sync.Mutex
		succeeded int
	)
	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			_, err := s.Deduct(ctx, &ledger.DeductRequest{AccountID: "user-1", Cost: 1, Now: now()})
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, balance, succeeded)
	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance)
}

func testConcurrentDeductPair(t *testing.T, newStorage Factory) {
	// b=10, c1=7, c2=5: exactly one of the two may succeed.
	for round := 0; round < 10; round++ {
		s := newStorage(t)
		ctx := context.Background()
		seed(t, s, "user-1", "AB12", 10)

		results := make(chan error, 2)
		var wg sync.WaitGroup
		for _, cost := range []int64{7, 5} {
			wg.Add(1)
			go func(cost int64) {
				defer wg.Done()
				_, err := s.Deduct(ctx, &ledger.DeductRequest{AccountID: "user-1", Cost: cost, Now: now()})
				results <- err
			}(cost)
		}
		wg.Wait()
		close(results)

		ok, insufficient := 0, 0
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientBalance):
				insufficient++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		assert.Equal(t, 1, ok, "round %d", round)
		assert.Equal(t, 1, insufficient, "round %d", round)

		acct, err := s.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Contains(t, []int64{3, 5}, acct.Balance, "round %d", round)
	}
}

func testConcurrentGrant(t *testing.T, s ledger.Storage) {
	ctx := context.Background()
	seed(t, s, "user-1", "AB12", 0)

	const goroutines = 10
	var (
		mu        sync.Mutex
		committed int
	)
	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		i := i
		g.Go(func() error {
			req := grant("user-1", "CAP-DUP", credit100, now())
			req.EntryID = fmt.Sprintf("entry-%d", i)
			_, _, err := s.Grant(ctx, req)
			if errors.Is(err, ledger.ErrAlreadyProcessed) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			committed++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, committed)
	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
}
