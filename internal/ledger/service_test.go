package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinharbor/exchange/internal/ledger"
	"github.com/coinharbor/exchange/internal/testutil"
	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/models"
)

func TestApplyDeltaCreditsAndDebits(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(zap.NewNop(), db)
	ctx := context.Background()

	user := testutil.SeedUser(t, db, true)
	w := testutil.SeedFiatWallet(t, db, user.ID, "USD", decimal.NewFromInt(100))

	require.NoError(t, svc.ApplyDelta(ctx, ledger.Delta{
		Kind: ledger.KindFiat, WalletID: w.ID, UserID: user.ID,
		Amount: decimal.NewFromInt(40),
	}))
	require.NoError(t, svc.ApplyDelta(ctx, ledger.Delta{
		Kind: ledger.KindFiat, WalletID: w.ID, UserID: user.ID,
		Amount: decimal.NewFromInt(-90),
	}))

	got, err := svc.FiatWallet(ctx, user.ID, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(50)), "balance = %s", got.Balance)
}

func TestApplyDeltaRejectsOverdraft(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(zap.NewNop(), db)
	ctx := context.Background()

	user := testutil.SeedUser(t, db, true)
	w := testutil.SeedCryptoWallet(t, db, user.ID, "BTC-USD", decimal.RequireFromString("0.005"))

	err := svc.ApplyDelta(ctx, ledger.Delta{
		Kind: ledger.KindCrypto, WalletID: w.ID, UserID: user.ID,
		Amount: decimal.RequireFromString("-0.01"),
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	got, err := svc.CryptoWallet(ctx, user.ID, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("0.005")))
}

func TestApplyDeltaChecksOwnership(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(zap.NewNop(), db)
	ctx := context.Background()

	owner := testutil.SeedUser(t, db, true)
	stranger := testutil.SeedUser(t, db, true)
	w := testutil.SeedFiatWallet(t, db, owner.ID, "USD", decimal.NewFromInt(100))

	err := svc.ApplyDelta(ctx, ledger.Delta{
		Kind: ledger.KindFiat, WalletID: w.ID, UserID: stranger.ID,
		Amount: decimal.NewFromInt(-10),
	})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestApplyDeltaConcurrentSum(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(zap.NewNop(), db)
	ctx := context.Background()

	user := testutil.SeedUser(t, db, true)
	w := testutil.SeedFiatWallet(t, db, user.ID, "USD", decimal.NewFromInt(1000))

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := decimal.NewFromInt(7)
			if i%2 == 1 {
				amount = decimal.NewFromInt(-3)
			}
			errs[i] = svc.ApplyDelta(ctx, ledger.Delta{
				Kind: ledger.KindFiat, WalletID: w.ID, UserID: user.ID,
				Amount: amount,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	// 1000 + 10*7 - 10*3 = 1040; no update may be lost.
	got, err := svc.FiatWallet(ctx, user.ID, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(1040)), "balance = %s", got.Balance)
}

func TestApplyMultipleIsAtomic(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(zap.NewNop(), db)
	ctx := context.Background()

	user := testutil.SeedUser(t, db, true)
	fiat := testutil.SeedFiatWallet(t, db, user.ID, "USD", decimal.NewFromInt(500))
	crypto := testutil.SeedCryptoWallet(t, db, user.ID, "BTC-USD", decimal.RequireFromString("0.001"))

	err := svc.ApplyMultiple(ctx, []ledger.Delta{
		{Kind: ledger.KindFiat, WalletID: fiat.ID, UserID: user.ID, Amount: decimal.NewFromInt(-100)},
		{Kind: ledger.KindCrypto, WalletID: crypto.ID, UserID: user.ID, Amount: decimal.RequireFromString("-0.01")},
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	// The fiat debit must have rolled back with the failed crypto debit.
	gotFiat, err := svc.FiatWallet(ctx, user.ID, fiat.ID)
	require.NoError(t, err)
	assert.True(t, gotFiat.Balance.Equal(decimal.NewFromInt(500)))

	var count int64
	require.NoError(t, db.Model(&models.FiatWallet{}).Where("version > 0").Count(&count).Error)
	assert.Zero(t, count)
}

func TestWalletLookupErrors(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(zap.NewNop(), db)
	ctx := context.Background()

	user := testutil.SeedUser(t, db, true)
	other := testutil.SeedUser(t, db, true)
	w := testutil.SeedFiatWallet(t, db, user.ID, "USD", decimal.Zero)

	_, err := svc.FiatWallet(ctx, user.ID, other.ID)
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)

	_, err = svc.FiatWallet(ctx, other.ID, w.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}
