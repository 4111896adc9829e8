package wallets_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinharbor/exchange/internal/custody"
	"github.com/coinharbor/exchange/internal/gateway"
	"github.com/coinharbor/exchange/internal/ledger"
	"github.com/coinharbor/exchange/internal/recorder"
	"github.com/coinharbor/exchange/internal/testutil"
	"github.com/coinharbor/exchange/internal/wallets"
	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/models"
)

// fakeProvisioner hands out deterministic vault accounts and addresses.
type fakeProvisioner struct {
	vaults    int
	addresses map[string]string // vault/asset -> address
	err       error
}

func (f *fakeProvisioner) GetOrCreateVaultAccount(ctx context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.vaults++
	return fmt.Sprintf("vault-%d", f.vaults), nil
}

func (f *fakeProvisioner) GetOrCreateDepositAddress(ctx context.Context, vaultAccountID, assetID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := vaultAccountID + "/" + assetID
	if addr, ok := f.addresses[key]; ok {
		return addr, nil
	}
	return "addr-" + key, nil
}

func (f *fakeProvisioner) SupportedAssets(ctx context.Context) ([]custody.Asset, error) {
	return nil, nil
}

// fakeGateway returns canned intents.
type fakeGateway struct {
	name    string
	nextID  string
	created int
	err     error
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) CreateIntent(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*gateway.Intent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	return &gateway.Intent{GatewayID: f.nextID, ClientHandle: f.nextID + "_secret"}, nil
}

type walletFixture struct {
	db          *gorm.DB
	svc         *wallets.Service
	provisioner *fakeProvisioner
	stripe      *fakeGateway
}

func newWalletFixture(t *testing.T) *walletFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	log := zap.NewNop()
	prov := &fakeProvisioner{addresses: map[string]string{}}
	stripe := &fakeGateway{name: models.GatewayStripe, nextID: "pi_test"}
	svc := wallets.NewService(log, db,
		ledger.NewService(log, db),
		recorder.NewService(log, db),
		prov,
		map[string]gateway.Client{models.GatewayStripe: stripe})
	return &walletFixture{db: db, svc: svc, provisioner: prov, stripe: stripe}
}

func TestCreateFiatWallet(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)

	w, err := f.svc.CreateFiatWallet(ctx, user.ID, "usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", w.Currency)
	assert.True(t, w.Balance.IsZero())

	// Second wallet for the same currency is rejected; another currency is fine.
	_, err = f.svc.CreateFiatWallet(ctx, user.ID, "USD")
	assert.ErrorIs(t, err, apperr.ErrDuplicateWallet)

	_, err = f.svc.CreateFiatWallet(ctx, user.ID, "EUR")
	assert.NoError(t, err)
}

func TestCreateFiatWalletRejectsBadCode(t *testing.T) {
	f := newWalletFixture(t)
	user := testutil.SeedUser(t, f.db, true)

	for _, code := range []string{"", "US", "DOLLARS", "U$D"} {
		_, err := f.svc.CreateFiatWallet(context.Background(), user.ID, code)
		assert.ErrorIs(t, err, apperr.ErrInvalidOrder, "code %q", code)
	}
}

func TestCreateCryptoWalletProvisionsVault(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)

	w, err := f.svc.CreateCryptoWallet(ctx, user.ID, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "vault-1", w.VaultAccountID)
	assert.Equal(t, "addr-vault-1/BTC", w.WalletAddress)

	// The vault account is remembered on the user and reused for the next coin.
	var u models.User
	require.NoError(t, f.db.First(&u, "id = ?", user.ID).Error)
	assert.Equal(t, "vault-1", u.VaultAccountID)

	w2, err := f.svc.CreateCryptoWallet(ctx, user.ID, "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "vault-1", w2.VaultAccountID)
	assert.Equal(t, 1, f.provisioner.vaults)
}

func TestCreateCryptoWalletDuplicateCoin(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)

	_, err := f.svc.CreateCryptoWallet(ctx, user.ID, "BTC-USD")
	require.NoError(t, err)

	_, err = f.svc.CreateCryptoWallet(ctx, user.ID, "BTC-USD")
	assert.ErrorIs(t, err, apperr.ErrDuplicateWallet)
}

func TestCreateCryptoWalletDuplicateAddress(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := testutil.SeedUser(t, f.db, true)
	bob := testutil.SeedUser(t, f.db, true)

	// Provider misbehaves and hands the same address to two vaults.
	f.provisioner.addresses["vault-1/BTC"] = "shared-addr"
	f.provisioner.addresses["vault-2/BTC"] = "shared-addr"

	_, err := f.svc.CreateCryptoWallet(ctx, alice.ID, "BTC-USD")
	require.NoError(t, err)

	_, err = f.svc.CreateCryptoWallet(ctx, bob.ID, "BTC-USD")
	assert.ErrorIs(t, err, apperr.ErrDuplicateAddress)
}

func TestCreateCryptoWalletProviderDown(t *testing.T) {
	f := newWalletFixture(t)
	user := testutil.SeedUser(t, f.db, true)
	f.provisioner.err = apperr.ErrProviderUnavailable

	_, err := f.svc.CreateCryptoWallet(context.Background(), user.ID, "BTC-USD")
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)

	var count int64
	require.NoError(t, f.db.Model(&models.CryptoWallet{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestInitiateDepositRecordsPending(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)

	intent, err := f.svc.InitiateDeposit(ctx, user.ID, models.GatewayStripe, "USD", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "pi_test", intent.GatewayID)
	assert.Equal(t, "pi_test_secret", intent.ClientHandle)

	var txn models.Transaction
	require.NoError(t, f.db.Where("gateway_id = ?", "pi_test").First(&txn).Error)
	assert.Equal(t, models.TxStatusPending, txn.Status)
	assert.Equal(t, models.TxTypeDeposit, txn.Type)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(1000)))
}

func TestInitiateDepositUnknownGateway(t *testing.T) {
	f := newWalletFixture(t)
	user := testutil.SeedUser(t, f.db, true)

	_, err := f.svc.InitiateDeposit(context.Background(), user.ID, "paypal", "USD", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)
}

func TestConfirmDepositCreditsLazily(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)

	_, err := f.svc.InitiateDeposit(ctx, user.ID, models.GatewayStripe, "USD", decimal.NewFromInt(1000))
	require.NoError(t, err)

	// The user never created a USD wallet; confirmation creates it.
	require.NoError(t, f.svc.ConfirmDeposit(ctx, "pi_test", true))

	ws, err := f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "USD", ws[0].Currency)
	assert.True(t, ws[0].Balance.Equal(decimal.NewFromInt(1000)))

	// Replayed delivery must not double-credit.
	require.NoError(t, f.svc.ConfirmDeposit(ctx, "pi_test", true))
	ws, err = f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ws[0].Balance.Equal(decimal.NewFromInt(1000)))
}

func TestConfirmDepositFailureLeavesBalance(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)

	_, err := f.svc.InitiateDeposit(ctx, user.ID, models.GatewayStripe, "USD", decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmDeposit(ctx, "pi_test", false))

	ws, err := f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, ws)

	var txn models.Transaction
	require.NoError(t, f.db.Where("gateway_id = ?", "pi_test").First(&txn).Error)
	assert.Equal(t, models.TxStatusFailed, txn.Status)
}

func TestWithdrawRequiresKYC(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, false)
	w := testutil.SeedFiatWallet(t, f.db, user.ID, "USD", decimal.NewFromInt(500))

	_, err := f.svc.Withdraw(ctx, user.ID, w.ID, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, apperr.ErrKYCRequired)
}

func TestWithdrawDebitsAndRecords(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)
	w := testutil.SeedFiatWallet(t, f.db, user.ID, "USD", decimal.NewFromInt(500))

	txn, err := f.svc.Withdraw(ctx, user.ID, w.ID, decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, txn.Status)
	assert.Equal(t, models.GatewayBank, txn.Gateway)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(-200)))

	ws, err := f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ws[0].Balance.Equal(decimal.NewFromInt(300)))
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)
	w := testutil.SeedFiatWallet(t, f.db, user.ID, "USD", decimal.NewFromInt(50))

	_, err := f.svc.Withdraw(ctx, user.ID, w.ID, decimal.NewFromInt(100))
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	// Atomic: no pending record without the debit.
	var count int64
	require.NoError(t, f.db.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestConfirmWithdrawalSuccessKeepsDebit(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)
	w := testutil.SeedFiatWallet(t, f.db, user.ID, "USD", decimal.NewFromInt(500))

	txn, err := f.svc.Withdraw(ctx, user.ID, w.ID, decimal.NewFromInt(200))
	require.NoError(t, err)

	require.NoError(t, f.svc.ConfirmWithdrawal(ctx, txn.GatewayID, true))

	ws, err := f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ws[0].Balance.Equal(decimal.NewFromInt(300)))

	var settled models.Transaction
	require.NoError(t, f.db.Where("gateway_id = ?", txn.GatewayID).First(&settled).Error)
	assert.Equal(t, models.TxStatusSuccess, settled.Status)
}

func TestConfirmWithdrawalFailureRefunds(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)
	w := testutil.SeedFiatWallet(t, f.db, user.ID, "USD", decimal.NewFromInt(500))

	txn, err := f.svc.Withdraw(ctx, user.ID, w.ID, decimal.NewFromInt(200))
	require.NoError(t, err)

	ws, err := f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, ws[0].Balance.Equal(decimal.NewFromInt(300)))

	// The payout bounced; the debit comes back with the status flip.
	require.NoError(t, f.svc.ConfirmWithdrawal(ctx, txn.GatewayID, false))

	ws, err = f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ws[0].Balance.Equal(decimal.NewFromInt(500)), "balance = %s", ws[0].Balance)

	var failed models.Transaction
	require.NoError(t, f.db.Where("gateway_id = ?", txn.GatewayID).First(&failed).Error)
	assert.Equal(t, models.TxStatusFailed, failed.Status)

	// Replayed callback must not refund twice.
	require.NoError(t, f.svc.ConfirmWithdrawal(ctx, txn.GatewayID, false))
	ws, err = f.svc.ListFiatWallets(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ws[0].Balance.Equal(decimal.NewFromInt(500)))
}

func TestWalletUniqueIndexesTranslate(t *testing.T) {
	// The create paths count first, but a concurrent insert can land between
	// the count and the create. The unique indexes then fire, and the driver
	// error must come back as gorm's sentinel so the services can map it.
	f := newWalletFixture(t)
	user := testutil.SeedUser(t, f.db, true)

	testutil.SeedFiatWallet(t, f.db, user.ID, "USD", decimal.Zero)
	dup := &models.FiatWallet{ID: uuid.New(), UserID: user.ID, Currency: "USD", Balance: decimal.Zero}
	assert.ErrorIs(t, f.db.Create(dup).Error, gorm.ErrDuplicatedKey)

	w := testutil.SeedCryptoWallet(t, f.db, user.ID, "BTC-USD", decimal.Zero)
	dupAddr := &models.CryptoWallet{ID: uuid.New(), UserID: user.ID, CoinName: "ETH-USD", WalletAddress: w.WalletAddress}
	assert.ErrorIs(t, f.db.Create(dupAddr).Error, gorm.ErrDuplicatedKey)
}

func TestCreditCryptoDeposit(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, true)

	w, err := f.svc.CreateCryptoWallet(ctx, user.ID, "BTC-USD")
	require.NoError(t, err)

	amount := decimal.RequireFromString("0.25")
	require.NoError(t, f.svc.CreditCryptoDeposit(ctx, w.WalletAddress, "0xhash1", amount))

	// Replay with the same chain hash is a no-op.
	require.NoError(t, f.svc.CreditCryptoDeposit(ctx, w.WalletAddress, "0xhash1", amount))

	ws, err := f.svc.ListCryptoWallets(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ws[0].Balance.Equal(amount), "balance = %s", ws[0].Balance)

	var count int64
	require.NoError(t, f.db.Model(&models.Transaction{}).Where("gateway_id = ?", "0xhash1").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreditCryptoDepositUnknownAddress(t *testing.T) {
	f := newWalletFixture(t)
	err := f.svc.CreditCryptoDeposit(context.Background(), "no-such-addr", "0xhash", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
}
