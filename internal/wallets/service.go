// Package wallets provisions fiat and custodial crypto wallets and moves
// money in and out of them: gateway deposits, bank withdrawals and on-chain
// deposit credits. Trades settle through the order engine, not here.
package wallets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinharbor/exchange/internal/custody"
	"github.com/coinharbor/exchange/internal/gateway"
	"github.com/coinharbor/exchange/internal/ledger"
	"github.com/coinharbor/exchange/internal/recorder"
	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/models"
)

var currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)

// DepositIntent is returned to the client to complete a gateway payment.
type DepositIntent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Gateway       string    `json:"gateway"`
	GatewayID     string    `json:"gateway_id"`
	ClientHandle  string    `json:"client_handle"`
}

// Service implements wallet provisioning and fiat/crypto funding flows.
type Service struct {
	logger      *zap.Logger
	db          *gorm.DB
	ledger      *ledger.Service
	recorder    *recorder.Service
	provisioner custody.Provisioner
	gateways    map[string]gateway.Client
}

// NewService creates a new wallet service. gateways maps gateway names to
// their clients; unknown names are rejected at deposit time.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, recorderSvc *recorder.Service, provisioner custody.Provisioner, gateways map[string]gateway.Client) *Service {
	if gateways == nil {
		gateways = map[string]gateway.Client{}
	}
	return &Service{
		logger:      logger,
		db:          db,
		ledger:      ledgerSvc,
		recorder:    recorderSvc,
		provisioner: provisioner,
		gateways:    gateways,
	}
}

// CreateFiatWallet creates a zero-balance wallet for one ISO currency code.
// A second wallet for the same (user, currency) is rejected.
func (s *Service) CreateFiatWallet(ctx context.Context, userID uuid.UUID, currency string) (*models.FiatWallet, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !currencyCodeRe.MatchString(currency) {
		return nil, fmt.Errorf("currency must be a 3-letter code: %w", apperr.ErrInvalidOrder)
	}

	w := &models.FiatWallet{
		ID:       uuid.New(),
		UserID:   userID,
		Currency: currency,
		Balance:  decimal.Zero,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.FiatWallet{}).
			Where("user_id = ? AND currency = ?", userID, currency).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check fiat wallet: %w", err)
		}
		if count > 0 {
			return apperr.ErrDuplicateWallet
		}
		if err := tx.Create(w).Error; err != nil {
			// A concurrent create for the same (user, currency) can slip past
			// the count; the unique index is the backstop.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.ErrDuplicateWallet
			}
			return fmt.Errorf("failed to create fiat wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("fiat wallet created",
		zap.String("userID", userID.String()),
		zap.String("currency", currency))
	return w, nil
}

// CreateCryptoWallet provisions a custodial wallet for one coin. The vault
// account is created on first use and remembered on the user; the deposit
// address comes from the custody provider. A second wallet for the same
// (user, coin) is rejected, as is an address already bound to any wallet.
func (s *Service) CreateCryptoWallet(ctx context.Context, userID uuid.UUID, coinName string) (*models.CryptoWallet, error) {
	coinName = strings.ToUpper(strings.TrimSpace(coinName))
	if coinName == "" {
		return nil, fmt.Errorf("coin name is required: %w", apperr.ErrInvalidOrder)
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	// Cheap pre-check before talking to the provider.
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.CryptoWallet{}).
		Where("user_id = ? AND coin_name = ?", userID, coinName).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check crypto wallet: %w", err)
	}
	if count > 0 {
		return nil, apperr.ErrDuplicateWallet
	}

	vaultID := user.VaultAccountID
	if vaultID == "" {
		var err error
		vaultID, err = s.provisioner.GetOrCreateVaultAccount(ctx, userID.String())
		if err != nil {
			return nil, err
		}
	}

	address, err := s.provisioner.GetOrCreateDepositAddress(ctx, vaultID, assetID(coinName))
	if err != nil {
		return nil, err
	}

	w := &models.CryptoWallet{
		ID:             uuid.New(),
		UserID:         userID,
		CoinName:       coinName,
		WalletAddress:  address,
		VaultAccountID: vaultID,
		Balance:        decimal.Zero,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.CryptoWallet{}).
			Where("user_id = ? AND coin_name = ?", userID, coinName).
			Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check crypto wallet: %w", err)
		}
		if n > 0 {
			return apperr.ErrDuplicateWallet
		}
		if err := tx.Model(&models.CryptoWallet{}).
			Where("wallet_address = ?", address).
			Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check wallet address: %w", err)
		}
		if n > 0 {
			return apperr.ErrDuplicateAddress
		}
		if err := tx.Create(w).Error; err != nil {
			return fmt.Errorf("failed to create crypto wallet: %w", err)
		}
		if user.VaultAccountID == "" {
			if err := tx.Model(&models.User{}).
				Where("id = ?", userID).
				Update("vault_account_id", vaultID).Error; err != nil {
				return fmt.Errorf("failed to save vault account: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		// A concurrent create can slip past both counts; the unique indexes
		// are the backstop. Which one fired decides the sentinel.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var n int64
			if cerr := s.db.WithContext(ctx).Model(&models.CryptoWallet{}).
				Where("wallet_address = ?", address).
				Count(&n).Error; cerr == nil && n > 0 {
				return nil, apperr.ErrDuplicateAddress
			}
			return nil, apperr.ErrDuplicateWallet
		}
		return nil, err
	}
	s.logger.Info("crypto wallet created",
		zap.String("userID", userID.String()),
		zap.String("coin", coinName),
		zap.String("vaultAccountID", vaultID))
	return w, nil
}

// ListFiatWallets returns all fiat wallets owned by the user.
func (s *Service) ListFiatWallets(ctx context.Context, userID uuid.UUID) ([]*models.FiatWallet, error) {
	var ws []*models.FiatWallet
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&ws).Error; err != nil {
		return nil, fmt.Errorf("failed to list fiat wallets: %w", err)
	}
	return ws, nil
}

// ListCryptoWallets returns all crypto wallets owned by the user.
func (s *Service) ListCryptoWallets(ctx context.Context, userID uuid.UUID) ([]*models.CryptoWallet, error) {
	var ws []*models.CryptoWallet
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&ws).Error; err != nil {
		return nil, fmt.Errorf("failed to list crypto wallets: %w", err)
	}
	return ws, nil
}

// SupportedAssets lists the assets the custody provider can provision
// wallets for.
func (s *Service) SupportedAssets(ctx context.Context) ([]custody.Asset, error) {
	return s.provisioner.SupportedAssets(ctx)
}

// Transactions returns the user's transaction history, newest first.
func (s *Service) Transactions(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	return s.recorder.List(ctx, userID)
}

// InitiateDeposit creates a payment intent with the named gateway and records
// a pending deposit keyed by the gateway's id. The balance is only credited
// when the gateway's webhook confirms the payment.
func (s *Service) InitiateDeposit(ctx context.Context, userID uuid.UUID, gatewayName, currency string, amount decimal.Decimal) (*DepositIntent, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive: %w", apperr.ErrInvalidOrder)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !currencyCodeRe.MatchString(currency) {
		return nil, fmt.Errorf("currency must be a 3-letter code: %w", apperr.ErrInvalidOrder)
	}
	client, ok := s.gateways[gatewayName]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q: %w", gatewayName, apperr.ErrInvalidOrder)
	}

	intent, err := client.CreateIntent(ctx, userID, amount, currency)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		UserID:    userID,
		Amount:    amount,
		Currency:  currency,
		Type:      models.TxTypeDeposit,
		Status:    models.TxStatusPending,
		Gateway:   client.Name(),
		GatewayID: intent.GatewayID,
	}
	if err := s.recorder.Record(ctx, txn); err != nil {
		return nil, err
	}
	s.logger.Info("deposit initiated",
		zap.String("userID", userID.String()),
		zap.String("gateway", client.Name()),
		zap.String("gatewayID", intent.GatewayID),
		zap.String("amount", amount.String()))
	return &DepositIntent{
		TransactionID: txn.ID,
		Gateway:       client.Name(),
		GatewayID:     intent.GatewayID,
		ClientHandle:  intent.ClientHandle,
	}, nil
}

// ConfirmDeposit finalizes a pending deposit after its gateway webhook was
// verified. On success the user's fiat wallet for the deposit currency is
// credited, created on the fly when missing; the credit and the status flip
// commit together. Replayed callbacks are silent no-ops.
func (s *Service) ConfirmDeposit(ctx context.Context, gatewayID string, succeeded bool) error {
	status := models.TxStatusSuccess
	if !succeeded {
		status = models.TxStatusFailed
	}
	return s.recorder.FinalizeByGatewayID(ctx, gatewayID, status, func(tx *gorm.DB, txn *models.Transaction) error {
		if txn.Status != models.TxStatusSuccess {
			// Nothing was credited yet; the record just flips to failed.
			return nil
		}
		w, err := s.fiatWalletForTx(tx, txn.UserID, txn.Currency)
		if err != nil {
			return err
		}
		return s.ledger.ApplyDeltaTx(tx, ledger.Delta{
			Kind:     ledger.KindFiat,
			WalletID: w.ID,
			UserID:   txn.UserID,
			Amount:   txn.Amount,
		})
	})
}

// Withdraw debits a fiat wallet and records a pending bank payout. The debit
// and the record commit together, so a failed debit leaves no record and a
// failed record restores the balance. Withdrawals require completed KYC.
func (s *Service) Withdraw(ctx context.Context, userID, fiatWalletID uuid.UUID, amount decimal.Decimal) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("withdrawal amount must be positive: %w", apperr.ErrInvalidOrder)
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if !user.KYCCompleted {
		return nil, apperr.ErrKYCRequired
	}

	w, err := s.ledger.FiatWallet(ctx, userID, fiatWalletID)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		UserID:    userID,
		Amount:    amount.Neg(),
		Currency:  w.Currency,
		Type:      models.TxTypeWithdraw,
		Status:    models.TxStatusPending,
		Gateway:   models.GatewayBank,
		GatewayID: fmt.Sprintf("bank_%d", time.Now().UnixNano()),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.ApplyDeltaTx(tx, ledger.Delta{
			Kind:     ledger.KindFiat,
			WalletID: w.ID,
			UserID:   userID,
			Amount:   amount.Neg(),
		}); err != nil {
			return err
		}
		return s.recorder.RecordTx(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal initiated",
		zap.String("userID", userID.String()),
		zap.String("gatewayID", txn.GatewayID),
		zap.String("amount", amount.String()))
	return txn, nil
}

// ConfirmWithdrawal finalizes a pending bank payout. The debit already
// happened at initiation; a failed payout refunds it in the same commit as
// the status flip.
func (s *Service) ConfirmWithdrawal(ctx context.Context, gatewayID string, succeeded bool) error {
	status := models.TxStatusSuccess
	if !succeeded {
		status = models.TxStatusFailed
	}
	return s.recorder.FinalizeByGatewayID(ctx, gatewayID, status, func(tx *gorm.DB, txn *models.Transaction) error {
		if txn.Status == models.TxStatusSuccess {
			// The debit already happened at initiation.
			return nil
		}
		// Returned payout: credit the debit back. txn.Amount is negative.
		w, err := s.fiatWalletForTx(tx, txn.UserID, txn.Currency)
		if err != nil {
			return err
		}
		return s.ledger.ApplyDeltaTx(tx, ledger.Delta{
			Kind:     ledger.KindFiat,
			WalletID: w.ID,
			UserID:   txn.UserID,
			Amount:   txn.Amount.Neg(),
		})
	})
}

// CreditCryptoDeposit credits an on-chain deposit to the wallet owning the
// destination address and records it as a settled deposit, atomically. The
// chain transaction hash is the idempotency key.
func (s *Service) CreditCryptoDeposit(ctx context.Context, walletAddress, txHash string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive: %w", apperr.ErrInvalidOrder)
	}

	var w models.CryptoWallet
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", walletAddress).First(&w).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperr.ErrWalletNotFound
		}
		return fmt.Errorf("failed to find crypto wallet: %w", err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Transaction{}).
			Where("gateway_id = ?", txHash).
			Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check deposit: %w", err)
		}
		if n > 0 {
			s.logger.Debug("crypto deposit already credited", zap.String("txHash", txHash))
			return nil
		}
		if err := s.ledger.ApplyDeltaTx(tx, ledger.Delta{
			Kind:     ledger.KindCrypto,
			WalletID: w.ID,
			UserID:   w.UserID,
			Amount:   amount,
		}); err != nil {
			return err
		}
		return s.recorder.RecordTx(tx, &models.Transaction{
			UserID:        w.UserID,
			Amount:        amount,
			Currency:      w.CoinName,
			Type:          models.TxTypeDeposit,
			Status:        models.TxStatusSuccess,
			Gateway:       models.GatewayInternal,
			GatewayID:     txHash,
			WalletAddress: walletAddress,
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent delivery of the same hash won the insert; its credit
		// stands and this one rolled back.
		s.logger.Debug("crypto deposit already credited", zap.String("txHash", txHash))
		return nil
	}
	return err
}

// fiatWalletForTx finds the user's wallet for a currency inside tx, creating
// a zero-balance one when the user has none yet.
func (s *Service) fiatWalletForTx(tx *gorm.DB, userID uuid.UUID, currency string) (*models.FiatWallet, error) {
	var w models.FiatWallet
	err := tx.Where("user_id = ? AND currency = ?", userID, currency).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to find fiat wallet: %w", err)
	}
	w = models.FiatWallet{
		ID:       uuid.New(),
		UserID:   userID,
		Currency: currency,
		Balance:  decimal.Zero,
	}
	if err := tx.Create(&w).Error; err != nil {
		return nil, fmt.Errorf("failed to create fiat wallet: %w", err)
	}
	return &w, nil
}

// assetID maps a trading pair or coin name to the custody provider's asset
// id: the base symbol before any "-" separator.
func assetID(coinName string) string {
	base, _, _ := strings.Cut(coinName, "-")
	return strings.ToUpper(base)
}
