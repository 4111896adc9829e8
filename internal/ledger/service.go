// Package ledger owns every mutation of wallet balances. All writes go
// through guarded, versioned updates inside database transactions; no other
// component touches the balance columns.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/metrics"
	"github.com/coinharbor/exchange/pkg/models"
)

// WalletKind selects which wallet table a delta applies to.
type WalletKind string

const (
	KindFiat   WalletKind = "fiat"
	KindCrypto WalletKind = "crypto"
)

// Delta is a single signed balance change against one wallet.
type Delta struct {
	Kind     WalletKind
	WalletID uuid.UUID
	UserID   uuid.UUID
	Amount   decimal.Decimal
}

// maxRetries bounds optimistic-concurrency retries for a single apply.
const maxRetries = 5

// Service implements the balance ledger.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new ledger service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// FiatWallet loads a fiat wallet and checks ownership.
func (s *Service) FiatWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.FiatWallet, error) {
	var w models.FiatWallet
	if err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&w).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to find fiat wallet: %w", err)
	}
	if w.UserID != userID {
		return nil, apperr.ErrUnauthorized
	}
	return &w, nil
}

// CryptoWallet loads a crypto wallet and checks ownership.
func (s *Service) CryptoWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.CryptoWallet, error) {
	var w models.CryptoWallet
	if err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&w).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to find crypto wallet: %w", err)
	}
	if w.UserID != userID {
		return nil, apperr.ErrUnauthorized
	}
	return &w, nil
}

// ApplyDelta atomically adds Amount to one wallet's balance. It fails with
// ErrInsufficientFunds when the result would be negative and never loses a
// concurrent update: the write is guarded by the wallet's version and retried
// when another writer got there first.
func (s *Service) ApplyDelta(ctx context.Context, d Delta) error {
	return s.withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.ApplyDeltaTx(tx, d)
		})
	})
}

// ApplyMultiple applies a set of deltas to distinct wallets as one atomic
// unit: either all succeed or none are applied.
func (s *Service) ApplyMultiple(ctx context.Context, deltas []Delta) error {
	return s.withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.ApplyMultipleTx(tx, deltas)
		})
	})
}

// ApplyMultipleTx applies deltas inside a caller-supplied transaction, so
// settlement can combine balance changes with record and status writes in one
// atomic unit. ErrConflict must roll back and be retried by the caller.
func (s *Service) ApplyMultipleTx(tx *gorm.DB, deltas []Delta) error {
	for _, d := range deltas {
		if err := s.ApplyDeltaTx(tx, d); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDeltaTx applies one delta inside a caller-supplied transaction.
func (s *Service) ApplyDeltaTx(tx *gorm.DB, d Delta) error {
	switch d.Kind {
	case KindFiat:
		var w models.FiatWallet
		if err := tx.Where("id = ?", d.WalletID).First(&w).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.ErrWalletNotFound
			}
			return fmt.Errorf("failed to find fiat wallet: %w", err)
		}
		if w.UserID != d.UserID {
			return apperr.ErrUnauthorized
		}
		newBalance := w.Balance.Add(d.Amount)
		if newBalance.IsNegative() {
			return apperr.ErrInsufficientFunds
		}
		res := tx.Model(&models.FiatWallet{}).
			Where("id = ? AND version = ?", w.ID, w.Version).
			Updates(map[string]interface{}{
				"balance":    newBalance,
				"version":    w.Version + 1,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update fiat wallet: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.ErrConflict
		}
		return nil

	case KindCrypto:
		var w models.CryptoWallet
		if err := tx.Where("id = ?", d.WalletID).First(&w).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.ErrWalletNotFound
			}
			return fmt.Errorf("failed to find crypto wallet: %w", err)
		}
		if w.UserID != d.UserID {
			return apperr.ErrUnauthorized
		}
		newBalance := w.Balance.Add(d.Amount)
		if newBalance.IsNegative() {
			return apperr.ErrInsufficientFunds
		}
		res := tx.Model(&models.CryptoWallet{}).
			Where("id = ? AND version = ?", w.ID, w.Version).
			Updates(map[string]interface{}{
				"balance":    newBalance,
				"version":    w.Version + 1,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update crypto wallet: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.ErrConflict
		}
		return nil

	default:
		return fmt.Errorf("unknown wallet kind: %s", d.Kind)
	}
}

// withRetry re-runs fn while it loses optimistic-concurrency races.
func (s *Service) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil || !apperr.Is(err, apperr.ErrConflict) {
			return err
		}
		metrics.LedgerConflicts.Inc()
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	s.logger.Warn("ledger update exhausted retries", zap.Error(err))
	return err
}
