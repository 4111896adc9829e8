// Package recorder appends immutable transaction records and provides the
// idempotent finalize path used by gateway callbacks.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/models"
)

// Service implements the transaction recorder.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new recorder service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// Record appends a transaction in its own database transaction. Callers that
// pair the record with a balance effect must use RecordTx inside the same
// transaction instead.
func (s *Service) Record(ctx context.Context, txn *models.Transaction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.RecordTx(tx, txn)
	})
}

// RecordTx appends a transaction inside a caller-supplied transaction.
func (s *Service) RecordTx(tx *gorm.DB, txn *models.Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.Status == "" {
		txn.Status = models.TxStatusPending
	}
	switch txn.Status {
	case models.TxStatusPending, models.TxStatusSuccess, models.TxStatusFailed:
	default:
		return fmt.Errorf("invalid transaction status: %s", txn.Status)
	}
	now := time.Now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = now
	if err := tx.Create(txn).Error; err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// FinalizeByGatewayID transitions a pending transaction to a terminal status
// and runs apply (the balance effect) in the same database transaction. apply
// sees the transaction with its terminal status set, so callers can credit on
// success and compensate on failure.
//
// Missing gateway id: ErrNotFound. Already terminal: silent no-op, which makes
// at-least-once webhook delivery safe. The status flip is guarded on the
// pending state, so two concurrent deliveries cannot both apply the effect.
func (s *Service) FinalizeByGatewayID(ctx context.Context, gatewayID, newStatus string, apply func(tx *gorm.DB, txn *models.Transaction) error) error {
	if newStatus != models.TxStatusSuccess && newStatus != models.TxStatusFailed {
		return fmt.Errorf("invalid terminal status: %s", newStatus)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		if err := tx.Where("gateway_id = ?", gatewayID).First(&txn).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.ErrNotFound
			}
			return fmt.Errorf("failed to find transaction: %w", err)
		}

		if txn.Status != models.TxStatusPending {
			// Duplicate delivery; the first one already settled it.
			s.logger.Debug("transaction already finalized",
				zap.String("gatewayID", gatewayID),
				zap.String("status", txn.Status))
			return nil
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txn.ID, models.TxStatusPending).
			Updates(map[string]interface{}{"status": newStatus, "updated_at": time.Now()})
		if res.Error != nil {
			return fmt.Errorf("failed to finalize transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to a concurrent delivery.
			return nil
		}

		if apply != nil {
			txn.Status = newStatus
			if err := apply(tx, &txn); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns a user's transactions, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	var txns []*models.Transaction
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}
