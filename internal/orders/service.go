// Package orders implements the order lifecycle: placement, cancellation,
// settlement, and the deferred matching sweep for resting orders.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinharbor/exchange/internal/ledger"
	"github.com/coinharbor/exchange/internal/pricing"
	"github.com/coinharbor/exchange/internal/recorder"
	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/metrics"
	"github.com/coinharbor/exchange/pkg/models"
)

// PlaceOrderRequest carries the parameters for a new order.
type PlaceOrderRequest struct {
	CryptoWalletID uuid.UUID
	FiatWalletID   uuid.UUID
	CoinName       string
	OrderType      string
	Side           string
	Amount         decimal.Decimal
	Price          decimal.Decimal
	StopPrice      decimal.Decimal
}

// FillPublisher receives settled orders after commit. Implementations must
// not fail the settlement; delivery is best-effort.
type FillPublisher interface {
	PublishFill(ctx context.Context, order *models.Order, txn *models.Transaction)
}

// maxSettleRetries bounds re-runs of a settlement transaction that lost an
// optimistic-concurrency race in the ledger.
const maxSettleRetries = 5

// Service implements the order engine.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	ledger    *ledger.Service
	recorder  *recorder.Service
	oracle    pricing.Oracle
	publisher FillPublisher // optional
}

// NewService creates a new order engine.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, recorderSvc *recorder.Service, oracle pricing.Oracle, publisher FillPublisher) *Service {
	return &Service{
		logger:    logger,
		db:        db,
		ledger:    ledgerSvc,
		recorder:  recorderSvc,
		oracle:    oracle,
		publisher: publisher,
	}
}

// PlaceOrder validates and accepts an order. Market orders settle
// synchronously and return Filled; Limit and Stop-Loss orders are persisted
// Open for the matching sweep and return immediately.
func (s *Service) PlaceOrder(ctx context.Context, userID uuid.UUID, req PlaceOrderRequest) (*models.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	cryptoWallet, err := s.ledger.CryptoWallet(ctx, userID, req.CryptoWalletID)
	if err != nil {
		return nil, err
	}
	fiatWallet, err := s.ledger.FiatWallet(ctx, userID, req.FiatWalletID)
	if err != nil {
		return nil, err
	}

	// Reference price for the buy-side balance pre-check. Market orders use
	// the live quote, which also becomes the execution price; resting orders
	// use their limit price. Funds are re-validated inside settlement either
	// way, so a stale quote can only cause a clean late rejection.
	var quote decimal.Decimal
	if req.OrderType == models.OrderTypeMarket {
		quote, err = s.oracle.GetPrice(ctx, req.CoinName)
		if err != nil {
			return nil, err
		}
	}

	if req.Side == models.OrderSideBuy {
		refPrice := quote
		if req.OrderType != models.OrderTypeMarket {
			refPrice = req.Price
		}
		if fiatWallet.Balance.LessThan(req.Amount.Mul(refPrice)) {
			return nil, fmt.Errorf("fiat balance too low for buy order: %w", apperr.ErrInsufficientFunds)
		}
	} else {
		if cryptoWallet.Balance.LessThan(req.Amount) {
			return nil, fmt.Errorf("crypto balance too low for sell order: %w", apperr.ErrInsufficientFunds)
		}
	}

	now := time.Now()
	order := &models.Order{
		ID:             uuid.New(),
		UserID:         userID,
		CoinName:       req.CoinName,
		OrderType:      req.OrderType,
		Side:           req.Side,
		Amount:         req.Amount,
		Price:          req.Price,
		StopPrice:      req.StopPrice,
		Status:         models.OrderStatusOpen,
		CryptoWalletID: cryptoWallet.ID,
		FiatWalletID:   fiatWallet.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.OrderType == models.OrderTypeMarket {
		// Create and settle in one atomic unit: a failed settlement leaves
		// no trace of the order.
		var txn *models.Transaction
		err = s.withSettleRetry(func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := tx.Create(order).Error; err != nil {
					return fmt.Errorf("failed to create order: %w", err)
				}
				var serr error
				txn, serr = s.settleTx(tx, order, quote)
				return serr
			})
		})
		if err != nil {
			return nil, err
		}
		metrics.OrdersPlaced.WithLabelValues(order.OrderType, order.Side).Inc()
		metrics.OrdersFilled.WithLabelValues(order.OrderType).Inc()
		if s.publisher != nil {
			s.publisher.PublishFill(ctx, order, txn)
		}
		s.logger.Info("market order filled",
			zap.String("orderID", order.ID.String()),
			zap.String("side", order.Side),
			zap.String("pair", order.CoinName),
			zap.String("price", quote.String()))
		return order, nil
	}

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(order.OrderType, order.Side).Inc()
	s.logger.Info("resting order placed",
		zap.String("orderID", order.ID.String()),
		zap.String("type", order.OrderType),
		zap.String("side", order.Side),
		zap.String("pair", order.CoinName))
	return order, nil
}

// CancelOrder transitions an Open order to Cancelled. The update is guarded
// on the Open status, so a cancel racing a fill cannot both win.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return nil, fmt.Errorf("order is %s: %w", order.Status, apperr.ErrInvalidState)
	}

	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderStatusOpen).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Filled (or cancelled) in the meantime.
		return nil, fmt.Errorf("order no longer open: %w", apperr.ErrInvalidState)
	}

	metrics.OrdersCancelled.Inc()
	order.Status = models.OrderStatusCancelled
	s.logger.Info("order cancelled", zap.String("orderID", orderID.String()))
	return order, nil
}

// GetOrder loads an order and checks ownership.
func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if order.UserID != userID {
		return nil, apperr.ErrUnauthorized
	}
	return &order, nil
}

// ListOrders returns a user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID) ([]*models.Order, error) {
	var out []*models.Order
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return out, nil
}

// Settle executes a resting order at execPrice. The whole unit is one
// database transaction: balance deltas, the success transaction record, and
// the Open->Filled transition commit together or not at all. A second
// settlement attempt for the same order observes ErrInvalidState.
func (s *Service) Settle(ctx context.Context, orderID uuid.UUID, execPrice decimal.Decimal) (*models.Order, error) {
	var (
		order models.Order
		txn   *models.Transaction
	)
	err := s.withSettleRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("id = ?", orderID).First(&order).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return apperr.ErrNotFound
				}
				return fmt.Errorf("failed to find order: %w", err)
			}
			if order.Status != models.OrderStatusOpen {
				return fmt.Errorf("order is %s: %w", order.Status, apperr.ErrInvalidState)
			}
			var serr error
			txn, serr = s.settleTx(tx, &order, execPrice)
			return serr
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersFilled.WithLabelValues(order.OrderType).Inc()
	if s.publisher != nil {
		s.publisher.PublishFill(ctx, &order, txn)
	}
	s.logger.Info("resting order filled",
		zap.String("orderID", order.ID.String()),
		zap.String("type", order.OrderType),
		zap.String("side", order.Side),
		zap.String("price", execPrice.String()))
	return &order, nil
}

// settleTx performs the settlement steps against an Open order inside the
// caller's transaction and mutates order to its Filled state on success.
func (s *Service) settleTx(tx *gorm.DB, order *models.Order, execPrice decimal.Decimal) (*models.Transaction, error) {
	var cryptoWallet models.CryptoWallet
	if err := tx.Where("id = ?", order.CryptoWalletID).First(&cryptoWallet).Error; err != nil {
		return nil, fmt.Errorf("failed to find crypto wallet: %w", err)
	}
	var fiatWallet models.FiatWallet
	if err := tx.Where("id = ?", order.FiatWalletID).First(&fiatWallet).Error; err != nil {
		return nil, fmt.Errorf("failed to find fiat wallet: %w", err)
	}

	fiatAmount := order.Amount.Mul(execPrice)

	var deltas []ledger.Delta
	if order.Side == models.OrderSideBuy {
		deltas = []ledger.Delta{
			{Kind: ledger.KindFiat, WalletID: fiatWallet.ID, UserID: order.UserID, Amount: fiatAmount.Neg()},
			{Kind: ledger.KindCrypto, WalletID: cryptoWallet.ID, UserID: order.UserID, Amount: order.Amount},
		}
	} else {
		deltas = []ledger.Delta{
			{Kind: ledger.KindCrypto, WalletID: cryptoWallet.ID, UserID: order.UserID, Amount: order.Amount.Neg()},
			{Kind: ledger.KindFiat, WalletID: fiatWallet.ID, UserID: order.UserID, Amount: fiatAmount},
		}
	}
	if err := s.ledger.ApplyMultipleTx(tx, deltas); err != nil {
		return nil, err
	}

	now := time.Now()
	txn := &models.Transaction{
		UserID:        order.UserID,
		Amount:        order.Amount,
		Currency:      order.CoinName,
		Type:          strings.ToLower(order.Side),
		Status:        models.TxStatusSuccess,
		Gateway:       models.GatewayInternal,
		GatewayID:     fmt.Sprintf("order_%s_%d", order.ID, now.UnixNano()),
		WalletAddress: cryptoWallet.WalletAddress,
		FiatAmount:    decimal.NewNullDecimal(fiatAmount),
		FiatCurrency:  fiatWallet.Currency,
	}
	if err := s.recorder.RecordTx(tx, txn); err != nil {
		return nil, err
	}

	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, models.OrderStatusOpen).
		Updates(map[string]interface{}{
			"price":       execPrice,
			"status":      models.OrderStatusFilled,
			"executed_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to fill order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("order no longer open: %w", apperr.ErrInvalidState)
	}

	order.Price = execPrice
	order.Status = models.OrderStatusFilled
	order.ExecutedAt = &now
	order.UpdatedAt = now
	return txn, nil
}

// withSettleRetry re-runs a settlement transaction that rolled back on a
// ledger concurrency conflict.
func (s *Service) withSettleRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxSettleRetries; attempt++ {
		err = fn()
		if err == nil || !apperr.Is(err, apperr.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return err
}

func validateRequest(req PlaceOrderRequest) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive: %w", apperr.ErrInvalidOrder)
	}
	if req.CoinName == "" {
		return fmt.Errorf("coin name is required: %w", apperr.ErrInvalidOrder)
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return fmt.Errorf("unknown side %q: %w", req.Side, apperr.ErrInvalidOrder)
	}
	switch req.OrderType {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return fmt.Errorf("price is required for limit orders: %w", apperr.ErrInvalidOrder)
		}
	case models.OrderTypeStopLoss:
		if !req.Price.IsPositive() || !req.StopPrice.IsPositive() {
			return fmt.Errorf("price and stop price are required for stop-loss orders: %w", apperr.ErrInvalidOrder)
		}
		// Stop-loss buys have no defined trigger; reject rather than strand
		// an order that can never fill.
		if req.Side == models.OrderSideBuy {
			return fmt.Errorf("stop-loss buy orders are not supported: %w", apperr.ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("unknown order type %q: %w", req.OrderType, apperr.ErrInvalidOrder)
	}
	return nil
}
