package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinharbor/exchange/internal/pricing"
	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/metrics"
	"github.com/coinharbor/exchange/pkg/models"
)

// Scheduler is the deferred matching sweep: a periodic evaluator over all
// Open Limit and Stop-Loss orders. Each cycle is independent and idempotent;
// an order that was cancelled or filled between cycles is simply skipped, and
// a failed evaluation is retried on the next cycle.
type Scheduler struct {
	logger   *zap.Logger
	db       *gorm.DB
	engine   *Service
	oracle   pricing.Oracle
	interval time.Duration

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a new matching scheduler.
func NewScheduler(logger *zap.Logger, db *gorm.DB, engine *Service, oracle pricing.Oracle, interval time.Duration) *Scheduler {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		logger:   logger,
		db:       db,
		engine:   engine,
		oracle:   oracle,
		interval: interval,
	}
}

// Start begins the sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil // Already running
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("matching scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and drains the in-flight cycle.
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil // Not running
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("matching scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates every open resting order once. Exported so tests and
// administrative tooling can drive cycles without the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	defer metrics.SchedulerCycles.Inc()

	var open []*models.Order
	if err := s.db.WithContext(ctx).
		Where("status = ? AND order_type IN ?", models.OrderStatusOpen,
			[]string{models.OrderTypeLimit, models.OrderTypeStopLoss}).
		Order("created_at ASC").
		Find(&open).Error; err != nil {
		s.logger.Error("sweep failed to list open orders", zap.Error(err))
		return
	}

	for _, order := range open {
		if ctx.Err() != nil {
			return
		}
		s.evaluate(ctx, order)
	}
}

// evaluate checks one order's trigger condition and settles it when met.
func (s *Scheduler) evaluate(ctx context.Context, order *models.Order) {
	price, err := s.oracle.GetPrice(ctx, order.CoinName)
	if err != nil {
		// Transient; the order stays Open and the next cycle retries.
		s.logger.Debug("no quote for order this cycle",
			zap.String("orderID", order.ID.String()),
			zap.String("pair", order.CoinName),
			zap.Error(err))
		return
	}

	if !shouldTrigger(order, price) {
		return
	}

	if _, err := s.engine.Settle(ctx, order.ID, price); err != nil {
		if apperr.Is(err, apperr.ErrInvalidState) {
			// Cancelled or filled since the sweep listed it.
			return
		}
		metrics.SchedulerErrors.Inc()
		s.logger.Error("failed to settle triggered order",
			zap.String("orderID", order.ID.String()),
			zap.Error(err))
	}
}

// shouldTrigger applies the trigger conditions for resting orders: a limit
// buy fires at or below its price, a limit sell at or above, and a stop-loss
// sell at or below its stop price.
func shouldTrigger(order *models.Order, marketPrice decimal.Decimal) bool {
	switch order.OrderType {
	case models.OrderTypeLimit:
		if order.Side == models.OrderSideBuy {
			return marketPrice.LessThanOrEqual(order.Price)
		}
		return marketPrice.GreaterThanOrEqual(order.Price)
	case models.OrderTypeStopLoss:
		if order.Side == models.OrderSideSell {
			return marketPrice.LessThanOrEqual(order.StopPrice)
		}
	}
	return false
}
