package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinharbor/exchange/internal/gateway"
	"github.com/coinharbor/exchange/internal/orders"
	apperr "github.com/coinharbor/exchange/pkg/errors"
	"github.com/coinharbor/exchange/pkg/metrics"
	"github.com/coinharbor/exchange/pkg/models"
)

// respondError maps service sentinels onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.Is(err, apperr.ErrUnauthorized):
		status = http.StatusForbidden
	case apperr.Is(err, apperr.ErrNotFound), apperr.Is(err, apperr.ErrWalletNotFound):
		status = http.StatusNotFound
	case apperr.Is(err, apperr.ErrInvalidOrder), apperr.Is(err, apperr.ErrInvalidState):
		status = http.StatusBadRequest
	case apperr.Is(err, apperr.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case apperr.Is(err, apperr.ErrDuplicateWallet), apperr.Is(err, apperr.ErrDuplicateAddress):
		status = http.StatusConflict
	case apperr.Is(err, apperr.ErrKYCRequired):
		status = http.StatusForbidden
	case apperr.Is(err, apperr.ErrPriceUnavailable), apperr.Is(err, apperr.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
	case apperr.Is(err, apperr.ErrAssetDeprecated):
		status = http.StatusBadRequest
	case apperr.Is(err, apperr.ErrWebhookSignature):
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type createFiatWalletRequest struct {
	Currency string `json:"currency" binding:"required,len=3"`
}

func (s *Server) handleCreateFiatWallet(c *gin.Context) {
	var req createFiatWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.wallets.CreateFiatWallet(c.Request.Context(), currentUserID(c), req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleListFiatWallets(c *gin.Context) {
	ws, err := s.wallets.ListFiatWallets(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": ws})
}

type createCryptoWalletRequest struct {
	CoinName string `json:"coin_name" binding:"required"`
}

func (s *Server) handleCreateCryptoWallet(c *gin.Context) {
	var req createCryptoWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.wallets.CreateCryptoWallet(c.Request.Context(), currentUserID(c), req.CoinName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleListCryptoWallets(c *gin.Context) {
	ws, err := s.wallets.ListCryptoWallets(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": ws})
}

func (s *Server) handleListTransactions(c *gin.Context) {
	txns, err := s.wallets.Transactions(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

type initiateDepositRequest struct {
	Gateway  string          `json:"gateway" binding:"required,oneof=stripe razorpay"`
	Currency string          `json:"currency" binding:"required,len=3"`
	Amount   decimal.Decimal `json:"amount" binding:"required,positivedecimal"`
}

func (s *Server) handleInitiateDeposit(c *gin.Context) {
	var req initiateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent, err := s.wallets.InitiateDeposit(c.Request.Context(), currentUserID(c), req.Gateway, req.Currency, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

type withdrawRequest struct {
	FiatWalletID uuid.UUID       `json:"fiat_wallet_id" binding:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required,positivedecimal"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	txn, err := s.wallets.Withdraw(c.Request.Context(), currentUserID(c), req.FiatWalletID, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

type sellCryptoRequest struct {
	CryptoWalletID uuid.UUID       `json:"crypto_wallet_id" binding:"required"`
	FiatWalletID   uuid.UUID       `json:"fiat_wallet_id" binding:"required"`
	CoinName       string          `json:"coin_name" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required,positivedecimal"`
}

// handleSellCrypto is the market-sell shortcut: it places a Market Sell
// through the order engine and settles synchronously.
func (s *Server) handleSellCrypto(c *gin.Context) {
	var req sellCryptoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.orders.PlaceOrder(c.Request.Context(), currentUserID(c), orders.PlaceOrderRequest{
		CryptoWalletID: req.CryptoWalletID,
		FiatWalletID:   req.FiatWalletID,
		CoinName:       req.CoinName,
		OrderType:      models.OrderTypeMarket,
		Side:           models.OrderSideSell,
		Amount:         req.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleListAssets(c *gin.Context) {
	assets, err := s.wallets.SupportedAssets(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// handleConvertQuote prices a coin amount in USD at the current market rate.
func (s *Server) handleConvertQuote(c *gin.Context) {
	coinName := c.Query("coin_name")
	if coinName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coin_name is required"})
		return
	}
	amount, err := decimal.NewFromString(c.DefaultQuery("amount", "1"))
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive number"})
		return
	}
	price, err := s.oracle.GetPrice(c.Request.Context(), coinName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"coin_name": coinName,
		"amount":    amount,
		"price":     price,
		"total":     amount.Mul(price),
	})
}

type placeOrderRequest struct {
	CryptoWalletID uuid.UUID       `json:"crypto_wallet_id" binding:"required"`
	FiatWalletID   uuid.UUID       `json:"fiat_wallet_id" binding:"required"`
	CoinName       string          `json:"coin_name" binding:"required"`
	OrderType      string          `json:"order_type" binding:"required,oneof=Market Limit Stop-Loss"`
	Side           string          `json:"side" binding:"required,oneof=Buy Sell"`
	Amount         decimal.Decimal `json:"amount" binding:"required,positivedecimal"`
	Price          decimal.Decimal `json:"price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.orders.PlaceOrder(c.Request.Context(), currentUserID(c), orders.PlaceOrderRequest{
		CryptoWalletID: req.CryptoWalletID,
		FiatWalletID:   req.FiatWalletID,
		CoinName:       req.CoinName,
		OrderType:      req.OrderType,
		Side:           req.Side,
		Amount:         req.Amount,
		Price:          req.Price,
		StopPrice:      req.StopPrice,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	out, err := s.orders.ListOrders(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := s.orders.GetOrder(c.Request.Context(), currentUserID(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := s.orders.CancelOrder(c.Request.Context(), currentUserID(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// handleStripeWebhook verifies the signed payload before reading anything
// from it. Gateways deliver at least once; replays finalize an already
// terminal record, which is a no-op, so 200 is always safe after
// verification.
func (s *Server) handleStripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	sig := c.GetHeader("Stripe-Signature")
	if err := gateway.VerifyStripeSignature(payload, sig, s.cfg.Stripe.WebhookSecret, 0); err != nil {
		metrics.WebhooksRejected.WithLabelValues("stripe", "signature").Inc()
		s.logger.Warn("stripe webhook rejected", zap.Error(err))
		respondError(c, err)
		return
	}

	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	switch evt.Type {
	case "payment_intent.succeeded":
		err = s.wallets.ConfirmDeposit(c.Request.Context(), evt.Data.Object.ID, true)
	case "payment_intent.payment_failed":
		err = s.wallets.ConfirmDeposit(c.Request.Context(), evt.Data.Object.ID, false)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil && !apperr.Is(err, apperr.ErrNotFound) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				OrderID string `json:"order_id"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func (s *Server) handleRazorpayWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	sig := c.GetHeader("X-Razorpay-Signature")
	if err := gateway.VerifyRazorpaySignature(payload, sig, s.cfg.Razorpay.WebhookSecret); err != nil {
		metrics.WebhooksRejected.WithLabelValues("razorpay", "signature").Inc()
		s.logger.Warn("razorpay webhook rejected", zap.Error(err))
		respondError(c, err)
		return
	}

	var evt razorpayEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	switch evt.Event {
	case "payment.captured":
		err = s.wallets.ConfirmDeposit(c.Request.Context(), evt.Payload.Payment.Entity.OrderID, true)
	case "payment.failed":
		err = s.wallets.ConfirmDeposit(c.Request.Context(), evt.Payload.Payment.Entity.OrderID, false)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil && !apperr.Is(err, apperr.ErrNotFound) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type bankPayoutEvent struct {
	GatewayID string `json:"gateway_id" binding:"required"`
	Status    string `json:"status" binding:"required,oneof=settled returned"`
}

// handleBankPayout finalizes a pending withdrawal when the payout processor
// reports the transfer settled or returned. A returned payout refunds the
// debit in the same commit as the status flip.
func (s *Server) handleBankPayout(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	sig := c.GetHeader("X-Bank-Signature")
	if err := gateway.VerifyBankSignature(payload, sig, s.cfg.Bank.WebhookSecret); err != nil {
		metrics.WebhooksRejected.WithLabelValues("bank", "signature").Inc()
		s.logger.Warn("bank payout webhook rejected", zap.Error(err))
		respondError(c, err)
		return
	}

	var evt bankPayoutEvent
	if err := json.Unmarshal(payload, &evt); err != nil || evt.GatewayID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	switch evt.Status {
	case "settled":
		err = s.wallets.ConfirmWithdrawal(c.Request.Context(), evt.GatewayID, true)
	case "returned":
		err = s.wallets.ConfirmWithdrawal(c.Request.Context(), evt.GatewayID, false)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown payout status"})
		return
	}
	if err != nil && !apperr.Is(err, apperr.ErrNotFound) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type chainDepositEvent struct {
	WalletAddress string          `json:"wallet_address" binding:"required"`
	TxHash        string          `json:"tx_hash" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
}

// handleChainDeposit credits a confirmed on-chain deposit reported by the
// custody provider. The provider authenticates with the shared API key.
func (s *Server) handleChainDeposit(c *gin.Context) {
	key := c.GetHeader("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Custody.APIKey)) != 1 {
		metrics.WebhooksRejected.WithLabelValues("custody", "api_key").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	var evt chainDepositEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.wallets.CreditCryptoDeposit(c.Request.Context(), evt.WalletAddress, evt.TxHash, evt.Amount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
