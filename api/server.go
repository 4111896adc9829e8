// Package api exposes the exchange over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinharbor/exchange/internal/config"
	"github.com/coinharbor/exchange/internal/orders"
	"github.com/coinharbor/exchange/internal/pricing"
	"github.com/coinharbor/exchange/internal/wallets"
)

// Server wires the HTTP routes to the services.
type Server struct {
	logger  *zap.Logger
	cfg     *config.Config
	wallets *wallets.Service
	orders  *orders.Service
	oracle  pricing.Oracle

	engine *gin.Engine
	srv    *http.Server
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(logger *zap.Logger, cfg *config.Config, walletSvc *wallets.Service, orderSvc *orders.Service, oracle pricing.Oracle) *Server {
	gin.SetMode(gin.ReleaseMode)
	registerValidations()
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		logger:  logger,
		cfg:     cfg,
		wallets: walletSvc,
		orders:  orderSvc,
		oracle:  oracle,
		engine:  engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Webhooks authenticate by signature, not by bearer token.
	hooks := s.engine.Group("/webhooks")
	{
		hooks.POST("/stripe", s.handleStripeWebhook)
		hooks.POST("/razorpay", s.handleRazorpayWebhook)
		hooks.POST("/bank", s.handleBankPayout)
		hooks.POST("/chain", s.handleChainDeposit)
	}

	v1 := s.engine.Group("/api/v1")
	v1.Use(AuthRequired(s.cfg.Auth.JWTSecret))
	{
		v1.POST("/wallets/fiat", s.handleCreateFiatWallet)
		v1.GET("/wallets/fiat", s.handleListFiatWallets)
		v1.POST("/wallets/crypto", s.handleCreateCryptoWallet)
		v1.GET("/wallets/crypto", s.handleListCryptoWallets)
		v1.GET("/transactions", s.handleListTransactions)

		v1.POST("/deposits", s.handleInitiateDeposit)
		v1.POST("/withdrawals", s.handleWithdraw)
		v1.POST("/sell", s.handleSellCrypto)

		v1.GET("/assets", s.handleListAssets)
		v1.GET("/convert", s.handleConvertQuote)

		v1.POST("/orders", s.handlePlaceOrder)
		v1.GET("/orders", s.handleListOrders)
		v1.GET("/orders/:id", s.handleGetOrder)
		v1.DELETE("/orders/:id", s.handleCancelOrder)
	}
}

// registerValidations adds the "positivedecimal" binding rule used by amount
// fields. Registration is idempotent.
func registerValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("positivedecimal", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive()
	})
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start begins serving and blocks until the listener fails.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("http server listening", zap.Int("port", s.cfg.Server.Port))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
