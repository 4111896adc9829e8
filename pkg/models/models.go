package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order types.
const (
	OrderTypeMarket   = "Market"
	OrderTypeLimit    = "Limit"
	OrderTypeStopLoss = "Stop-Loss"
)

// Order sides.
const (
	OrderSideBuy  = "Buy"
	OrderSideSell = "Sell"
)

// Order statuses. Filled and Cancelled are terminal.
const (
	OrderStatusOpen      = "Open"
	OrderStatusFilled    = "Filled"
	OrderStatusCancelled = "Cancelled"
)

// Transaction types.
const (
	TxTypeDeposit  = "deposit"
	TxTypeWithdraw = "withdraw"
	TxTypeBuy      = "buy"
	TxTypeSell     = "sell"
	TxTypeTransfer = "transfer"
)

// Transaction statuses.
const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

// Gateways.
const (
	GatewayStripe   = "stripe"
	GatewayRazorpay = "razorpay"
	GatewayBank     = "bank"
	GatewayInternal = "internal"
)

// User represents a user in the system. Authentication and KYC capture are
// owned elsewhere; the exchange core reads the KYC completion flag and the
// custodial vault account id.
type User struct {
	ID             uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email          string    `json:"email" gorm:"uniqueIndex"`
	KYCCompleted   bool      `json:"kyc_completed"`
	KYCDocument    string    `json:"-" gorm:"type:text"` // opaque KYC sub-document, never inspected here
	VaultAccountID string    `json:"vault_account_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FiatWallet holds a user's balance in one fiat currency. One wallet per
// (user, currency); wallets are never deleted. Balance is mutated only
// through the ledger.
type FiatWallet struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index;uniqueIndex:idx_fiat_user_currency"`
	Currency  string          `json:"currency" gorm:"size:3;uniqueIndex:idx_fiat_user_currency"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:numeric"`
	Version   int64           `json:"-"` // optimistic concurrency token
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CryptoWallet holds a user's balance for one coin, backed by a custodial
// deposit address. One wallet per (user, coin); an address is never assigned
// to more than one wallet. Balance is mutated only through the ledger.
type CryptoWallet struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;index;uniqueIndex:idx_crypto_user_coin"`
	CoinName       string          `json:"coin_name" gorm:"uniqueIndex:idx_crypto_user_coin"`
	WalletAddress  string          `json:"wallet_address" gorm:"uniqueIndex"`
	VaultAccountID string          `json:"vault_account_id"`
	Balance        decimal.Decimal `json:"balance" gorm:"type:numeric"`
	Version        int64           `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transaction is an immutable, append-only record of a balance-affecting
// event. GatewayID is the idempotency key for external callbacks; status is
// the only field that ever changes, and only pending -> success|failed.
type Transaction struct {
	ID            uuid.UUID           `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID           `json:"user_id" gorm:"type:uuid;index"`
	Amount        decimal.Decimal     `json:"amount" gorm:"type:numeric"`
	Currency      string              `json:"currency"`
	Type          string              `json:"type"`   // deposit, withdraw, buy, sell, transfer
	Status        string              `json:"status"` // pending, success, failed
	Gateway       string              `json:"gateway"`
	GatewayID     string              `json:"gateway_id" gorm:"uniqueIndex"`
	WalletAddress string              `json:"wallet_address,omitempty"`
	FiatAmount    decimal.NullDecimal `json:"fiat_amount,omitempty" gorm:"type:numeric"`
	FiatCurrency  string              `json:"fiat_currency,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Order is a spot trade order. Market orders fill synchronously at placement;
// Limit and Stop-Loss orders rest Open until the matching sweep triggers a
// fill or the user cancels. Terminal orders are never mutated again.
type Order struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	CoinName  string          `json:"coin_name"`
	OrderType string          `json:"order_type"` // Market, Limit, Stop-Loss
	Side      string          `json:"side"`       // Buy, Sell
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric"`
	Price     decimal.Decimal `json:"price" gorm:"type:numeric"`      // limit price; execution price once Filled
	StopPrice decimal.Decimal `json:"stop_price" gorm:"type:numeric"` // Stop-Loss only
	Status    string          `json:"status" gorm:"index"`            // Open, Filled, Cancelled
	// Wallets the order settles against, captured at placement.
	CryptoWalletID uuid.UUID  `json:"crypto_wallet_id" gorm:"type:uuid"`
	FiatWalletID   uuid.UUID  `json:"fiat_wallet_id" gorm:"type:uuid"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}
