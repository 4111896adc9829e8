// Package testutil provides shared test fixtures.
package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coinharbor/exchange/internal/database"
	"github.com/coinharbor/exchange/pkg/models"
)

// NewTestDB opens an isolated in-memory database with the full schema. The
// pool is pinned to one connection so every goroutine sees the same
// in-memory database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

// SeedUser inserts a user row.
func SeedUser(t *testing.T, db *gorm.DB, kycCompleted bool) *models.User {
	t.Helper()
	u := &models.User{
		ID:           uuid.New(),
		Email:        uuid.NewString() + "@example.com",
		KYCCompleted: kycCompleted,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// SeedFiatWallet inserts a fiat wallet with the given balance.
func SeedFiatWallet(t *testing.T, db *gorm.DB, userID uuid.UUID, currency string, balance decimal.Decimal) *models.FiatWallet {
	t.Helper()
	w := &models.FiatWallet{
		ID:       uuid.New(),
		UserID:   userID,
		Currency: currency,
		Balance:  balance,
	}
	require.NoError(t, db.Create(w).Error)
	return w
}

// SeedCryptoWallet inserts a crypto wallet with the given balance.
func SeedCryptoWallet(t *testing.T, db *gorm.DB, userID uuid.UUID, coinName string, balance decimal.Decimal) *models.CryptoWallet {
	t.Helper()
	w := &models.CryptoWallet{
		ID:            uuid.New(),
		UserID:        userID,
		CoinName:      coinName,
		WalletAddress: "addr_" + uuid.NewString(),
		Balance:       balance,
	}
	require.NoError(t, db.Create(w).Error)
	return w
}
