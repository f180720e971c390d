package repo

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fintrackhq/ledger-service/internal/logger"
	"github.com/fintrackhq/ledger-service/internal/model"
)

// Two writers holding the same wallet snapshot: the version check must let
// exactly one through, so a stale read can never overwrite a newer balance.
func TestUpdateWalletBalance_ConcurrentVersionConflict(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:lock_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}))

	require.NoError(t, db.Create(&model.Wallet{
		ID: 1, UserID: 1, Name: "race", Currency: "USD",
		OpeningBalanceUSD: decimal.NewFromInt(100),
		BalanceUSD:        decimal.NewFromInt(100),
	}).Error)

	log, err := logger.NewLogger("error")
	require.NoError(t, err)
	r := NewRepository(db, nil, &kafka.Writer{}, log)

	ctx := context.Background()

	// both writers observe the same version, as two racing transactions would
	w, err := r.GetWallet(ctx, db, 1, 1)
	require.NoError(t, err)

	err = r.UpdateWalletBalance(ctx, db, 1, w.BalanceUSD.Add(decimal.NewFromInt(10)), w.Version)
	require.NoError(t, err)

	err = r.UpdateWalletBalance(ctx, db, 1, w.BalanceUSD.Add(decimal.NewFromInt(10)), w.Version)
	assert.ErrorIs(t, err, ErrStaleWallet)

	var final model.Wallet
	require.NoError(t, db.First(&final, 1).Error)
	assert.True(t, final.BalanceUSD.Equal(decimal.NewFromInt(110)),
		"exactly one update should land, got %s", final.BalanceUSD)
}

func TestSumEntriesByType_MissingTypesCoerceToZero(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:sum_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Entry{}))

	log, err := logger.NewLogger("error")
	require.NoError(t, err)
	r := NewRepository(db, nil, &kafka.Writer{}, log)
	ctx := context.Background()

	income, expense, err := r.SumEntriesByType(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, income.IsZero())
	assert.True(t, expense.IsZero())

	require.NoError(t, db.Create(&model.Entry{
		UserID: 1, WalletID: 1, Type: model.EntryTypeIncome,
		Amount: "500.50", Currency: "USD",
		AmountUSD: decimal.RequireFromString("500.50"),
		ReferenceID: "ref-1",
	}).Error)

	income, expense, err = r.SumEntriesByType(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "500.50", income.StringFixed(2))
	assert.True(t, expense.IsZero())
}
