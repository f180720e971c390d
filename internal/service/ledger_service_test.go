package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fintrackhq/ledger-service/internal/logger"
	"github.com/fintrackhq/ledger-service/internal/model"
	"github.com/fintrackhq/ledger-service/internal/repo"
)

var testDBSeq int

func newTestService(t *testing.T) (*LedgerService, context.Context) {
	testDBSeq++
	dsn := fmt.Sprintf("file:ledger_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Entry{}, &model.OutboxEvent{}))

	// Redis mock without expectations: cache writes fail and are only
	// warned, cache reads fall through to the database.
	rdb, _ := redismock.NewClientMock()

	log, err := logger.NewLogger("error")
	require.NoError(t, err)
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	svc := NewLedgerService(repository, log, DefaultLimits())

	return svc, context.Background()
}

func newTestWallet(t *testing.T, svc *LedgerService, ctx context.Context, userID uint64, opening string) *model.Wallet {
	w, err := svc.CreateWallet(ctx, userID, "test wallet", "USD", decimal.RequireFromString(opening))
	require.NoError(t, err)
	return w
}

func purchase(walletID, userID uint64, amountUSD, desc string) PlannedOperation {
	return PlannedOperation{
		UserID:      userID,
		WalletID:    walletID,
		Amount:      amountUSD,
		Currency:    "USD",
		AmountUSD:   amountUSD,
		Description: desc,
		Date:        time.Now(),
		Source:      "planned",
	}
}

func TestRecalculate_EmptyLedgerEqualsOpening(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "1000.00")

	got, err := svc.RecalculateBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", got.StringFixed(2))
}

func TestRecalculate_SumsIncomeAndExpense(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "1000.00")

	_, err := svc.ApplyPlannedIncome(ctx, purchase(w.ID, 1, "500.50", "salary"), nil)
	require.NoError(t, err)
	_, err = svc.ApplyPlannedPurchase(ctx, purchase(w.ID, 1, "200.25", "groceries"), nil)
	require.NoError(t, err)

	got, err := svc.RecalculateBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "1300.25", got.StringFixed(2))

	// the cached balance kept up through the write path
	bal, err := svc.GetBalance(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "1300.25", bal.StringFixed(2))
}

func TestRecalculate_WalletNotFound(t *testing.T) {
	svc, ctx := newTestService(t)
	_, err := svc.RecalculateBalanceUSD(ctx, 424242, 1)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestVerify_AgreesAfterWrites(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	_, err := svc.ApplyPlannedIncome(ctx, purchase(w.ID, 1, "10.00", "topup"), nil)
	require.NoError(t, err)

	res, err := svc.VerifyBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "0.00", res.DiffUSD.StringFixed(2))
	assert.Equal(t, "110.00", res.ExpectedUSD.StringFixed(2))
}

func TestVerify_FlagsDriftAndEmitsEvent(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	// corrupt the cached balance behind the updater's back
	err := svc.Repo().DB(ctx).Model(&model.Wallet{}).
		Where("id = ?", w.ID).Update("balance_usd", "105.00").Error
	require.NoError(t, err)

	res, err := svc.VerifyBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "100.00", res.ExpectedUSD.StringFixed(2))
	assert.Equal(t, "105.00", res.CurrentUSD.StringFixed(2))
	assert.Equal(t, "-5.00", res.DiffUSD.StringFixed(2))

	var evts []model.OutboxEvent
	require.NoError(t, svc.Repo().DB(ctx).
		Where("event_type = ? AND aggregate_id = ?", model.EventBalanceDrift, w.ID).
		Find(&evts).Error)
	assert.Len(t, evts, 1)
}

func TestVerify_WithinToleranceIsOK(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	err := svc.Repo().DB(ctx).Model(&model.Wallet{}).
		Where("id = ?", w.ID).Update("balance_usd", "100.02").Error
	require.NoError(t, err)

	res, err := svc.VerifyBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestRepair_IsIdempotent(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	err := svc.Repo().DB(ctx).Model(&model.Wallet{}).
		Where("id = ?", w.ID).Update("balance_usd", "250.00").Error
	require.NoError(t, err)

	first, err := svc.RepairBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.True(t, first.Repaired)
	assert.Equal(t, "250.00", first.OldUSD.StringFixed(2))
	assert.Equal(t, "100.00", first.NewUSD.StringFixed(2))

	second, err := svc.RepairBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.False(t, second.Repaired)
	assert.Equal(t, "100.00", second.OldUSD.StringFixed(2))
	assert.Equal(t, "100.00", second.NewUSD.StringFixed(2))
}

func TestApplyPlannedPurchase_OverdraftRollsBack(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	_, err := svc.ApplyPlannedPurchase(ctx, purchase(w.ID, 1, "500.00", "big tv"), nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.ErrorContains(t, err, "100.00")
	assert.ErrorContains(t, err, "500.00")

	var n int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Entry{}).
		Where("wallet_id = ? AND description = ?", w.ID, "big tv").Count(&n).Error)
	assert.Zero(t, n)

	bal, err := svc.GetBalance(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "100.00", bal.StringFixed(2))
}

func TestApplyPlanned_Success(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	e, err := svc.ApplyPlannedPurchase(ctx, purchase(w.ID, 1, "25.00", "groceries"), nil)
	require.NoError(t, err)
	assert.NotZero(t, e.ID)
	assert.Equal(t, model.EntryTypeExpense, e.Type)
	assert.Equal(t, "25.00", e.AmountUSD.StringFixed(2))

	bal, err := svc.GetBalance(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "75.00", bal.StringFixed(2))

	w2 := newTestWallet(t, svc, ctx, 1, "100.00")
	e2, err := svc.ApplyPlannedIncome(ctx, purchase(w2.ID, 1, "200.00", "salary"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.EntryTypeIncome, e2.Type)

	bal2, err := svc.GetBalance(ctx, w2.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "300.00", bal2.StringFixed(2))
}

func TestApplyPlanned_WalletNotFoundLeavesNoOrphan(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.ApplyPlannedPurchase(ctx, purchase(999999, 1, "10.00", "ghost"), nil)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	var n int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Entry{}).
		Where("wallet_id = ?", 999999).Count(&n).Error)
	assert.Zero(t, n)
}

func TestApplyPlanned_WrongUserIsNotFound(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	_, err := svc.ApplyPlannedPurchase(ctx, purchase(w.ID, 2, "10.00", "not yours"), nil)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestApplyPlanned_RejectsOversizedDelta(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	_, err := svc.ApplyPlannedIncome(ctx, purchase(w.ID, 1, "1000001", "jackpot"), nil)
	assert.Error(t, err)
	assert.ErrorContains(t, err, "safety ceiling")

	_, err = svc.ApplyPlannedIncome(ctx, purchase(w.ID, 1, "NaN", "weird"), nil)
	assert.Error(t, err)

	var n int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Entry{}).
		Where("wallet_id = ?", w.ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestApplyPlanned_IdempotencyKeyReturnsSameEntry(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	op := purchase(w.ID, 1, "25.00", "subscription")
	op.IdempotencyKey = "sub-2026-08"

	e1, err := svc.ApplyPlannedPurchase(ctx, op, nil)
	require.NoError(t, err)
	e2, err := svc.ApplyPlannedPurchase(ctx, op, nil)
	require.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)

	// debited once
	bal, err := svc.GetBalance(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "75.00", bal.StringFixed(2))
}

func TestApplyPlanned_CallerUnitOfWorkRollsBackBoth(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	boom := fmt.Errorf("caller aborts")
	err := svc.Repo().DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := svc.ApplyPlannedPurchase(ctx, purchase(w.ID, 1, "10.00", "part one"), tx); err != nil {
			return err
		}
		if _, err := svc.ApplyPlannedIncome(ctx, purchase(w.ID, 1, "5.00", "part two"), tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Entry{}).
		Where("wallet_id = ?", w.ID).Count(&n).Error)
	assert.Zero(t, n)

	got, err := svc.RecalculateBalanceUSD(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.StringFixed(2))
}

func TestListEntries(t *testing.T) {
	svc, ctx := newTestService(t)
	w := newTestWallet(t, svc, ctx, 1, "100.00")

	_, err := svc.ApplyPlannedPurchase(ctx, purchase(w.ID, 1, "10.00", "coffee"), nil)
	require.NoError(t, err)
	_, err = svc.ApplyPlannedIncome(ctx, purchase(w.ID, 1, "20.00", "refund"), nil)
	require.NoError(t, err)

	entries, err := svc.ListEntries(ctx, w.ID, 1, 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
