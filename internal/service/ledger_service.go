package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fintrackhq/ledger-service/internal/model"
	"github.com/fintrackhq/ledger-service/internal/money"
	"github.com/fintrackhq/ledger-service/internal/repo"
)

// ErrWalletNotFound means no wallet matches the (wallet, user) pair.
var ErrWalletNotFound = errors.New("wallet not found")

// ErrInsufficientBalance means an expense would drive the balance negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Limits carry the integrity tunables. Zero values fall back to the
// package defaults in internal/money.
type Limits struct {
	MaxAbsDeltaUSD    float64
	DriftToleranceUSD float64
}

// DefaultLimits returns the stock tolerance and ceiling.
func DefaultLimits() Limits {
	return Limits{
		MaxAbsDeltaUSD:    money.MaxAbsDeltaUSD,
		DriftToleranceUSD: money.DriftToleranceUSD,
	}
}

// LedgerService glues the ledger write path and the balance-integrity path
// to the repository.
type LedgerService struct {
	repo   repo.RepositoryInterface
	log    *zap.SugaredLogger
	limits Limits
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, logger *zap.SugaredLogger, lim Limits) *LedgerService {
	if lim.MaxAbsDeltaUSD <= 0 {
		lim.MaxAbsDeltaUSD = money.MaxAbsDeltaUSD
	}
	if lim.DriftToleranceUSD <= 0 {
		lim.DriftToleranceUSD = money.DriftToleranceUSD
	}
	return &LedgerService{repo: r, log: logger, limits: lim}
}

// PlannedOperation describes a scheduled purchase or income about to be
// applied to a wallet. AmountUSD is the authoritative USD-normalized value;
// Amount and Currency are display-only.
type PlannedOperation struct {
	UserID         uint64
	WalletID       uint64
	Amount         string
	Currency       string
	AmountUSD      string
	Description    string
	CategoryID     *uint64
	Date           time.Time
	Source         string
	IdempotencyKey string
}

// VerifyResult reports a cached balance checked against the recalculated one.
type VerifyResult struct {
	OK          bool
	ExpectedUSD decimal.Decimal
	CurrentUSD  decimal.Decimal
	DiffUSD     decimal.Decimal
}

// RepairResult reports whether a drifted balance was overwritten.
type RepairResult struct {
	Repaired bool
	OldUSD   decimal.Decimal
	NewUSD   decimal.Decimal
}

// inTx runs fn inside the caller-supplied transaction when one is given,
// otherwise opens a transaction scoped to this call. This lets callers
// compose an apply inside a larger atomic sequence (e.g. locking a wallet
// before applying several planned operations) without nesting transactions.
func (s *LedgerService) inTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.repo.DB(ctx).Transaction(fn)
}

// ApplyPlannedPurchase records a planned purchase as an expense entry and
// debits the wallet, atomically.
func (s *LedgerService) ApplyPlannedPurchase(ctx context.Context, op PlannedOperation, tx *gorm.DB) (*model.Entry, error) {
	return s.applyPlanned(ctx, model.EntryTypeExpense, op, tx)
}

// ApplyPlannedIncome records a planned income entry and credits the wallet,
// atomically.
func (s *LedgerService) ApplyPlannedIncome(ctx context.Context, op PlannedOperation, tx *gorm.DB) (*model.Entry, error) {
	return s.applyPlanned(ctx, model.EntryTypeIncome, op, tx)
}

// applyPlanned is the shared insert-entry-then-update-balance sequence. The
// entry insert and the balance update live in one unit of work: both persist
// or neither does.
func (s *LedgerService) applyPlanned(ctx context.Context, entryType string, op PlannedOperation, tx *gorm.DB) (*model.Entry, error) {
	opName := "applyPlannedIncome"
	if entryType == model.EntryTypeExpense {
		opName = "applyPlannedPurchase"
	}
	diagCtx := fmt.Sprintf("%s wallet=%d", opName, op.WalletID)

	f, err := strconv.ParseFloat(op.AmountUSD, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parse amount_usd %q: %w", diagCtx, op.AmountUSD, err)
	}
	if err := money.ValidateDelta(f, diagCtx, s.limits.MaxAbsDeltaUSD); err != nil {
		return nil, err
	}
	amt, err := decimal.NewFromString(op.AmountUSD)
	if err != nil {
		return nil, fmt.Errorf("%s: parse amount_usd %q: %w", diagCtx, op.AmountUSD, err)
	}
	amtAbs := money.Round2Decimal(amt.Abs())

	entry := &model.Entry{
		UserID:      op.UserID,
		WalletID:    op.WalletID,
		Type:        entryType,
		Amount:      op.Amount,
		Currency:    op.Currency,
		AmountUSD:   amtAbs,
		Description: op.Description,
		CategoryID:  op.CategoryID,
		Date:        op.Date,
		Source:      op.Source,
		ReferenceID: uuid.NewString(),
	}
	if op.IdempotencyKey != "" {
		entry.IdempotencyKey = &op.IdempotencyKey
	}

	err = s.inTx(ctx, tx, func(tx *gorm.DB) error {
		existed, prev, err := s.repo.EntryExists(ctx, tx, op.WalletID, op.IdempotencyKey, entryType)
		if err != nil {
			return err
		}
		if existed {
			entry = prev
			return nil
		}
		if err := s.repo.CreateEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := s.UpdateWalletBalance(ctx, tx, op.WalletID, op.UserID, amtAbs, entryType); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"entry_id": entry.ID, "wallet_id": op.WalletID, "user_id": op.UserID,
			"type": entryType, "amount_usd": amtAbs, "source": op.Source,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: op.WalletID,
			EventType: model.EventEntryApplied, Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateWalletBalance applies +amountUSDAbs for income, -amountUSDAbs for
// expense to the wallet's cached balance inside the given transaction. The
// wallet row is locked for the duration, so two concurrent expenses cannot
// both read a stale balance. An expense that would overdraft is rejected.
func (s *LedgerService) UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID, userID uint64, amountUSDAbs decimal.Decimal, entryType string) error {
	w, err := s.repo.GetWalletForUpdate(ctx, tx, walletID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: wallet %d for user %d", ErrWalletNotFound, walletID, userID)
		}
		return err
	}
	var newBal decimal.Decimal
	switch entryType {
	case model.EntryTypeIncome:
		newBal = w.BalanceUSD.Add(amountUSDAbs)
	case model.EntryTypeExpense:
		newBal = w.BalanceUSD.Sub(amountUSDAbs)
		if newBal.IsNegative() {
			return fmt.Errorf("%w: balance %s, attempted expense %s",
				ErrInsufficientBalance, w.BalanceUSD.StringFixed(2), amountUSDAbs.StringFixed(2))
		}
	default:
		return fmt.Errorf("unknown entry type %q", entryType)
	}
	newBal = money.Round2Decimal(newBal)
	if err := s.repo.UpdateWalletBalance(ctx, tx, walletID, newBal, w.Version); err != nil {
		return err
	}
	if err := s.repo.CacheBalance(ctx, walletID, newBal); err != nil {
		s.log.Warn(err)
	}
	return nil
}

// recalc reads the wallet and derives the authoritative balance from the
// opening balance plus the signed sum of its ledger.
func (s *LedgerService) recalc(ctx context.Context, walletID, userID uint64) (*model.Wallet, decimal.Decimal, error) {
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, decimal.Zero, fmt.Errorf("%w: wallet %d for user %d", ErrWalletNotFound, walletID, userID)
		}
		return nil, decimal.Zero, err
	}
	income, expense, err := s.repo.SumEntriesByType(ctx, walletID, userID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	expected := money.Round2Decimal(w.OpeningBalanceUSD.Add(income).Sub(expense))
	return w, expected, nil
}

// RecalculateBalanceUSD returns what the wallet's cached balance should be.
// Pure read, no mutation.
func (s *LedgerService) RecalculateBalanceUSD(ctx context.Context, walletID, userID uint64) (decimal.Decimal, error) {
	_, expected, err := s.recalc(ctx, walletID, userID)
	return expected, err
}

// VerifyBalanceUSD compares the cached balance against the recalculated one.
// Drift beyond the tolerance is reported as a warning event, never an error.
func (s *LedgerService) VerifyBalanceUSD(ctx context.Context, walletID, userID uint64) (VerifyResult, error) {
	w, expected, err := s.recalc(ctx, walletID, userID)
	if err != nil {
		return VerifyResult{}, err
	}
	current := w.BalanceUSD
	diff := money.Round2Decimal(expected.Sub(current))
	tolerance := decimal.NewFromFloat(s.limits.DriftToleranceUSD)
	res := VerifyResult{
		OK:          diff.Abs().LessThanOrEqual(tolerance),
		ExpectedUSD: expected,
		CurrentUSD:  current,
		DiffUSD:     diff,
	}
	if !res.OK {
		s.log.Warnw("wallet balance drift",
			"user_id", userID, "wallet_id", walletID,
			"expected_usd", expected.StringFixed(2),
			"current_usd", current.StringFixed(2),
			"diff_usd", diff.StringFixed(2))
		payload, _ := json.Marshal(map[string]interface{}{
			"user_id": userID, "wallet_id": walletID,
			"expected_usd": expected, "current_usd": current, "diff_usd": diff,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID,
			EventType: model.EventBalanceDrift, Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, s.repo.DB(ctx), evt); err != nil {
			s.log.Warnf("drift event for wallet %d: %v", walletID, err)
		}
	}
	return res, nil
}

// RepairBalanceUSD overwrites a drifted cached balance with the recalculated
// value. Administrative path, decoupled from the write path; calling it twice
// repairs once.
func (s *LedgerService) RepairBalanceUSD(ctx context.Context, walletID, userID uint64) (RepairResult, error) {
	vr, err := s.VerifyBalanceUSD(ctx, walletID, userID)
	if err != nil {
		return RepairResult{}, err
	}
	if vr.OK {
		return RepairResult{Repaired: false, OldUSD: vr.CurrentUSD, NewUSD: vr.CurrentUSD}, nil
	}
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, walletID, userID)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateWalletBalance(ctx, tx, walletID, vr.ExpectedUSD, w.Version); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"user_id": userID, "wallet_id": walletID,
			"old_usd": vr.CurrentUSD, "new_usd": vr.ExpectedUSD,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID,
			EventType: model.EventBalanceRepaired, Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return RepairResult{}, err
	}
	if err := s.repo.CacheBalance(ctx, walletID, vr.ExpectedUSD); err != nil {
		s.log.Warn(err)
	}
	return RepairResult{Repaired: true, OldUSD: vr.CurrentUSD, NewUSD: vr.ExpectedUSD}, nil
}

// CreateWallet opens a wallet whose cached balance starts at the opening
// balance.
func (s *LedgerService) CreateWallet(ctx context.Context, userID uint64, name, currency string, openingUSD decimal.Decimal) (*model.Wallet, error) {
	f, _ := openingUSD.Float64()
	if err := money.ValidateDelta(f, fmt.Sprintf("createWallet user=%d", userID), s.limits.MaxAbsDeltaUSD); err != nil {
		return nil, err
	}
	opening := money.Round2Decimal(openingUSD)
	w := &model.Wallet{
		UserID:            userID,
		Name:              name,
		Currency:          currency,
		OpeningBalanceUSD: opening,
		BalanceUSD:        opening,
	}
	if err := s.repo.CreateWallet(ctx, s.repo.DB(ctx), w); err != nil {
		return nil, err
	}
	if err := s.repo.CacheBalance(ctx, w.ID, w.BalanceUSD); err != nil {
		s.log.Warn(err)
	}
	return w, nil
}

// GetBalance returns the wallet's cached balance, read through Redis.
func (s *LedgerService) GetBalance(ctx context.Context, walletID, userID uint64) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, walletID)
	if err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("%w: wallet %d for user %d", ErrWalletNotFound, walletID, userID)
		}
		return decimal.Zero, err
	}
	_ = s.repo.CacheBalance(ctx, walletID, w.BalanceUSD)
	return w.BalanceUSD, nil
}

// ListEntries fetches recent ledger entries by ledger date.
func (s *LedgerService) ListEntries(ctx context.Context, walletID, userID uint64, limit int, since time.Time) ([]model.Entry, error) {
	var entries []model.Entry
	err := s.repo.DB(ctx).
		Where("wallet_id=? AND user_id=? AND date>=?", walletID, userID, since).
		Order("date asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}
