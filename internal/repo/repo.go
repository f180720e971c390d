package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fintrackhq/ledger-service/internal/model"
)

// ErrStaleWallet means the optimistic version check lost a concurrent update.
var ErrStaleWallet = errors.New("optimistic lock conflict")

// RepositoryInterface restricts Repo methods (unit test mocks).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	GetWallet(ctx context.Context, tx *gorm.DB, walletID, userID uint64) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID, userID uint64) (*model.Wallet, error)
	UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance decimal.Decimal, oldVersion uint64) error
	ListWalletIDs(ctx context.Context) ([]model.Wallet, error)
	CreateEntry(ctx context.Context, tx *gorm.DB, e *model.Entry) error
	EntryExists(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey, entryType string) (bool, *model.Entry, error)
	SumEntriesByType(ctx context.Context, walletID, userID uint64) (income, expense decimal.Decimal, err error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, walletID uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateWallet inserts a wallet row.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// GetWallet reads a wallet scoped to its owner.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, walletID, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Where("id = ? AND user_id = ?", walletID, userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks the wallet row for the duration of the tx.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", walletID, userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWalletBalance writes balance_usd with an optimistic version check.
func (r *Repository) UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance_usd": newBalance,
			"version":     oldVersion + 1,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleWallet
	}
	return nil
}

// ListWalletIDs returns every wallet's identity pair for integrity sweeps.
func (r *Repository) ListWalletIDs(ctx context.Context) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).Select("id", "user_id").Order("id").Find(&ws).Error
	return ws, err
}

// CreateEntry inserts a ledger entry.
func (r *Repository) CreateEntry(ctx context.Context, tx *gorm.DB, e *model.Entry) error {
	return tx.WithContext(ctx).Create(e).Error
}

// EntryExists checks duplicate by idem key.
func (r *Repository) EntryExists(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey, entryType string) (bool, *model.Entry, error) {
	if idemKey == "" {
		return false, nil, nil
	}
	var e model.Entry
	err := tx.WithContext(ctx).
		Where("wallet_id=? AND idempotency_key=? AND type=?", walletID, idemKey, entryType).
		First(&e).Error
	if err == nil {
		return true, &e, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// SumEntriesByType sums amount_usd per entry type over one wallet's ledger.
// A type with no rows contributes zero.
func (r *Repository) SumEntriesByType(ctx context.Context, walletID, userID uint64) (decimal.Decimal, decimal.Decimal, error) {
	type row struct {
		Type  string
		Total decimal.Decimal
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&model.Entry{}).
		Select("type, COALESCE(SUM(amount_usd), 0) AS total").
		Where("wallet_id = ? AND user_id = ?", walletID, userID).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	income, expense := decimal.Zero, decimal.Zero
	for _, rw := range rows {
		switch rw.Type {
		case model.EntryTypeIncome:
			income = rw.Total
		case model.EntryTypeExpense:
			expense = rw.Total
		}
	}
	return income, expense, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, walletID uint64, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", walletID), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("balance:%d", walletID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
