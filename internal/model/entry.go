package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry types; income adds to the wallet balance, expense subtracts.
const (
	EntryTypeIncome  = "income"
	EntryTypeExpense = "expense"
)

// Entry is one immutable ledger record affecting exactly one wallet.
// AmountUSD is the only field the integrity engine trusts; Amount and
// Currency are the original display values.
type Entry struct {
	ID             uint64          `gorm:"primaryKey"`
	UserID         uint64          `gorm:"not null;index"`
	WalletID       uint64          `gorm:"not null;index"`
	Type           string          `gorm:"size:16;not null"`
	Amount         string          `gorm:"size:64;not null"`
	Currency       string          `gorm:"size:8;not null"`
	AmountUSD      decimal.Decimal `gorm:"column:amount_usd;type:numeric(20,2);not null"`
	Description    string          `gorm:"size:512"`
	CategoryID     *uint64
	Date           time.Time `gorm:"not null;index"`
	Source         string    `gorm:"size:64"`
	ReferenceID    string    `gorm:"size:36;not null"`
	IdempotencyKey *string   `gorm:"size:64"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (Entry) TableName() string { return "ledger_entry" }
