package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a user-owned monetary container. BalanceUSD is a denormalized
// running balance; the authoritative value is always
// OpeningBalanceUSD + sum(income) - sum(expense) over the wallet's entries.
type Wallet struct {
	ID                uint64          `gorm:"primaryKey;column:id"`
	UserID            uint64          `gorm:"not null;index"`
	Name              string          `gorm:"size:128;not null"`
	Currency          string          `gorm:"size:8;not null;default:'USD'"`
	OpeningBalanceUSD decimal.Decimal `gorm:"column:opening_balance_usd;type:numeric(20,2);not null;default:'0'"`
	BalanceUSD        decimal.Decimal `gorm:"column:balance_usd;type:numeric(20,2);not null;default:'0'"`
	Version           uint64          `gorm:"not null;default:0"`
	CreatedAt         time.Time       `gorm:"autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
