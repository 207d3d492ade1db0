package models

import (
	"time"
)

// UserBalance is the single per-user coin record. Balance is the total
// number of coins the user owns; Reserved is the portion currently held
// for in-flight generation jobs. Available coins = Balance - Reserved.
//
// Invariant: 0 <= Reserved <= Balance. Every mutation goes through an
// atomic conditional UPDATE, never a read-then-write.
type UserBalance struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Reserved  int64     `gorm:"not null;default:0" json:"reserved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserBalance) TableName() string {
	return "user_balances"
}

// Available returns the coins the user can still spend or reserve.
func (b *UserBalance) Available() int64 {
	return b.Balance - b.Reserved
}

// Coin transaction entry types. Only movements that change Balance get
// an entry; reserve/release shuffle the Reserved column and are fully
// reconstructable from job rows.
const (
	TxTypeRecharge      = "recharge"
	TxTypeCharge        = "charge"
	TxTypeUnlock        = "unlock"
	TxTypeReferralBonus = "referral_bonus"
)

// CoinTransaction is the append-only audit trail for every balance
// mutation. Reference carries an external idempotency key (Stripe
// session ID, job ID) and is unique so duplicate webhooks or callbacks
// can never record the same movement twice.
type CoinTransaction struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	Type         string    `gorm:"not null" json:"type"`
	Amount       int64     `gorm:"not null" json:"amount"` // positive = credit, negative = debit
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `gorm:"uniqueIndex;not null" json:"reference"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (CoinTransaction) TableName() string {
	return "coin_transactions"
}
