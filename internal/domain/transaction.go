package domain

import (
	"github.com/shopspring/decimal"
)

// TransactionType represents the direction of a ledger transaction.
type TransactionType string

const (
	// Deposit represents money coming in. Amount is always positive.
	Deposit TransactionType = "Deposit"
	// Withdrawal represents money going out. Amount is always negative.
	Withdrawal TransactionType = "Withdrawal"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	return t == Deposit || t == Withdrawal
}

// Sign returns the sign an amount of this type must carry: +1 for deposits,
// -1 for withdrawals and 0 for unknown types.
func (t TransactionType) Sign() int {
	switch t {
	case Deposit:
		return 1
	case Withdrawal:
		return -1
	default:
		return 0
	}
}

// Transaction is one recorded deposit or withdrawal.
// Records are never mutated in place; an update produces a new value with the
// same ID and CreatedAt.
type Transaction struct {
	ID          string          `json:"id"`
	Date        string          `json:"date"`      // calendar day, YYYY-MM-DD
	CreatedAt   int64           `json:"createdAt"` // ms since epoch, tie-break only
	Amount      decimal.Decimal `json:"amount"`    // canonical currency, signed
	Description string          `json:"description"`
	Type        TransactionType `json:"type"`
}

// Draft returns the user-editable part of the transaction.
func (t Transaction) Draft() Draft {
	return Draft{
		Date:        t.Date,
		Amount:      t.Amount,
		Description: t.Description,
		Type:        t.Type,
	}
}

// Draft is a transaction payload without ID and CreatedAt, used as input to Add.
type Draft struct {
	Date        string          `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Type        TransactionType `json:"type"`
}

// Transaction builds a full record from the draft.
func (d Draft) Transaction(id string, createdAt int64) Transaction {
	return Transaction{
		ID:          id,
		Date:        d.Date,
		CreatedAt:   createdAt,
		Amount:      d.Amount,
		Description: d.Description,
		Type:        d.Type,
	}
}

// Update is a field-by-field patch for an existing transaction.
// Nil fields are left untouched. ID and CreatedAt cannot be changed.
type Update struct {
	Date        *string          `json:"date,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Description *string          `json:"description,omitempty"`
	Type        *TransactionType `json:"type,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return u.Date == nil && u.Amount == nil && u.Description == nil && u.Type == nil
}

// Apply merges the patch into t and returns the result.
func (u Update) Apply(t Transaction) Transaction {
	if u.Date != nil {
		t.Date = *u.Date
	}
	if u.Amount != nil {
		t.Amount = *u.Amount
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Type != nil {
		t.Type = *u.Type
	}
	return t
}
