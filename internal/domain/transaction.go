package domain

import (
	"cloud.google.com/go/civil"
)

// ExpenseType distinguishes how an expense behaves for budgeting.
// Income transactions carry an empty type.
type ExpenseType string

const (
	TypeVariable     ExpenseType = "variable"
	TypeBill         ExpenseType = "bill"
	TypeSubscription ExpenseType = "subscription"
)

// Transaction is one income or expense record. The same shape serves both
// collections; whether it is income is implied by membership, not stored.
//
// Date semantics depend on Frequency: for one-time items it is the
// transaction date, for recurring items it is the most recent known
// occurrence and its day-of-month is reused to project occurrences into
// other months.
type Transaction struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Amount      float64     `json:"amount"`
	Date        civil.Date  `json:"date"`
	Frequency   Frequency   `json:"frequency"`
	Category    string      `json:"category"`
	Type        ExpenseType `json:"type,omitempty"`
	StatementID string      `json:"statementId,omitempty"`
}

// StatementType tells which kind of account a statement describes.
type StatementType string

const (
	StatementCreditCard  StatementType = "credit_card"
	StatementBankAccount StatementType = "bank_account"
)

// Statement is a snapshot descriptor of one account as of one closing date,
// produced by a bulk import. Multiple statements may share (provider, last4);
// the latest by date is authoritative for the current balance.
type Statement struct {
	ID               string        `json:"id"`
	Provider         string        `json:"provider"`
	Last4            string        `json:"last4"`
	Date             civil.Date    `json:"date"`
	Balance          *float64      `json:"balance"`
	Type             StatementType `json:"type"`
	TransactionCount int           `json:"transactionCount"`
}

// BalanceTransfer tracks a promotional-rate balance transfer independently
// of the transaction collections.
type BalanceTransfer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Amount     float64    `json:"amount"`
	StartDate  civil.Date `json:"startDate"`
	AprEndDate civil.Date `json:"aprEndDate"`
}

// Snapshot is the whole persisted state: the JSON shape stored under the
// single data key and the unit of remote backup.
type Snapshot struct {
	Income           []Transaction     `json:"income"`
	Expenses         []Transaction     `json:"expenses"`
	Statements       []Statement       `json:"statements"`
	BalanceTransfers []BalanceTransfer `json:"balanceTransfers"`
}

// SameAmount reports whether two amounts are equal within the one-cent
// tolerance used everywhere duplicate amounts are compared.
func SameAmount(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 0.01
}

// DaysBetween returns the absolute distance between two calendar dates.
func DaysBetween(a, b civil.Date) int {
	d := b.DaysSince(a)
	if d < 0 {
		d = -d
	}
	return d
}
