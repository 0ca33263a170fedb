package domain

import "strings"

// Kind tags which collection a transaction belongs to. It is derived from
// collection membership and never persisted on the record itself.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// Special categories represent money moved between the user's own accounts.
// They are excluded from income/expense totals to avoid double-counting.
const (
	CategoryTransfer    = "Transfer"
	CategoryCardPayment = "Credit Card Payment"
	CategoryOther       = "Other"
)

// IncomeCategories is the fixed vocabulary for income transactions.
var IncomeCategories = []string{
	"Salary", "Freelance", "Investments", "Gift", "Refund",
	CategoryTransfer, CategoryOther,
}

// ExpenseCategories is the fixed vocabulary for expense transactions.
var ExpenseCategories = []string{
	"Housing", "Food", "Transport", "Utilities", "Entertainment",
	"Health", "Shopping", "Personal",
	CategoryTransfer, CategoryCardPayment, CategoryOther,
}

// Categories returns the vocabulary matching the given kind.
func Categories(kind Kind) []string {
	if kind == KindIncome {
		return IncomeCategories
	}
	return ExpenseCategories
}

// NormalizeName lowercases and trims a merchant name for case-insensitive
// matching. Display names keep their original casing.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidCategory reports whether cat belongs to the vocabulary for kind.
func ValidCategory(kind Kind, cat string) bool {
	for _, c := range Categories(kind) {
		if c == cat {
			return true
		}
	}
	return false
}

// SanitizeCategory maps cat onto the canonical vocabulary entry for kind,
// matching case-insensitively. Anything unrecognized becomes "Other" so a
// bad AI guess or legacy record never leaks an off-vocabulary category.
func SanitizeCategory(kind Kind, cat string) string {
	trimmed := strings.TrimSpace(cat)
	for _, c := range Categories(kind) {
		if strings.EqualFold(c, trimmed) {
			return c
		}
	}
	return CategoryOther
}

// IsSpecialCategory reports whether cat is tracked separately from
// income/expense totals.
func IsSpecialCategory(cat string) bool {
	return cat == CategoryTransfer || cat == CategoryCardPayment
}
