// Package aggregate computes the derived monthly financial metrics the
// presentation layer consumes. Everything here is a pure function of a
// store snapshot plus the selected period: recomputing on every mutation
// yields identical results for identical input.
package aggregate

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finboard/internal/domain"
	"github.com/dvloznov/finboard/internal/resolve"
)

// MonthPoint is one entry of the 12-month chart series. Recurring totals
// form a flat baseline across all twelve months; one-time transactions
// create the month-to-month variation.
type MonthPoint struct {
	Month    time.Month `json:"month"`
	Income   float64    `json:"income"`
	Expenses float64    `json:"expenses"`
}

// Financials is the full derived view for one (month, year).
type Financials struct {
	Month int `json:"month"`
	Year  int `json:"year"`

	TotalIncome   float64 `json:"totalIncome"`
	TotalExpenses float64 `json:"totalExpenses"`
	Net           float64 `json:"net"`

	// TotalRecurringExpenses is the baseline independent of the selected
	// month: the monthly equivalent of the active recurring expense set.
	TotalRecurringExpenses float64 `json:"totalRecurringExpenses"`

	TotalSubscriptionsCost  float64 `json:"totalSubscriptionsCost"`
	ActiveSubscriptionCount int     `json:"activeSubscriptionCount"`

	// TotalCcPayments sums raw amounts: card payments are one-time-like
	// postings and are never pro-rated.
	TotalCcPayments float64 `json:"totalCcPayments"`

	ByCategory map[string]float64 `json:"byCategory"`
	YearlyData [12]MonthPoint     `json:"yearlyData"`
}

// ComputeMonthly derives the financials for the given month and year.
// today anchors the recency filter for recurring items and is passed
// explicitly so results are reproducible in tests.
func ComputeMonthly(snap domain.Snapshot, month, year int, today civil.Date) Financials {
	fin := Financials{
		Month:      month,
		Year:       year,
		ByCategory: make(map[string]float64),
	}

	// Income: every recurring, non-special item recurs indefinitely, plus
	// one-time items dated inside the selected month.
	var recurringIncome float64
	for _, tx := range snap.Income {
		if domain.IsSpecialCategory(tx.Category) {
			continue
		}
		if tx.Frequency.Recurring() {
			recurringIncome += domain.MonthlyEquivalent(tx.Amount, tx.Frequency)
		}
	}
	fin.TotalIncome = recurringIncome + oneTimeTotal(snap.Income, month, year)

	// Expenses: the resolver's active recurring set, plus the month's
	// one-time items.
	activeExpenses := resolve.ActiveRecurring(snap.Expenses, today)
	for _, tx := range activeExpenses {
		if domain.IsSpecialCategory(tx.Category) {
			continue
		}
		amt := domain.MonthlyEquivalent(tx.Amount, tx.Frequency)
		fin.TotalRecurringExpenses += amt
		fin.ByCategory[tx.Category] += amt
	}
	for _, tx := range snap.Expenses {
		if tx.Frequency != domain.OneTime || domain.IsSpecialCategory(tx.Category) {
			continue
		}
		if !inMonth(tx.Date, month, year) {
			continue
		}
		fin.ByCategory[tx.Category] += domain.MonthlyEquivalent(tx.Amount, tx.Frequency)
	}
	fin.TotalExpenses = fin.TotalRecurringExpenses + oneTimeTotal(snap.Expenses, month, year)
	fin.Net = fin.TotalIncome - fin.TotalExpenses

	// Subscriptions.
	subs := resolve.ActiveSubscriptions(snap.Expenses, today)
	fin.ActiveSubscriptionCount = len(subs)
	for _, s := range subs {
		fin.TotalSubscriptionsCost += domain.MonthlyEquivalent(s.Amount, s.Frequency)
	}

	// Card payments: dedupe across statement sources, then sum the raw
	// amounts of those dated in the selected month.
	var payments []domain.Transaction
	payments = append(payments, snap.Expenses...)
	payments = append(payments, snap.Income...)
	for _, p := range resolve.DedupeCardPayments(payments) {
		if inMonth(p.Date, month, year) {
			fin.TotalCcPayments += p.Amount
		}
	}

	// Yearly series: the recurring baseline is constant; one-time totals
	// vary per calendar month of the target year.
	for i := 0; i < 12; i++ {
		m := i + 1
		fin.YearlyData[i] = MonthPoint{
			Month:    time.Month(m),
			Income:   recurringIncome + oneTimeTotal(snap.Income, m, year),
			Expenses: fin.TotalRecurringExpenses + oneTimeTotal(snap.Expenses, m, year),
		}
	}

	return fin
}

// ChatContext renders the financials as a compact text block suitable as
// grounding context for the assistant chat.
func (f Financials) ChatContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total Monthly Income: %.2f\n", f.TotalIncome)
	fmt.Fprintf(&b, "Total Monthly Expenses: %.2f\n", f.TotalExpenses)
	fmt.Fprintf(&b, "Net Cash Flow: %.2f\n", f.Net)
	fmt.Fprintf(&b, "Active Subscriptions: %d (%.2f/mo)\n", f.ActiveSubscriptionCount, f.TotalSubscriptionsCost)
	if len(f.ByCategory) > 0 {
		b.WriteString("Expenses by category:\n")
		for _, cat := range domain.ExpenseCategories {
			if amt, ok := f.ByCategory[cat]; ok {
				fmt.Fprintf(&b, "  %s: %.2f\n", cat, amt)
			}
		}
	}
	return b.String()
}

// oneTimeTotal sums the monthly equivalents of one-time, non-special
// transactions dated inside (month, year).
func oneTimeTotal(txs []domain.Transaction, month, year int) float64 {
	var total float64
	for _, tx := range txs {
		if tx.Frequency != domain.OneTime || domain.IsSpecialCategory(tx.Category) {
			continue
		}
		if inMonth(tx.Date, month, year) {
			total += domain.MonthlyEquivalent(tx.Amount, tx.Frequency)
		}
	}
	return total
}

func inMonth(d civil.Date, month, year int) bool {
	return d.Year == year && int(d.Month) == month
}
