// Package resolve turns the raw transaction collections into the sets the
// aggregator is allowed to count: recurring items de-duplicated by merchant
// and recency-filtered, and credit-card payments collapsed across statement
// sources.
package resolve

import (
	"sort"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finboard/internal/domain"
)

// staleAfterDays is how long a monthly item may go without a new occurrence
// before it is treated as cancelled or lapsed.
const staleAfterDays = 60

// dupWindowDays is the widest date gap at which two card payments of the
// same amount are still considered the same payment seen on two exports.
const dupWindowDays = 5

// ActiveRecurring returns the recurring transactions currently in effect as
// of today. Within each merchant (name matched case-insensitively, trimmed)
// only the occurrence with the latest date survives: a recurring bill whose
// amount changed is represented by its newest record, older same-merchant
// entries stay in storage for history but drop out of the active set.
//
// A surviving monthly item dated more than 60 days before today is excluded
// as lapsed. Non-monthly recurring items are not staleness-checked.
func ActiveRecurring(txs []domain.Transaction, today civil.Date) []domain.Transaction {
	latest := make(map[string]domain.Transaction)
	for _, tx := range txs {
		if !tx.Frequency.Recurring() {
			continue
		}
		key := domain.NormalizeName(tx.Name)
		cur, ok := latest[key]
		if !ok || !tx.Date.Before(cur.Date) {
			latest[key] = tx
		}
	}

	active := make([]domain.Transaction, 0, len(latest))
	for _, tx := range latest {
		if tx.Frequency == domain.Monthly && today.DaysSince(tx.Date) > staleAfterDays {
			continue
		}
		active = append(active, tx)
	}

	sort.Slice(active, func(i, j int) bool {
		return domain.NormalizeName(active[i].Name) < domain.NormalizeName(active[j].Name)
	})
	return active
}

// ActiveSubscriptions is the subscription-typed subset of ActiveRecurring.
func ActiveSubscriptions(expenses []domain.Transaction, today civil.Date) []domain.Transaction {
	var subs []domain.Transaction
	for _, tx := range ActiveRecurring(expenses, today) {
		if tx.Type == domain.TypeSubscription {
			subs = append(subs, tx)
		}
	}
	return subs
}

// DedupeCardPayments collapses credit-card-payment records that describe the
// same payment imported from two statement sources (the paying bank account
// and the receiving card). Two records are duplicates when their amounts are
// within 0.01 and their dates within 5 calendar days; the chronologically
// earliest record of each cluster is kept. Only card-payment items are
// returned; records of other categories are ignored.
func DedupeCardPayments(txs []domain.Transaction) []domain.Transaction {
	candidates := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Category == domain.CategoryCardPayment {
			candidates = append(candidates, tx)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Date.Before(candidates[j].Date)
	})

	var kept []domain.Transaction
	for _, tx := range candidates {
		dup := false
		for _, k := range kept {
			if domain.SameAmount(tx.Amount, k.Amount) && domain.DaysBetween(tx.Date, k.Date) <= dupWindowDays {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, tx)
		}
	}
	return kept
}

// ProjectOccurrence derives the synthetic date a recurring transaction would
// fall on in an arbitrary (month, year), reusing its day-of-month and
// clamping to the target month's length. The projection is a read-time view
// only and is never written back to the store.
func ProjectOccurrence(tx domain.Transaction, month, year int) civil.Date {
	day := tx.Date.Day
	if last := daysIn(month, year); day > last {
		day = last
	}
	return civil.Date{Year: year, Month: time.Month(month), Day: day}
}

func daysIn(month, year int) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
