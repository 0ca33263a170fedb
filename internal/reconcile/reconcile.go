// Package reconcile matches AI-extracted candidate transactions against the
// existing store so a bulk import never re-inserts rows the user already
// has, links what it keeps to a statement record, and applies the user's
// learned merchant rules over the model's guesses.
package reconcile

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/dvloznov/finboard/internal/domain"
	"github.com/dvloznov/finboard/internal/rules"
)

// Candidate is one AI-extracted transaction guess, after user review.
type Candidate struct {
	Name      string             `json:"name"`
	Amount    float64            `json:"amount"`
	Date      civil.Date         `json:"date"`
	Category  string             `json:"category"`
	Frequency domain.Frequency   `json:"frequency"`
	IsIncome  bool               `json:"isIncome"`
	Type      domain.ExpenseType `json:"type,omitempty"`
}

// StatementMeta describes the account a batch of candidates came from.
// Last4 may be empty when the extractor could not read an account suffix.
type StatementMeta struct {
	Provider string               `json:"provider"`
	Last4    string               `json:"last4"`
	Date     civil.Date           `json:"date"`
	Balance  *float64             `json:"balance"`
	Type     domain.StatementType `json:"type"`
}

// AmbiguousAccountError reports that an import without an account suffix
// matches more than one known account for the provider. The caller must ask
// the user instead of guessing.
type AmbiguousAccountError struct {
	Provider string
	Last4s   []string
}

func (e *AmbiguousAccountError) Error() string {
	return fmt.Sprintf("reconcile: provider %q has %d known accounts (%s), account suffix required",
		e.Provider, len(e.Last4s), strings.Join(e.Last4s, ", "))
}

// Imported tags a reconciled transaction with its destination collection.
type Imported struct {
	Kind        domain.Kind
	Transaction domain.Transaction
}

// Result is the outcome of reconciling one import batch. Nothing is applied
// to the store here; the session commits New/Updated/Statement explicitly.
type Result struct {
	New     []Imported
	Updated []Imported
	Skipped int

	Statement        domain.Statement
	StatementCreated bool
}

// Reconcile matches candidates against the snapshot. Learned merchant rules
// override AI guesses entirely. A candidate equal to an existing row (same
// normalized name, same date, amount within 0.01) is skipped, unless the
// existing row has no statement link yet, in which case it is claimed into
// this statement as an update instead of a duplicate insert.
func Reconcile(candidates []Candidate, meta StatementMeta, snap domain.Snapshot, cache *rules.Cache) (Result, error) {
	statement, created, err := resolveStatement(meta, snap.Statements, len(candidates))
	if err != nil {
		return Result{}, err
	}

	res := Result{Statement: statement, StatementCreated: created}

	for _, cand := range candidates {
		if rule, ok := cache.Lookup(cand.Name); ok {
			cand.Category = rule.Category
			cand.Frequency = rule.Frequency
			cand.IsIncome = rule.IsIncome
			cand.Type = rule.Type
		}

		kind := domain.KindExpense
		if cand.IsIncome {
			kind = domain.KindIncome
		}
		cand.Category = domain.SanitizeCategory(kind, cand.Category)

		existing, found := findMatch(cand, collectionFor(snap, kind))
		switch {
		case found && existing.StatementID == "":
			// Manually entered earlier; claim it into this statement
			// rather than inserting a twin.
			updated := existing
			updated.Name = cand.Name
			updated.Amount = cand.Amount
			updated.Date = cand.Date
			updated.Category = cand.Category
			updated.Frequency = cand.Frequency
			updated.Type = cand.Type
			updated.StatementID = statement.ID
			res.Updated = append(res.Updated, Imported{Kind: kind, Transaction: updated})
		case found:
			res.Skipped++
		default:
			res.New = append(res.New, Imported{Kind: kind, Transaction: domain.Transaction{
				ID:          uuid.NewString(),
				Name:        cand.Name,
				Amount:      cand.Amount,
				Date:        cand.Date,
				Category:    cand.Category,
				Frequency:   cand.Frequency,
				Type:        cand.Type,
				StatementID: statement.ID,
			}})
		}
	}

	return res, nil
}

// resolveStatement finds or creates the statement record for this batch.
// Statements are identified by the (provider, last4, date) triple; a batch
// without a suffix adopts the provider's single known account, and errors
// when several accounts would match.
func resolveStatement(meta StatementMeta, existing []domain.Statement, txCount int) (domain.Statement, bool, error) {
	provider := domain.NormalizeName(meta.Provider)

	if meta.Last4 == "" {
		seen := map[string]bool{}
		var last4s []string
		for _, st := range existing {
			if domain.NormalizeName(st.Provider) == provider && st.Last4 != "" && !seen[st.Last4] {
				seen[st.Last4] = true
				last4s = append(last4s, st.Last4)
			}
		}
		if len(last4s) > 1 {
			return domain.Statement{}, false, &AmbiguousAccountError{Provider: meta.Provider, Last4s: last4s}
		}
		if len(last4s) == 1 {
			meta.Last4 = last4s[0]
		}
	}

	for _, st := range existing {
		if domain.NormalizeName(st.Provider) == provider && st.Last4 == meta.Last4 && st.Date == meta.Date {
			return st, false, nil
		}
	}

	return domain.Statement{
		ID:               uuid.NewString(),
		Provider:         meta.Provider,
		Last4:            meta.Last4,
		Date:             meta.Date,
		Balance:          meta.Balance,
		Type:             meta.Type,
		TransactionCount: txCount,
	}, true, nil
}

func collectionFor(snap domain.Snapshot, kind domain.Kind) []domain.Transaction {
	if kind == domain.KindIncome {
		return snap.Income
	}
	return snap.Expenses
}

func findMatch(cand Candidate, txs []domain.Transaction) (domain.Transaction, bool) {
	name := domain.NormalizeName(cand.Name)
	for _, tx := range txs {
		if domain.NormalizeName(tx.Name) == name &&
			tx.Date == cand.Date &&
			domain.SameAmount(tx.Amount, cand.Amount) {
			return tx, true
		}
	}
	return domain.Transaction{}, false
}
