// Package store holds the canonical in-memory transaction collections and
// their persistence round-trip through a key-value snapshot. The store is
// single-writer: the active session mutates it, derived views are computed
// from copies of its snapshot.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finboard/internal/domain"
)

// DataKey is the key-value slot holding the serialized snapshot. The name
// predates this implementation and is kept for data compatibility.
const DataKey = "financeData"

// ErrNotFound is returned when a mutation references an unknown ID.
var ErrNotFound = errors.New("store: record not found")

// KV is the slice of the key-value store the snapshot round-trip needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Store is the canonical collection of income, expenses, statements and
// balance transfers.
type Store struct {
	kv   KV
	log  zerolog.Logger
	snap domain.Snapshot
}

// Load reads the snapshot from the KV store. A missing key initializes an
// empty store; legacy payloads missing the statements or balanceTransfers
// arrays get them defaulted, and records without an ID or date are
// backfilled (fresh UUID, today) and the repair is logged.
func Load(ctx context.Context, kv KV, logger zerolog.Logger, today civil.Date) (*Store, error) {
	s := &Store{kv: kv, log: logger}

	raw, ok, err := kv.Get(ctx, DataKey)
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &s.snap); err != nil {
			return nil, fmt.Errorf("store: decode snapshot: %w", err)
		}
	}
	s.migrate(today)
	return s, nil
}

// migrate normalizes a freshly decoded snapshot in place.
func (s *Store) migrate(today civil.Date) {
	if s.snap.Income == nil {
		s.snap.Income = []domain.Transaction{}
	}
	if s.snap.Expenses == nil {
		s.snap.Expenses = []domain.Transaction{}
	}
	if s.snap.Statements == nil {
		s.snap.Statements = []domain.Statement{}
	}
	if s.snap.BalanceTransfers == nil {
		s.snap.BalanceTransfers = []domain.BalanceTransfer{}
	}

	repaired := 0
	fix := func(txs []domain.Transaction) {
		for i := range txs {
			if txs[i].ID == "" {
				txs[i].ID = uuid.NewString()
				repaired++
			}
			if !txs[i].Date.IsValid() {
				txs[i].Date = today
				repaired++
			}
			if !txs[i].Frequency.Valid() {
				s.log.Warn().
					Str("id", txs[i].ID).
					Str("name", txs[i].Name).
					Str("frequency", string(txs[i].Frequency)).
					Msg("unknown frequency, record will contribute nothing to totals")
			}
		}
	}
	fix(s.snap.Income)
	fix(s.snap.Expenses)

	for i := range s.snap.Statements {
		if s.snap.Statements[i].ID == "" {
			s.snap.Statements[i].ID = uuid.NewString()
			repaired++
		}
	}
	for i := range s.snap.BalanceTransfers {
		if s.snap.BalanceTransfers[i].ID == "" {
			s.snap.BalanceTransfers[i].ID = uuid.NewString()
			repaired++
		}
	}

	if repaired > 0 {
		s.log.Info().Int("fields", repaired).Msg("migrated legacy records")
	}
}

// Save writes the snapshot back to the KV store wholesale.
func (s *Store) Save(ctx context.Context) error {
	raw, err := json.Marshal(s.snap)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, DataKey, string(raw)); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy safe to hand to pure computations.
func (s *Store) Snapshot() domain.Snapshot {
	out := domain.Snapshot{
		Income:           append([]domain.Transaction{}, s.snap.Income...),
		Expenses:         append([]domain.Transaction{}, s.snap.Expenses...),
		Statements:       append([]domain.Statement{}, s.snap.Statements...),
		BalanceTransfers: append([]domain.BalanceTransfer{}, s.snap.BalanceTransfers...),
	}
	for i := range out.Statements {
		if b := out.Statements[i].Balance; b != nil {
			v := *b
			out.Statements[i].Balance = &v
		}
	}
	return out
}

// Replace swaps in a whole snapshot, e.g. after a backup restore. The
// incoming data goes through the same migration as a fresh load.
func (s *Store) Replace(snap domain.Snapshot, today civil.Date) {
	s.snap = snap
	s.migrate(today)
}

// AddTransaction appends a transaction to the collection for kind,
// assigning an ID when absent, and returns the stored record.
func (s *Store) AddTransaction(kind domain.Kind, tx domain.Transaction) domain.Transaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if kind == domain.KindIncome {
		s.snap.Income = append(s.snap.Income, tx)
	} else {
		s.snap.Expenses = append(s.snap.Expenses, tx)
	}
	return tx
}

// UpdateTransaction replaces the record with tx.ID, moving it between
// collections when kind differs from where it currently lives. The ID is
// preserved across the move.
func (s *Store) UpdateTransaction(kind domain.Kind, tx domain.Transaction) error {
	if tx.ID == "" {
		return ErrNotFound
	}
	if !s.removeTransaction(tx.ID) {
		return ErrNotFound
	}
	s.AddTransaction(kind, tx)
	return nil
}

// DeleteTransaction removes the record with the given ID from whichever
// collection holds it.
func (s *Store) DeleteTransaction(id string) error {
	if !s.removeTransaction(id) {
		return ErrNotFound
	}
	return nil
}

func (s *Store) removeTransaction(id string) bool {
	for i, tx := range s.snap.Income {
		if tx.ID == id {
			s.snap.Income = append(s.snap.Income[:i], s.snap.Income[i+1:]...)
			return true
		}
	}
	for i, tx := range s.snap.Expenses {
		if tx.ID == id {
			s.snap.Expenses = append(s.snap.Expenses[:i], s.snap.Expenses[i+1:]...)
			return true
		}
	}
	return false
}

// Kind reports which collection holds the transaction with the given ID.
func (s *Store) Kind(id string) (domain.Kind, bool) {
	for _, tx := range s.snap.Income {
		if tx.ID == id {
			return domain.KindIncome, true
		}
	}
	for _, tx := range s.snap.Expenses {
		if tx.ID == id {
			return domain.KindExpense, true
		}
	}
	return "", false
}

// AddStatement appends a statement, assigning an ID when absent.
func (s *Store) AddStatement(st domain.Statement) domain.Statement {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	s.snap.Statements = append(s.snap.Statements, st)
	return st
}

// DeleteStatement removes a statement by ID. With cascade set, every
// transaction referencing it is removed as well; otherwise the link is
// cleared and the transactions stay.
func (s *Store) DeleteStatement(id string, cascade bool) error {
	idx := -1
	for i, st := range s.snap.Statements {
		if st.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	s.snap.Statements = append(s.snap.Statements[:idx], s.snap.Statements[idx+1:]...)

	strip := func(txs []domain.Transaction) []domain.Transaction {
		out := txs[:0]
		for _, tx := range txs {
			if tx.StatementID == id {
				if cascade {
					continue
				}
				tx.StatementID = ""
			}
			out = append(out, tx)
		}
		return out
	}
	s.snap.Income = strip(s.snap.Income)
	s.snap.Expenses = strip(s.snap.Expenses)
	return nil
}

// LatestStatements returns, for each (provider, last4) account, the
// statement with the latest closing date: the authoritative record for the
// account's current balance.
func (s *Store) LatestStatements() []domain.Statement {
	latest := make(map[string]domain.Statement)
	order := []string{}
	for _, st := range s.snap.Statements {
		key := domain.NormalizeName(st.Provider) + "/" + st.Last4
		cur, ok := latest[key]
		if !ok {
			order = append(order, key)
			latest[key] = st
			continue
		}
		if st.Date.After(cur.Date) {
			latest[key] = st
		}
	}
	out := make([]domain.Statement, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out
}

// AddBalanceTransfer appends a balance transfer, assigning an ID when absent.
func (s *Store) AddBalanceTransfer(bt domain.BalanceTransfer) domain.BalanceTransfer {
	if bt.ID == "" {
		bt.ID = uuid.NewString()
	}
	s.snap.BalanceTransfers = append(s.snap.BalanceTransfers, bt)
	return bt
}

// UpdateBalanceTransfer replaces the balance transfer with bt.ID.
func (s *Store) UpdateBalanceTransfer(bt domain.BalanceTransfer) error {
	for i, cur := range s.snap.BalanceTransfers {
		if cur.ID == bt.ID {
			s.snap.BalanceTransfers[i] = bt
			return nil
		}
	}
	return ErrNotFound
}

// DeleteBalanceTransfer removes a balance transfer by ID.
func (s *Store) DeleteBalanceTransfer(id string) error {
	for i, cur := range s.snap.BalanceTransfers {
		if cur.ID == id {
			s.snap.BalanceTransfers = append(s.snap.BalanceTransfers[:i], s.snap.BalanceTransfers[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
