// Package session wires the store, rule cache, reconciler, AI client and
// backup store into the operations a front-end calls. It owns commit
// ordering: every mutation goes through the store first and is persisted
// with a single Save, so a failed external call never leaves half a batch
// behind.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finboard/internal/aggregate"
	"github.com/dvloznov/finboard/internal/ai"
	"github.com/dvloznov/finboard/internal/backup"
	"github.com/dvloznov/finboard/internal/domain"
	"github.com/dvloznov/finboard/internal/logger"
	"github.com/dvloznov/finboard/internal/reconcile"
	"github.com/dvloznov/finboard/internal/rules"
	"github.com/dvloznov/finboard/internal/store"
)

// ErrBackupDisabled is returned by Backup/Restore when no blob store is
// configured.
var ErrBackupDisabled = errors.New("session: backup is not configured")

// Blobs is the remote backup surface the session depends on.
type Blobs interface {
	Put(ctx context.Context, account string, blob backup.Blob) error
	Latest(ctx context.Context, account string) (backup.Blob, error)
}

// Options tunes optional session behavior. The zero value disables backup
// and uses sane defaults.
type Options struct {
	Blobs             Blobs
	Account           string
	ImportConcurrency int
	Clock             func() civil.Date
	Logger            zerolog.Logger
}

// Session is the per-user orchestration layer.
type Session struct {
	store       *store.Store
	cache       *rules.Cache
	svc         ai.Service
	blobs       Blobs
	account     string
	concurrency int
	today       func() civil.Date
	history     []ai.ChatTurn
	log         zerolog.Logger
}

func New(st *store.Store, cache *rules.Cache, svc ai.Service, opts Options) *Session {
	today := opts.Clock
	if today == nil {
		today = func() civil.Date { return civil.DateOf(time.Now()) }
	}
	concurrency := opts.ImportConcurrency
	if concurrency < 1 {
		concurrency = 4
	}
	account := opts.Account
	if account == "" {
		account = "default"
	}
	return &Session{
		store:       st,
		cache:       cache,
		svc:         svc,
		blobs:       opts.Blobs,
		account:     account,
		concurrency: concurrency,
		today:       today,
		log:         logger.Component(opts.Logger, "session"),
	}
}

// SaveTransaction persists a new or edited transaction and learns its
// classification as a merchant rule. A rule persistence failure is logged
// but does not fail the save; the transaction itself must land.
func (s *Session) SaveTransaction(ctx context.Context, kind domain.Kind, tx domain.Transaction) (domain.Transaction, error) {
	tx.Category = domain.SanitizeCategory(kind, tx.Category)

	if tx.ID == "" {
		tx = s.store.AddTransaction(kind, tx)
	} else if err := s.store.UpdateTransaction(kind, tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}

	entry := rules.Entry{
		Category:  tx.Category,
		Frequency: tx.Frequency,
		IsIncome:  kind == domain.KindIncome,
		Type:      tx.Type,
	}
	if err := s.cache.Learn(ctx, tx.Name, entry); err != nil {
		s.log.Warn().Err(err).Str("name", tx.Name).Msg("merchant rule not persisted")
	}

	if err := s.store.Save(ctx); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// DeleteTransaction removes a transaction and persists the snapshot.
func (s *Session) DeleteTransaction(ctx context.Context, id string) error {
	if err := s.store.DeleteTransaction(id); err != nil {
		return err
	}
	return s.store.Save(ctx)
}

// DeleteStatement removes a statement, optionally cascading to its linked
// transactions, and persists the snapshot.
func (s *Session) DeleteStatement(ctx context.Context, id string, cascade bool) error {
	if err := s.store.DeleteStatement(id, cascade); err != nil {
		return err
	}
	return s.store.Save(ctx)
}

// SaveBalanceTransfer creates or updates a balance-transfer record.
func (s *Session) SaveBalanceTransfer(ctx context.Context, bt domain.BalanceTransfer) (domain.BalanceTransfer, error) {
	if bt.ID == "" {
		bt = s.store.AddBalanceTransfer(bt)
	} else if err := s.store.UpdateBalanceTransfer(bt); err != nil {
		return domain.BalanceTransfer{}, err
	}
	if err := s.store.Save(ctx); err != nil {
		return domain.BalanceTransfer{}, err
	}
	return bt, nil
}

// DeleteBalanceTransfer removes a balance-transfer record.
func (s *Session) DeleteBalanceTransfer(ctx context.Context, id string) error {
	if err := s.store.DeleteBalanceTransfer(id); err != nil {
		return err
	}
	return s.store.Save(ctx)
}

// Classify suggests a classification for a merchant name. A learned rule
// answers without a network call; only unknown names reach the AI service.
// The suggestion is not learned here, learning happens at save time.
func (s *Session) Classify(ctx context.Context, name string) (rules.Entry, error) {
	if entry, ok := s.cache.Lookup(name); ok {
		return entry, nil
	}
	return s.svc.Classify(ctx, name)
}

// ImportDocuments extracts every document concurrently, then reconciles
// the extractions one at a time against a staged copy of the snapshot so
// that a transaction imported by one statement is visible as a duplicate
// to the next. The store is only touched after every document has
// reconciled cleanly; any extraction or reconciliation failure leaves the
// store exactly as it was.
func (s *Session) ImportDocuments(ctx context.Context, docs []ai.Document) ([]reconcile.Result, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("session: no documents to import")
	}

	known := s.cache.Entries()
	extractions := make([]*ai.Extraction, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, doc := range docs {
		g.Go(func() error {
			ext, err := s.svc.ExtractDocuments(gctx, []ai.Document{doc}, known)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			extractions[i] = ext
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	working := s.store.Snapshot()
	results := make([]reconcile.Result, 0, len(extractions))
	for i, ext := range extractions {
		res, err := reconcile.Reconcile(ext.Transactions, ext.Metadata, working, s.cache)
		if err != nil {
			return nil, fmt.Errorf("reconcile document %d: %w", i, err)
		}
		if err := applyResult(&working, res); err != nil {
			return nil, fmt.Errorf("apply document %d: %w", i, err)
		}
		results = append(results, res)

		s.log.Info().
			Str("provider", res.Statement.Provider).
			Int("new", len(res.New)).
			Int("updated", len(res.Updated)).
			Int("skipped", res.Skipped).
			Msg("statement reconciled")
	}

	s.store.Replace(working, s.today())
	if err := s.store.Save(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// applyResult merges one reconciled batch into the staged snapshot.
func applyResult(snap *domain.Snapshot, res reconcile.Result) error {
	if res.StatementCreated {
		snap.Statements = append(snap.Statements, res.Statement)
	}
	for _, imp := range res.New {
		if imp.Kind == domain.KindIncome {
			snap.Income = append(snap.Income, imp.Transaction)
		} else {
			snap.Expenses = append(snap.Expenses, imp.Transaction)
		}
	}
	for _, imp := range res.Updated {
		col := &snap.Expenses
		if imp.Kind == domain.KindIncome {
			col = &snap.Income
		}
		replaced := false
		for i := range *col {
			if (*col)[i].ID == imp.Transaction.ID {
				(*col)[i] = imp.Transaction
				replaced = true
				break
			}
		}
		if !replaced {
			return fmt.Errorf("updated transaction %q not found", imp.Transaction.ID)
		}
	}
	return nil
}

// Backup encrypts the current snapshot and uploads it. The remote store
// only ever receives ciphertext.
func (s *Session) Backup(ctx context.Context, password string) error {
	if s.blobs == nil {
		return ErrBackupDisabled
	}
	blob, err := backup.Encrypt(s.store.Snapshot(), password, time.Now())
	if err != nil {
		return err
	}
	return s.blobs.Put(ctx, s.account, blob)
}

// Restore downloads the latest backup, decrypts it and replaces the local
// snapshot. The local store is untouched when download or decryption fails.
func (s *Session) Restore(ctx context.Context, password string) error {
	if s.blobs == nil {
		return ErrBackupDisabled
	}
	blob, err := s.blobs.Latest(ctx, s.account)
	if err != nil {
		return err
	}
	snap, err := backup.Decrypt(blob, password)
	if err != nil {
		return err
	}
	s.store.Replace(snap, s.today())
	return s.store.Save(ctx)
}

// Monthly computes the dashboard aggregates for one calendar month.
func (s *Session) Monthly(month, year int) aggregate.Financials {
	return aggregate.ComputeMonthly(s.store.Snapshot(), month, year, s.today())
}

// Chat answers a question grounded in the given month's aggregates,
// carrying the running conversation history. The stored history is
// trimmed to the replay window so long sessions stay bounded.
func (s *Session) Chat(ctx context.Context, month, year int, question string) (string, error) {
	fin := s.Monthly(month, year)
	answer, err := s.svc.Chat(ctx, fin.ChatContext(), s.history, question)
	if err != nil {
		return "", err
	}
	s.history = append(s.history,
		ai.ChatTurn{Role: "user", Text: question},
		ai.ChatTurn{Role: "model", Text: answer},
	)
	if len(s.history) > ai.HistoryWindow {
		s.history = s.history[len(s.history)-ai.HistoryWindow:]
	}
	return answer, nil
}

// Statements returns the latest statement per account for balance display.
func (s *Session) Statements() []domain.Statement {
	return s.store.LatestStatements()
}

// Snapshot exposes a deep copy of the current data for read-only callers.
func (s *Session) Snapshot() domain.Snapshot {
	return s.store.Snapshot()
}
