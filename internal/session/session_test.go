package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finboard/internal/ai"
	"github.com/dvloznov/finboard/internal/backup"
	"github.com/dvloznov/finboard/internal/domain"
	"github.com/dvloznov/finboard/internal/logger"
	"github.com/dvloznov/finboard/internal/reconcile"
	"github.com/dvloznov/finboard/internal/rules"
	"github.com/dvloznov/finboard/internal/store"
)

type fakeKV struct {
	data map[string]string
	sets int
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]string{}} }

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(ctx context.Context, key, value string) error {
	f.sets++
	f.data[key] = value
	return nil
}

type fakeService struct {
	classifyFn    func(name string) (rules.Entry, error)
	extractFn     func(docs []ai.Document) (*ai.Extraction, error)
	chatFn        func(contextBlock string, history []ai.ChatTurn, question string) (string, error)
	classifyCalls int
}

func (f *fakeService) Classify(ctx context.Context, name string) (rules.Entry, error) {
	f.classifyCalls++
	if f.classifyFn == nil {
		return rules.Entry{}, errors.New("unexpected Classify call")
	}
	return f.classifyFn(name)
}

func (f *fakeService) ExtractDocuments(ctx context.Context, docs []ai.Document, known map[string]rules.Entry) (*ai.Extraction, error) {
	if f.extractFn == nil {
		return nil, errors.New("unexpected ExtractDocuments call")
	}
	return f.extractFn(docs)
}

func (f *fakeService) Chat(ctx context.Context, contextBlock string, history []ai.ChatTurn, question string) (string, error) {
	if f.chatFn == nil {
		return "", errors.New("unexpected Chat call")
	}
	return f.chatFn(contextBlock, history, question)
}

type fakeBlobs struct {
	blobs  map[string][]backup.Blob
	putErr error
	getErr error
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{blobs: map[string][]backup.Blob{}} }

func (f *fakeBlobs) Put(ctx context.Context, account string, blob backup.Blob) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.blobs[account] = append(f.blobs[account], blob)
	return nil
}

func (f *fakeBlobs) Latest(ctx context.Context, account string) (backup.Blob, error) {
	if f.getErr != nil {
		return backup.Blob{}, f.getErr
	}
	versions := f.blobs[account]
	if len(versions) == 0 {
		return backup.Blob{}, backup.ErrNoBackups
	}
	return versions[len(versions)-1], nil
}

var testToday = civil.Date{Year: 2025, Month: time.March, Day: 15}

func newTestSession(t *testing.T, svc ai.Service, opts Options) (*Session, *fakeKV) {
	t.Helper()
	kv := newFakeKV()
	st, err := store.Load(context.Background(), kv, zerolog.Nop(), testToday)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	cache := rules.Load(context.Background(), kv, zerolog.Nop())
	if opts.Clock == nil {
		opts.Clock = func() civil.Date { return testToday }
	}
	opts.Logger = zerolog.Nop()
	return New(st, cache, svc, opts), kv
}

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func TestSaveTransactionLearnsRule(t *testing.T) {
	svc := &fakeService{}
	sess, kv := newTestSession(t, svc, Options{})

	tx, err := sess.SaveTransaction(context.Background(), domain.KindExpense, domain.Transaction{
		Name:      "Netflix",
		Amount:    15.49,
		Date:      date(2025, time.March, 1),
		Frequency: domain.Monthly,
		Category:  "Entertainment",
		Type:      domain.TypeSubscription,
	})
	if err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	if tx.ID == "" {
		t.Error("saved transaction should have an ID assigned")
	}

	// The classification is now a learned rule, answered without AI.
	entry, err := sess.Classify(context.Background(), "NETFLIX")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if entry.Category != "Entertainment" || entry.Frequency != domain.Monthly {
		t.Errorf("learned entry = %+v", entry)
	}
	if svc.classifyCalls != 0 {
		t.Errorf("Classify hit the AI service %d times for a known merchant", svc.classifyCalls)
	}

	if _, ok := kv.data[store.DataKey]; !ok {
		t.Error("snapshot was not persisted")
	}
	if _, ok := kv.data[rules.DefaultKey]; !ok {
		t.Error("rule cache was not persisted")
	}
}

func TestSaveTransactionSanitizesCategory(t *testing.T) {
	sess, _ := newTestSession(t, &fakeService{}, Options{})

	tx, err := sess.SaveTransaction(context.Background(), domain.KindExpense, domain.Transaction{
		Name:      "Mystery Box",
		Amount:    9.99,
		Date:      testToday,
		Frequency: domain.OneTime,
		Category:  "Cryptocurrency",
	})
	if err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	if tx.Category != domain.CategoryOther {
		t.Errorf("category = %q, want %q", tx.Category, domain.CategoryOther)
	}
}

func TestClassifyFallsBackToAI(t *testing.T) {
	svc := &fakeService{
		classifyFn: func(name string) (rules.Entry, error) {
			return rules.Entry{Category: "Food", Frequency: domain.OneTime}, nil
		},
	}
	sess, _ := newTestSession(t, svc, Options{})

	entry, err := sess.Classify(context.Background(), "New Restaurant")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if entry.Category != "Food" {
		t.Errorf("entry = %+v", entry)
	}
	if svc.classifyCalls != 1 {
		t.Errorf("classifyCalls = %d, want 1", svc.classifyCalls)
	}

	// Suggestions are not learned; a second ask hits the service again.
	if _, err := sess.Classify(context.Background(), "New Restaurant"); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if svc.classifyCalls != 2 {
		t.Errorf("classifyCalls = %d, want 2 (suggestions are learned only at save)", svc.classifyCalls)
	}
}

func extractionFor(doc ai.Document) *ai.Extraction {
	return &ai.Extraction{
		Metadata: reconcile.StatementMeta{
			Provider: "Chase",
			Last4:    "1111",
			Date:     date(2025, time.February, 28),
			Type:     domain.StatementCreditCard,
		},
		Transactions: []reconcile.Candidate{{
			Name:      "Netflix",
			Amount:    15.49,
			Date:      date(2025, time.February, 1),
			Category:  "Entertainment",
			Frequency: domain.Monthly,
			Type:      domain.TypeSubscription,
		}},
	}
}

func TestImportDocumentsCommitsBatch(t *testing.T) {
	svc := &fakeService{extractFn: func(docs []ai.Document) (*ai.Extraction, error) {
		return extractionFor(docs[0]), nil
	}}
	sess, kv := newTestSession(t, svc, Options{})

	results, err := sess.ImportDocuments(context.Background(), []ai.Document{
		{MIMEType: "application/pdf", Data: []byte("statement")},
	})
	if err != nil {
		t.Fatalf("ImportDocuments: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	res := results[0]
	if !res.StatementCreated || len(res.New) != 1 {
		t.Errorf("result = %+v", res)
	}

	snap := sess.Snapshot()
	if len(snap.Expenses) != 1 || snap.Expenses[0].StatementID == "" {
		t.Errorf("expenses = %+v", snap.Expenses)
	}
	if len(snap.Statements) != 1 {
		t.Errorf("statements = %+v", snap.Statements)
	}
	if kv.sets == 0 {
		t.Error("import should persist the snapshot")
	}
}

func TestImportDocumentsCrossDocumentDedup(t *testing.T) {
	svc := &fakeService{extractFn: func(docs []ai.Document) (*ai.Extraction, error) {
		return extractionFor(docs[0]), nil
	}}
	sess, _ := newTestSession(t, svc, Options{ImportConcurrency: 1})

	// Two identical documents. The second reconciles against the snapshot
	// already holding the first one's rows and skips them all.
	docs := []ai.Document{
		{MIMEType: "application/pdf", Data: []byte("a")},
		{MIMEType: "application/pdf", Data: []byte("b")},
	}
	results, err := sess.ImportDocuments(context.Background(), docs)
	if err != nil {
		t.Fatalf("ImportDocuments: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if len(results[1].New) != 0 || results[1].Skipped != 1 {
		t.Errorf("second document result = %+v, want everything skipped", results[1])
	}
	if got := len(sess.Snapshot().Expenses); got != 1 {
		t.Errorf("expenses = %d, want 1", got)
	}
}

func TestImportDocumentsExtractionFailureAborts(t *testing.T) {
	calls := 0
	svc := &fakeService{extractFn: func(docs []ai.Document) (*ai.Extraction, error) {
		calls++
		if string(docs[0].Data) == "bad" {
			return nil, fmt.Errorf("model returned garbage")
		}
		return extractionFor(docs[0]), nil
	}}
	sess, kv := newTestSession(t, svc, Options{ImportConcurrency: 1})

	_, err := sess.ImportDocuments(context.Background(), []ai.Document{
		{MIMEType: "application/pdf", Data: []byte("good")},
		{MIMEType: "application/pdf", Data: []byte("bad")},
	})
	if err == nil {
		t.Fatal("expected import to fail")
	}
	if got := len(sess.Snapshot().Expenses); got != 0 {
		t.Errorf("expenses = %d, want 0 (nothing committed)", got)
	}
	if kv.sets != 0 {
		t.Error("failed import must not persist anything")
	}
}

func TestImportDocumentsReconcileFailureAborts(t *testing.T) {
	kv := newFakeKV()
	st, err := store.Load(context.Background(), kv, zerolog.Nop(), testToday)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	// Two known Chase accounts make a suffix-less statement ambiguous.
	st.AddStatement(domain.Statement{Provider: "Chase", Last4: "1111", Date: date(2025, time.January, 31), Type: domain.StatementCreditCard})
	st.AddStatement(domain.Statement{Provider: "Chase", Last4: "2222", Date: date(2025, time.January, 31), Type: domain.StatementCreditCard})
	if err := st.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	kv.sets = 0

	svc := &fakeService{extractFn: func(docs []ai.Document) (*ai.Extraction, error) {
		if string(docs[0].Data) == "no-suffix" {
			return &ai.Extraction{
				Metadata: reconcile.StatementMeta{Provider: "Chase", Date: date(2025, time.February, 28), Type: domain.StatementCreditCard},
				Transactions: []reconcile.Candidate{{
					Name: "Late Fee", Amount: 25, Date: date(2025, time.February, 10),
					Category: "Other", Frequency: domain.OneTime,
				}},
			}, nil
		}
		return extractionFor(docs[0]), nil
	}}
	cache := rules.Load(context.Background(), kv, zerolog.Nop())
	sess := New(st, cache, svc, Options{
		ImportConcurrency: 1,
		Clock:             func() civil.Date { return testToday },
		Logger:            zerolog.Nop(),
	})

	// Document 1 reconciles fine; document 2 fails on account ambiguity.
	_, err = sess.ImportDocuments(context.Background(), []ai.Document{
		{MIMEType: "application/pdf", Data: []byte("good")},
		{MIMEType: "application/pdf", Data: []byte("no-suffix")},
	})
	var ambErr *reconcile.AmbiguousAccountError
	if !errors.As(err, &ambErr) {
		t.Fatalf("err = %v, want AmbiguousAccountError", err)
	}

	snap := sess.Snapshot()
	if len(snap.Expenses) != 0 {
		t.Errorf("expenses = %d, want 0 (first document must not stay applied)", len(snap.Expenses))
	}
	if len(snap.Statements) != 2 {
		t.Errorf("statements = %d, want the 2 pre-existing ones", len(snap.Statements))
	}
	if kv.sets != 0 {
		t.Error("failed import must not persist anything")
	}

	// A later unrelated save must not sweep the failed batch onto disk.
	if _, err := sess.SaveTransaction(context.Background(), domain.KindExpense, domain.Transaction{
		Name: "Coffee", Amount: 5, Date: testToday, Frequency: domain.OneTime, Category: "Food",
	}); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	reloaded, err := store.Load(context.Background(), kv, zerolog.Nop(), testToday)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	persisted := reloaded.Snapshot()
	if len(persisted.Expenses) != 1 || persisted.Expenses[0].Name != "Coffee" {
		t.Errorf("persisted expenses = %+v, want only the coffee row", persisted.Expenses)
	}
}

func TestImportDocumentsLogsComponent(t *testing.T) {
	kv := newFakeKV()
	st, err := store.Load(context.Background(), kv, zerolog.Nop(), testToday)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	cache := rules.Load(context.Background(), kv, zerolog.Nop())
	svc := &fakeService{extractFn: func(docs []ai.Document) (*ai.Extraction, error) {
		return extractionFor(docs[0]), nil
	}}

	buf := &bytes.Buffer{}
	sess := New(st, cache, svc, Options{
		Clock:  func() civil.Date { return testToday },
		Logger: logger.NewWithWriter(buf),
	})

	if _, err := sess.ImportDocuments(context.Background(), []ai.Document{
		{MIMEType: "application/pdf", Data: []byte("statement")},
	}); err != nil {
		t.Fatalf("ImportDocuments: %v", err)
	}
	if !strings.Contains(buf.String(), `"component":"session"`) {
		t.Errorf("log output should carry the component tag, got: %s", buf.String())
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	blobs := newFakeBlobs()
	sess, _ := newTestSession(t, &fakeService{}, Options{Blobs: blobs, Account: "alice"})

	if _, err := sess.SaveTransaction(context.Background(), domain.KindIncome, domain.Transaction{
		Name:      "Salary",
		Amount:    4000,
		Date:      date(2025, time.January, 1),
		Frequency: domain.Monthly,
		Category:  "Salary",
	}); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}

	if err := sess.Backup(context.Background(), "hunter2"); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if len(blobs.blobs["alice"]) != 1 {
		t.Fatalf("blob count = %d, want 1", len(blobs.blobs["alice"]))
	}

	// Wipe local data, then restore.
	snap := sess.Snapshot()
	if err := sess.DeleteTransaction(context.Background(), snap.Income[0].ID); err != nil {
		t.Fatalf("DeleteTransaction: %v", err)
	}
	if len(sess.Snapshot().Income) != 0 {
		t.Fatal("precondition: income should be empty")
	}

	if err := sess.Restore(context.Background(), "hunter2"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := sess.Snapshot()
	if len(got.Income) != 1 || got.Income[0].Name != "Salary" {
		t.Errorf("restored income = %+v", got.Income)
	}
}

func TestRestoreWrongPasswordLeavesStore(t *testing.T) {
	blobs := newFakeBlobs()
	sess, _ := newTestSession(t, &fakeService{}, Options{Blobs: blobs})

	if _, err := sess.SaveTransaction(context.Background(), domain.KindExpense, domain.Transaction{
		Name: "Rent", Amount: 1500, Date: testToday, Frequency: domain.Monthly, Category: "Housing",
	}); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	if err := sess.Backup(context.Background(), "correct"); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	err := sess.Restore(context.Background(), "wrong")
	if !errors.Is(err, backup.ErrDecryption) {
		t.Errorf("err = %v, want ErrDecryption", err)
	}
	if len(sess.Snapshot().Expenses) != 1 {
		t.Error("failed restore must leave local data untouched")
	}
}

func TestBackupDisabled(t *testing.T) {
	sess, _ := newTestSession(t, &fakeService{}, Options{})

	if err := sess.Backup(context.Background(), "pw"); !errors.Is(err, ErrBackupDisabled) {
		t.Errorf("Backup err = %v, want ErrBackupDisabled", err)
	}
	if err := sess.Restore(context.Background(), "pw"); !errors.Is(err, ErrBackupDisabled) {
		t.Errorf("Restore err = %v, want ErrBackupDisabled", err)
	}
}

func TestMonthlyUsesStoreSnapshot(t *testing.T) {
	sess, _ := newTestSession(t, &fakeService{}, Options{})

	if _, err := sess.SaveTransaction(context.Background(), domain.KindIncome, domain.Transaction{
		Name: "Salary", Amount: 4000, Date: date(2025, time.January, 1), Frequency: domain.Monthly, Category: "Salary",
	}); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}

	fin := sess.Monthly(3, 2025)
	if fin.TotalIncome != 4000 {
		t.Errorf("TotalIncome = %v, want 4000", fin.TotalIncome)
	}
}

func TestChatCarriesHistory(t *testing.T) {
	var seenHistory int
	svc := &fakeService{chatFn: func(contextBlock string, history []ai.ChatTurn, question string) (string, error) {
		seenHistory = len(history)
		return "answer to " + question, nil
	}}
	sess, _ := newTestSession(t, svc, Options{})

	if _, err := sess.Chat(context.Background(), 3, 2025, "first"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if seenHistory != 0 {
		t.Errorf("first call saw %d turns, want 0", seenHistory)
	}

	if _, err := sess.Chat(context.Background(), 3, 2025, "second"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if seenHistory != 2 {
		t.Errorf("second call saw %d turns, want 2 (prior question and answer)", seenHistory)
	}
}

func TestChatHistoryBounded(t *testing.T) {
	var seenHistory int
	svc := &fakeService{chatFn: func(contextBlock string, history []ai.ChatTurn, question string) (string, error) {
		seenHistory = len(history)
		return "ok", nil
	}}
	sess, _ := newTestSession(t, svc, Options{})

	// Far more exchanges than the window; the stored history must not
	// grow past it.
	for i := 0; i < 20; i++ {
		if _, err := sess.Chat(context.Background(), 3, 2025, fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("Chat: %v", err)
		}
	}
	if seenHistory != ai.HistoryWindow {
		t.Errorf("last call saw %d turns, want the %d-turn window", seenHistory, ai.HistoryWindow)
	}
	if got := len(sess.history); got != ai.HistoryWindow {
		t.Errorf("stored history = %d turns, want trimmed to %d", got, ai.HistoryWindow)
	}
}
