package worker

import (
	"context"
	"fmt"
	"testing"

	"ricorrente/internal/amqp"
	"ricorrente/internal/core"
	"ricorrente/internal/storage"
)

type fakeExportStore struct {
	rows    map[string]core.Transaction
	status  map[string]string
	pending []storage.PendingExport
}

func newFakeExportStore() *fakeExportStore {
	return &fakeExportStore{
		rows:   make(map[string]core.Transaction),
		status: make(map[string]string),
	}
}

func key(source string, id int64) string { return fmt.Sprintf("%s/%d", source, id) }

func (s *fakeExportStore) add(source string, t core.Transaction) {
	s.rows[key(source, t.ID)] = t
	s.status[key(source, t.ID)] = "pending"
	s.pending = append(s.pending, storage.PendingExport{Source: source, ID: t.ID})
}

func (s *fakeExportStore) GetTransactionForExport(ctx context.Context, source string, id int64) (core.Transaction, error) {
	t, ok := s.rows[key(source, id)]
	if !ok {
		return core.Transaction{}, core.ErrNotFound
	}
	return t, nil
}

func (s *fakeExportStore) MarkExported(ctx context.Context, source string, id int64) error {
	s.status[key(source, id)] = "synced"
	return nil
}

func (s *fakeExportStore) MarkExportError(ctx context.Context, source string, id int64) error {
	s.status[key(source, id)] = "error"
	return nil
}

func (s *fakeExportStore) ListPendingExports(ctx context.Context, limit int) ([]storage.PendingExport, error) {
	var out []storage.PendingExport
	for _, p := range s.pending {
		if s.status[key(p.Source, p.ID)] != "pending" {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeSheet struct {
	appended []core.Transaction
	failNext bool
}

func (f *fakeSheet) Append(ctx context.Context, t core.Transaction, source string) error {
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("sheets unavailable")
	}
	f.appended = append(f.appended, t)
	return nil
}

func sampleTransaction(id int64, cents int64) core.Transaction {
	return core.Transaction{
		ID:          id,
		OwnerID:     "emilio",
		Amount:      core.Money{Cents: cents},
		Category:    "casa",
		Description: "affitto" + core.GeneratedSuffix,
		Date:        core.NewDate(2024, 1, 15),
		Generated:   true,
	}
}

func TestHandleExportMessage(t *testing.T) {
	store := newFakeExportStore()
	store.add("expenses", sampleTransaction(1, -80000))
	sheet := &fakeSheet{}
	w := NewExportWorker(store, sheet, 10)

	msg := amqp.NewTransactionExportMessage("expenses", 1)
	if err := w.HandleExportMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleExportMessage() error = %v", err)
	}
	if len(sheet.appended) != 1 {
		t.Fatalf("appended %d rows, want 1", len(sheet.appended))
	}
	if store.status["expenses/1"] != "synced" {
		t.Errorf("status = %q, want synced", store.status["expenses/1"])
	}
}

func TestHandleExportMessage_MissingRowDropped(t *testing.T) {
	store := newFakeExportStore()
	w := NewExportWorker(store, &fakeSheet{}, 10)

	msg := amqp.NewTransactionExportMessage("expenses", 99)
	if err := w.HandleExportMessage(context.Background(), msg); err != nil {
		t.Errorf("missing row should be dropped without error, got %v", err)
	}
}

func TestHandleExportMessage_AppendFailureMarksError(t *testing.T) {
	store := newFakeExportStore()
	store.add("incomes", sampleTransaction(2, 250000))
	sheet := &fakeSheet{failNext: true}
	w := NewExportWorker(store, sheet, 10)

	msg := amqp.NewTransactionExportMessage("incomes", 2)
	if err := w.HandleExportMessage(context.Background(), msg); err == nil {
		t.Fatal("HandleExportMessage() error = nil, want append failure")
	}
	if store.status["incomes/2"] != "error" {
		t.Errorf("status = %q, want error", store.status["incomes/2"])
	}
}

func TestProcessPending(t *testing.T) {
	store := newFakeExportStore()
	store.add("expenses", sampleTransaction(1, -80000))
	store.add("incomes", sampleTransaction(2, 250000))
	sheet := &fakeSheet{}
	w := NewExportWorker(store, sheet, 10)

	n, err := w.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ProcessPending() = %d, want 2", n)
	}

	// Everything synced: a second pass is a no-op.
	n, err = w.ProcessPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second ProcessPending() = %d, want 0", n)
	}
}

func TestProcessPending_FailureDoesNotStopBatch(t *testing.T) {
	store := newFakeExportStore()
	store.add("expenses", sampleTransaction(1, -80000))
	store.add("expenses", sampleTransaction(2, -5000))
	sheet := &fakeSheet{failNext: true}
	w := NewExportWorker(store, sheet, 10)

	n, err := w.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ProcessPending() = %d, want 1 (one failed, one exported)", n)
	}
}
