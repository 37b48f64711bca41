// Package worker drains the export queue: each message names one generated
// row, the worker loads it and mirrors it to the sheet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ricorrente/internal/amqp"
	"ricorrente/internal/core"
	"ricorrente/internal/storage"
)

// ExportStore is what the worker needs from persistence.
type ExportStore interface {
	GetTransactionForExport(ctx context.Context, source string, id int64) (core.Transaction, error)
	MarkExported(ctx context.Context, source string, id int64) error
	MarkExportError(ctx context.Context, source string, id int64) error
	ListPendingExports(ctx context.Context, limit int) ([]storage.PendingExport, error)
}

// SheetAppender mirrors one transaction to the spreadsheet.
type SheetAppender interface {
	Append(ctx context.Context, t core.Transaction, source string) error
}

type ExportWorker struct {
	store     ExportStore
	sheet     SheetAppender
	batchSize int
}

func NewExportWorker(store ExportStore, sheet SheetAppender, batchSize int) *ExportWorker {
	if batchSize < 1 {
		batchSize = 50
	}
	return &ExportWorker{
		store:     store,
		sheet:     sheet,
		batchSize: batchSize,
	}
}

// HandleExportMessage processes a single export message from AMQP. A row
// that vanished is acked and dropped; an append failure marks the row and
// propagates so the delivery is requeued.
func (w *ExportWorker) HandleExportMessage(ctx context.Context, msg *amqp.TransactionExportMessage) error {
	t, err := w.store.GetTransactionForExport(ctx, msg.Source, msg.ID)
	if errors.Is(err, core.ErrNotFound) {
		slog.WarnContext(ctx, "Export message for missing transaction, dropping",
			"source", msg.Source, "id", msg.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load transaction for export: %w", err)
	}

	if err := w.sheet.Append(ctx, t, msg.Source); err != nil {
		if markErr := w.store.MarkExportError(ctx, msg.Source, msg.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark export error",
				"source", msg.Source, "id", msg.ID, "error", markErr)
		}
		return fmt.Errorf("append to sheet: %w", err)
	}

	if err := w.store.MarkExported(ctx, msg.Source, msg.ID); err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	return nil
}

// ProcessPending mirrors rows that never got a queue message (or whose
// message was lost). Failures are logged per row and do not stop the batch.
func (w *ExportWorker) ProcessPending(ctx context.Context) (int, error) {
	pending, err := w.store.ListPendingExports(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending exports: %w", err)
	}

	exported := 0
	for _, p := range pending {
		msg := amqp.NewTransactionExportMessage(p.Source, p.ID)
		if err := w.HandleExportMessage(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "Pending export failed",
				"source", p.Source, "id", p.ID, "error", err)
			continue
		}
		exported++
	}
	if exported > 0 {
		slog.InfoContext(ctx, "Processed pending exports", "count", exported)
	}
	return exported, nil
}

// StartupCheck drains the pending backlog once at boot, a few batches deep,
// so a long outage does not wait for the periodic rescan.
func (w *ExportWorker) StartupCheck(ctx context.Context) error {
	for i := 0; i < 5; i++ {
		n, err := w.ProcessPending(ctx)
		if err != nil {
			return err
		}
		if n < w.batchSize {
			return nil
		}
	}
	return nil
}
