package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"receiptflow/internal/amqp"
	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
	"receiptflow/internal/sheets"
	"receiptflow/internal/storage"
)

// ExportStore is the outbox side of the local receipts mirror.
type ExportStore interface {
	GetReceipt(ctx context.Context, id int64) (*core.TrackedReceipt, error)
	PendingExports(ctx context.Context, limit int) ([]storage.PendingExport, error)
	MarkExported(ctx context.Context, id int64, ref string) error
	MarkExportError(ctx context.Context, id int64, cause error) error
	ExportState(ctx context.Context, id int64) (state, ref string, err error)
}

type Config struct {
	// Interval between outbox drains (default: 30s)
	Interval time.Duration
	// BatchSize is the max number of receipts exported per drain (default: 10)
	BatchSize int
}

// ExportWorker writes completed receipts to the spreadsheet. Events from the
// message bus are the fast path; the periodic outbox drain picks up whatever
// was missed while the bus or the sheet was unavailable.
type ExportWorker struct {
	store  ExportStore
	sheets sheets.ReceiptWriter
	config Config
	logger *applog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewExportWorker(store ExportStore, writer sheets.ReceiptWriter, config Config, logger *applog.Logger) *ExportWorker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	return &ExportWorker{
		store:  store,
		sheets: writer,
		config: config,
		logger: logger.WithComponent(applog.ComponentWorker),
	}
}

// HandleSettled processes one settled-receipt message. Only completed
// receipts are exported, and each at most once.
func (w *ExportWorker) HandleSettled(ctx context.Context, msg *amqp.ReceiptSettledMessage) error {
	if msg.TrackState != core.TrackCompleted {
		w.logger.DebugContext(ctx, "Skipping receipt that did not complete",
			"receipt_id", msg.ReceiptID,
			"track_state", string(msg.TrackState))
		return nil
	}

	state, _, err := w.store.ExportState(ctx, msg.ReceiptID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.WarnContext(ctx, "Settled receipt has no outbox entry", "receipt_id", msg.ReceiptID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get export state: %w", err)
	}
	if state == storage.ExportDone {
		return nil
	}

	rec, err := w.store.GetReceipt(ctx, msg.ReceiptID)
	if err != nil {
		return fmt.Errorf("get receipt from storage: %w", err)
	}

	// A failed append stays in the outbox, the next drain retries it.
	_ = w.export(ctx, *rec)
	return nil
}

// DrainOutbox exports pending receipts and returns how many were written.
func (w *ExportWorker) DrainOutbox(ctx context.Context) (int, error) {
	pending, err := w.store.PendingExports(ctx, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("get pending exports: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	w.logger.InfoContext(ctx, "Processing pending exports", "count", len(pending))

	exported := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return exported, ctx.Err()
		}
		if err := w.export(ctx, p.Receipt); err != nil {
			continue
		}
		exported++
	}
	return exported, nil
}

func (w *ExportWorker) export(ctx context.Context, rec core.TrackedReceipt) error {
	id := rec.Record.ID
	ref, err := w.sheets.AppendReceipt(ctx, rec)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to export receipt", applog.NewFields().
			WithOperation(applog.OpExport).
			WithReceipt(id, string(rec.Record.Status)).
			WithError(err).ToSlice()...)
		if markErr := w.store.MarkExportError(ctx, id, err); markErr != nil {
			w.logger.ErrorContext(ctx, "Failed to mark export error", "receipt_id", id, "error", markErr)
		}
		return fmt.Errorf("append to sheets: %w", err)
	}

	if err := w.store.MarkExported(ctx, id, ref); err != nil {
		// the row is written; a retry would duplicate it, so only log
		w.logger.ErrorContext(ctx, "Failed to mark as exported", "receipt_id", id, "error", err)
	}
	return nil
}

// Start begins the drain loop. Returns an error if already running.
func (w *ExportWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("export worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.runLoop(ctx)

	w.logger.InfoContext(ctx, "Export worker started",
		"interval", w.config.Interval.String(),
		"batch_size", w.config.BatchSize)
	return nil
}

// Stop signals the loop and waits for it to finish.
func (w *ExportWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		w.logger.InfoContext(ctx, "Export worker stopped gracefully")
	case <-ctx.Done():
		w.logger.WarnContext(ctx, "Export worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *ExportWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *ExportWorker) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Drain immediately on startup to recover from downtime
	w.drain(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *ExportWorker) drain(ctx context.Context) {
	if _, err := w.DrainOutbox(ctx); err != nil && ctx.Err() == nil {
		w.logger.ErrorContext(ctx, "Failed to drain export outbox", "error", err)
	}
}
