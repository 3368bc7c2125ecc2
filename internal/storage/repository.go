package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"receiptflow/internal/core"

	_ "modernc.org/sqlite"
)

// Export outbox states
const (
	ExportPending  = "pending"
	ExportDone     = "exported"
	ExportErrored  = "error"
	maxExportTries = 5
)

var ErrNotFound = errors.New("not found")

type SQLiteRepository struct {
	db *sql.DB
}

// PendingExport is a completed receipt waiting to be written to the sheet
type PendingExport struct {
	Receipt  core.TrackedReceipt
	Attempts int
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dataSourceName(dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the poller and the CLI.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Debug("Local state database ready", "path", dbPath, "schema_version", version)

	return &SQLiteRepository{db: db}, nil
}

func dataSourceName(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Get implements identity.Store
func (r *SQLiteRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM local_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements identity.Store
func (r *SQLiteRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO local_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent implements identity.Store. The insert is a no-op when another
// process stored the key first; the stored value is returned either way.
func (r *SQLiteRepository) SetIfAbsent(ctx context.Context, key, value string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO local_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		key, value); err != nil {
		return "", fmt.Errorf("insert %s: %w", key, err)
	}

	var stored string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM local_state WHERE key = ?`, key).Scan(&stored); err != nil {
		return "", fmt.Errorf("read back %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// Delete implements identity.Store
func (r *SQLiteRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM local_state WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

// SaveReceipt upserts the mirrored copy of a record. A completed receipt is
// queued for export in the same transaction.
func (r *SQLiteRepository) SaveReceipt(ctx context.Context, owner string, rec core.ProcessingRecord, state core.TrackState) error {
	items := rec.Items
	if items == nil {
		items = []core.ReceiptItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	var total sql.NullInt64
	if rec.Total != nil {
		total = sql.NullInt64{Int64: rec.Total.Cents, Valid: true}
	}
	var store sql.NullString
	if rec.StoreName != nil {
		store = sql.NullString{String: *rec.StoreName, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tracked_receipts (id, owner, status, track_state, store_name, total_cents, items_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			track_state = excluded.track_state,
			store_name = COALESCE(excluded.store_name, tracked_receipts.store_name),
			total_cents = COALESCE(excluded.total_cents, tracked_receipts.total_cents),
			items_json = excluded.items_json,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, owner, string(rec.Status), string(state), store, total, string(itemsJSON))
	if err != nil {
		return fmt.Errorf("upsert receipt %d: %w", rec.ID, err)
	}

	if state == core.TrackCompleted {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO export_outbox (receipt_id) VALUES (?) ON CONFLICT(receipt_id) DO NOTHING`,
			rec.ID); err != nil {
			return fmt.Errorf("enqueue export %d: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	slog.DebugContext(ctx, "Receipt mirrored locally",
		"receipt_id", rec.ID,
		"status", rec.Status,
		"track_state", state)
	return nil
}

// GetReceipt returns the mirrored copy of one record
func (r *SQLiteRepository) GetReceipt(ctx context.Context, id int64) (*core.TrackedReceipt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner, status, track_state, store_name, total_cents, items_json, updated_at
		FROM tracked_receipts WHERE id = ?`, id)
	tr, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %d: %w", id, err)
	}
	return tr, nil
}

// ListReceipts returns the most recently updated records of owner
func (r *SQLiteRepository) ListReceipts(ctx context.Context, owner string, limit int) ([]core.TrackedReceipt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner, status, track_state, store_name, total_cents, items_json, updated_at
		FROM tracked_receipts WHERE owner = ?
		ORDER BY updated_at DESC, id DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []core.TrackedReceipt
	for rows.Next() {
		tr, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

// PendingExports returns completed receipts not yet written to the sheet
func (r *SQLiteRepository) PendingExports(ctx context.Context, limit int) ([]PendingExport, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.owner, t.status, t.track_state, t.store_name, t.total_cents, t.items_json, t.updated_at, o.attempts
		FROM export_outbox o JOIN tracked_receipts t ON t.id = o.receipt_id
		WHERE o.state = ? OR (o.state = ? AND o.attempts < ?)
		ORDER BY o.created_at, o.receipt_id LIMIT ?`,
		ExportPending, ExportErrored, maxExportTries, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending exports: %w", err)
	}
	defer rows.Close()

	var out []PendingExport
	for rows.Next() {
		var (
			pe        PendingExport
			status    string
			state     string
			store     sql.NullString
			total     sql.NullInt64
			itemsJSON string
		)
		if err := rows.Scan(&pe.Receipt.Record.ID, &pe.Receipt.Owner, &status, &state, &store, &total,
			&itemsJSON, &pe.Receipt.UpdatedAt, &pe.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending export: %w", err)
		}
		if err := fillReceipt(&pe.Receipt, status, state, store, total, itemsJSON); err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// MarkExported records the sheet reference of an exported receipt
func (r *SQLiteRepository) MarkExported(ctx context.Context, id int64, ref string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_outbox SET state = ?, sheets_ref = ?, last_error = NULL,
			attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
		WHERE receipt_id = ?`, ExportDone, ref, id)
	if err != nil {
		return fmt.Errorf("mark receipt exported: %w", err)
	}

	slog.InfoContext(ctx, "Receipt marked as exported", "receipt_id", id, "sheets_ref", ref)
	return nil
}

// MarkExportError records a failed export attempt
func (r *SQLiteRepository) MarkExportError(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_outbox SET state = ?, last_error = ?,
			attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
		WHERE receipt_id = ?`, ExportErrored, msg, id)
	if err != nil {
		return fmt.Errorf("mark receipt export error: %w", err)
	}

	slog.WarnContext(ctx, "Receipt export marked with error", "receipt_id", id, "error", msg)
	return nil
}

// ExportState returns the outbox state and sheet reference for one receipt
func (r *SQLiteRepository) ExportState(ctx context.Context, id int64) (string, string, error) {
	var (
		state string
		ref   sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT state, sheets_ref FROM export_outbox WHERE receipt_id = ?`, id).Scan(&state, &ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("export %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("get export state: %w", err)
	}
	return state, ref.String, nil
}

// ForgetOwner deletes everything mirrored for owner
func (r *SQLiteRepository) ForgetOwner(ctx context.Context, owner string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM export_outbox WHERE receipt_id IN (SELECT id FROM tracked_receipts WHERE owner = ?)`, owner); err != nil {
		return fmt.Errorf("delete exports: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_receipts WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("delete receipts: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*core.TrackedReceipt, error) {
	var (
		tr        core.TrackedReceipt
		status    string
		state     string
		store     sql.NullString
		total     sql.NullInt64
		itemsJSON string
		updatedAt time.Time
	)
	if err := row.Scan(&tr.Record.ID, &tr.Owner, &status, &state, &store, &total, &itemsJSON, &updatedAt); err != nil {
		return nil, err
	}
	tr.UpdatedAt = updatedAt
	if err := fillReceipt(&tr, status, state, store, total, itemsJSON); err != nil {
		return nil, err
	}
	return &tr, nil
}

func fillReceipt(tr *core.TrackedReceipt, status, state string, store sql.NullString, total sql.NullInt64, itemsJSON string) error {
	tr.Record.Status = core.ReceiptStatus(status)
	tr.TrackState = core.TrackState(state)
	if store.Valid {
		name := store.String
		tr.Record.StoreName = &name
	}
	if total.Valid {
		tr.Record.Total = &core.Money{Cents: total.Int64}
	}
	if err := json.Unmarshal([]byte(itemsJSON), &tr.Record.Items); err != nil {
		return fmt.Errorf("decode items of receipt %d: %w", tr.Record.ID, err)
	}
	return nil
}
