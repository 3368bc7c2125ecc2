package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
	ports "receiptflow/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

type Options struct {
	SpreadsheetID      string
	SheetName          string
	ServiceAccountJSON string
	ServiceAccountFile string
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *applog.Logger
}

// Ensure interface conformance
var _ ports.ReceiptWriter = (*Client)(nil)

// New creates a Sheets client authenticated with a service account.
// Inline JSON wins over the file; GOOGLE_APPLICATION_CREDENTIALS is the
// last fallback.
func New(ctx context.Context, opts Options, logger *applog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	creds, err := credentials(opts)
	if err != nil {
		return nil, err
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return NewWithService(svc, opts.SpreadsheetID, opts.SheetName, logger), nil
}

// NewWithService wraps an already configured service.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string, logger *applog.Logger) *Client {
	if strings.TrimSpace(sheetName) == "" {
		sheetName = "Receipts"
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger.WithComponent(applog.ComponentSheets),
	}
}

func credentials(opts Options) ([]byte, error) {
	inline := strings.TrimSpace(opts.ServiceAccountJSON)
	file := strings.TrimSpace(opts.ServiceAccountFile)
	if inline == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case inline != "":
		return []byte(inline), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// AppendReceipt writes the receipt on the first empty row of column A. An
// empty sheet gets the header row first.
func (c *Client) AppendReceipt(ctx context.Context, r core.TrackedReceipt) (string, error) {
	if err := ports.Validate(r); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	rng := fmt.Sprintf("%s!A:A", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get sheet dimensions for %s: %w", c.sheetName, err)
	}

	rows := [][]any{ports.Row(r)}
	nextRow := len(resp.Values) + 1
	if nextRow == 1 {
		rows = [][]any{ports.Header, ports.Row(r)}
	}
	lastRow := nextRow + len(rows) - 1

	dataRange := fmt.Sprintf("%s!A%d:G%d", c.sheetName, nextRow, lastRow)
	vr := &gsheet.ValueRange{Values: rows}
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, dataRange, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", dataRange, err)
	}

	ref := fmt.Sprintf("%s!A%d:G%d", c.sheetName, lastRow, lastRow)
	c.logger.InfoContext(ctx, "Receipt exported",
		"receipt_id", r.Record.ID,
		"range", ref)
	return ref, nil
}
