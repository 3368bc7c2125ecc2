package sheets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"receiptflow/internal/core"
)

// Ports for outbound adapters.
type (
	// ReceiptWriter appends one completed receipt to a spreadsheet and returns
	// a reference to the written row.
	ReceiptWriter interface {
		AppendReceipt(ctx context.Context, r core.TrackedReceipt) (rowRef string, err error)
	}
)

// Header is the first row of an export sheet.
var Header = []any{"Date", "Receipt", "Store", "Total", "Items", "Categories", "Owner"}

// Row renders a receipt in Header order. The total is written as a decimal
// string so the sheet parses it with its own locale.
func Row(r core.TrackedReceipt) []any {
	total := ""
	if r.Record.Total != nil {
		total = r.Record.Total.String()
	}
	return []any{
		r.UpdatedAt.Format("2006-01-02"),
		r.Record.ID,
		r.Record.DisplayStore(),
		total,
		len(r.Record.Items),
		categories(r.Record.Items),
		r.Owner,
	}
}

func categories(items []core.ReceiptItem) string {
	seen := map[string]struct{}{}
	for _, it := range items {
		c := strings.TrimSpace(it.Category)
		if c == "" {
			continue
		}
		seen[c] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// Validate rejects receipts that must not be exported.
func Validate(r core.TrackedReceipt) error {
	if r.Record.ID <= 0 {
		return fmt.Errorf("invalid receipt id %d", r.Record.ID)
	}
	if r.Record.Status != core.StatusCompleted {
		return fmt.Errorf("receipt %d is %s, only completed receipts are exported", r.Record.ID, r.Record.Status)
	}
	return nil
}
