package sheets

import (
	"testing"
	"time"

	"receiptflow/internal/core"
)

func TestRow(t *testing.T) {
	store := "Coop"
	r := core.TrackedReceipt{
		Owner:     "user",
		UpdatedAt: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC),
		Record: core.ProcessingRecord{
			ID:        12,
			Status:    core.StatusCompleted,
			StoreName: &store,
			Total:     &core.Money{Cents: 1999},
			Items: []core.ReceiptItem{
				{Name: "Milk", Category: "Dairy"},
				{Name: "Bread", Category: "Bakery"},
				{Name: "Yogurt", Category: "Dairy"},
				{Name: "Bag"},
			},
		},
	}

	got := Row(r)
	want := []any{"2024-03-09", int64(12), "Coop", "19.99", 4, "Bakery, Dairy", "user"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("col %d = %v (%T), want %v (%T)", i, got[i], got[i], want[i], want[i])
		}
	}
}

func TestRowWithoutStoreOrTotal(t *testing.T) {
	got := Row(core.TrackedReceipt{Record: core.ProcessingRecord{ID: 1, Status: core.StatusCompleted}})
	if got[2] != "Unknown store" || got[3] != "" {
		t.Errorf("unexpected row %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     core.ProcessingRecord
		wantErr bool
	}{
		{"completed", core.ProcessingRecord{ID: 1, Status: core.StatusCompleted}, false},
		{"failed", core.ProcessingRecord{ID: 1, Status: core.StatusFailed}, true},
		{"zero id", core.ProcessingRecord{Status: core.StatusCompleted}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(core.TrackedReceipt{Record: tt.rec})
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
